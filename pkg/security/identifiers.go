package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	publicIDBytes = 16
	nonceBytes    = 16

	pbkdfIterations = 100000
	keyLength       = 32
)

// CredentialPublicID generates the random identifier a voting credential is
// known by on the ballot ledger. 128 bits keeps it unguessable while staying
// short enough for receipts.
func CredentialPublicID() (string, error) {
	return randomHex(publicIDBytes)
}

// ReceiptNonce generates the one-time nonce mixed into a ballot hash. It is
// returned to the voter and never stored; presenting it later is the only way
// to prove which ledger entry is theirs.
func ReceiptNonce() (string, error) {
	return randomHex(nonceBytes)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Pseudonymizer derives stable opaque names for subjects so that log lines
// and internal exports can correlate activity without carrying identities.
type Pseudonymizer struct {
	salt []byte
}

func NewPseudonymizer(salt []byte) (*Pseudonymizer, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("pseudonym salt must be at least 16 bytes, got %d", len(salt))
	}
	return &Pseudonymizer{salt: salt}, nil
}

// Pseudonym returns a deterministic opaque identifier for subject.
func (p *Pseudonymizer) Pseudonym(subject string) string {
	key := pbkdf2.Key([]byte(subject), p.salt, pbkdfIterations, keyLength, sha256.New)
	return hex.EncodeToString(key[:12])
}
