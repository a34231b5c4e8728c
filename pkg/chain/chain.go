// Package chain implements the append-only ballot hash chain: genesis and
// per-ballot digests plus offline verification of exported chains. Everything
// here is a pure function so a third party can recompute every hash from a
// public export without server access.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GenesisHash returns the deterministic chain anchor for an election. It is
// derived from the election identifier alone so verifiers can recompute it
// offline. The salt string is part of the published verification algorithm
// and must never change.
func GenesisHash(electionID int64) string {
	data := fmt.Sprintf("election:%d. alex estuvo aquí, dejándose el alma.", electionID)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// BallotHash digests the ballot content. The nonce is a per-submission random
// value that keeps identical re-submissions from producing identical hashes;
// it is handed to the voter in the receipt and intentionally not stored.
//
// The digest input is canonical JSON: keys in lexicographic order, compact
// separators, UTF-8 without forced ASCII escaping. This layout is published
// alongside the election so receipts can be re-verified with any JSON library.
func BallotHash(electionID int64, credentialPublicID string, ranking []int64, weight int, nonce string) string {
	var b strings.Builder
	b.WriteString(`{"credential_public_id":`)
	b.Write(jsonString(credentialPublicID))
	b.WriteString(`,"election_id":`)
	b.WriteString(strconv.FormatInt(electionID, 10))
	b.WriteString(`,"nonce":`)
	b.Write(jsonString(nonce))
	b.WriteString(`,"ranking":[`)
	for i, cid := range ranking {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(cid, 10))
	}
	b.WriteString(`],"weight":`)
	b.WriteString(strconv.Itoa(weight))
	b.WriteByte('}')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NextHash links a ballot into the chain.
func NextHash(previousChainHash, ballotHash string) string {
	sum := sha256.Sum256([]byte(previousChainHash + ":" + ballotHash))
	return hex.EncodeToString(sum[:])
}

func jsonString(s string) []byte {
	out, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail.
		panic(err)
	}
	return out
}
