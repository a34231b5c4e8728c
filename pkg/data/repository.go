package data

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrStaleHead = errors.New("chain head moved since it was read")
)

// BallotSubmission is the validated input to the ledger append. The chain
// hashes are computed inside the append, under the election-row lock, so two
// concurrent submissions can never claim the same previous chain head.
// ExpectedHead, when set, makes the append conditional: it must equal the
// head observed under the lock or the append fails with ErrStaleHead.
type BallotSubmission struct {
	ElectionID         int64
	CredentialPublicID string
	Ranking            []int64
	BallotHash         string
	ExpectedHead       string
}

// Repository is the persistence boundary. PostgresRepository backs
// production; MemRepository backs tests.
type Repository interface {
	CreateElection(ctx context.Context, e *Election) error
	GetElection(ctx context.Context, id int64) (*Election, error)
	ListElectionsByState(ctx context.Context, state ElectionState) ([]*Election, error)
	UpdateElection(ctx context.Context, e *Election) error

	CreateCandidate(ctx context.Context, c *Candidate) error
	ListCandidates(ctx context.Context, electionID int64) ([]*Candidate, error)
	SetCandidateTiebreakKey(ctx context.Context, candidateID int64, key uuid.UUID) error

	CreateExclusionGroup(ctx context.Context, g *ExclusionGroup) error
	ListExclusionGroups(ctx context.Context, electionID int64) ([]*ExclusionGroup, error)

	// UpsertCredential issues a credential, or updates the weight of the
	// existing one for the same subject. The public id of an existing
	// credential is never replaced.
	UpsertCredential(ctx context.Context, c *VotingCredential) (*VotingCredential, error)
	GetCredential(ctx context.Context, electionID int64, publicID string) (*VotingCredential, error)
	CredentialTotals(ctx context.Context, electionID int64) (count, weight int, err error)
	AnonymizeCredentials(ctx context.Context, electionID int64) (int64, error)

	// AppendBallot appends to the election's hash chain: it serializes on
	// the election row, reads the current head, computes the chain hash,
	// and supersedes the credential's previous ballot if one exists.
	AppendBallot(ctx context.Context, sub BallotSubmission) (*Ballot, error)
	ListBallots(ctx context.Context, electionID int64) ([]*Ballot, error)
	ListCountedBallots(ctx context.Context, electionID int64) ([]*Ballot, error)
	CountedBallotTotals(ctx context.Context, electionID int64) (count, weight int, err error)
	// ChainHead returns the newest ballot's chain hash, or "" for an empty
	// ledger.
	ChainHead(ctx context.Context, electionID int64) (string, error)

	AppendAudit(ctx context.Context, entry *AuditLogEntry) error
	HasAuditEvent(ctx context.Context, electionID int64, eventType string) (bool, error)
	ListAuditEntries(ctx context.Context, electionID int64, publicOnly bool) ([]*AuditLogEntry, error)

	Close()
}
