// Package data holds the persistence models and the repository for
// elections, candidates, credentials, the ballot ledger, and the audit log.
package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidData  = errors.New("invalid data")
	ErrInvalidState = errors.New("invalid election state transition")
)

// ElectionState is the lifecycle position of an election. Transitions are
// forward-only.
type ElectionState string

const (
	StateDraft   ElectionState = "draft"
	StateOpen    ElectionState = "open"
	StateClosed  ElectionState = "closed"
	StateTallied ElectionState = "tallied"
)

// CanTransitionTo reports whether the state machine allows moving to next.
func (s ElectionState) CanTransitionTo(next ElectionState) bool {
	switch s {
	case StateDraft:
		return next == StateOpen
	case StateOpen:
		return next == StateClosed
	case StateClosed:
		return next == StateTallied
	}
	return false
}

func (s ElectionState) valid() bool {
	switch s {
	case StateDraft, StateOpen, StateClosed, StateTallied:
		return true
	}
	return false
}

// Election is one ranked-choice election.
type Election struct {
	ID            int64         `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	State         ElectionState `json:"state"`
	StartAt       time.Time     `json:"start_at"`
	EndAt         time.Time     `json:"end_at"`
	Seats         int           `json:"seats"`
	QuorumPercent int           `json:"quorum_percent"`

	// RestrictionGroup optionally limits the electorate to a directory group.
	RestrictionGroup string `json:"restriction_group,omitempty"`

	// ChainHead is recorded at close time: the last ballot's chain hash, or
	// the genesis hash when nobody voted.
	ChainHead string `json:"chain_head,omitempty"`

	// TallyResult is the stored tally output as JSON, set when tallied.
	TallyResult []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the election's invariants.
func (e *Election) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidData)
	}
	if !e.State.valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidData, e.State)
	}
	if e.Seats <= 0 {
		return fmt.Errorf("%w: seats must be positive", ErrInvalidData)
	}
	if e.QuorumPercent < 0 || e.QuorumPercent > 100 {
		return fmt.Errorf("%w: quorum percent %d out of range", ErrInvalidData, e.QuorumPercent)
	}
	if !e.EndAt.After(e.StartAt) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidData)
	}
	return nil
}

// Candidate stands in one election. TiebreakKey is assigned exactly once,
// when the election opens, and never regenerated: it is the deterministic
// tie-break source for audit replays.
type Candidate struct {
	ID          int64      `json:"id"`
	ElectionID  int64      `json:"election_id"`
	Name        string     `json:"name"`
	TiebreakKey *uuid.UUID `json:"tiebreak_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (c *Candidate) Validate() error {
	if c.ElectionID == 0 {
		return fmt.Errorf("%w: candidate needs an election", ErrInvalidData)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: candidate name is required", ErrInvalidData)
	}
	return nil
}

// ExclusionGroup caps how many of its members may be elected together.
type ExclusionGroup struct {
	ID           int64     `json:"id"`
	ElectionID   int64     `json:"election_id"`
	PublicID     uuid.UUID `json:"public_id"`
	Name         string    `json:"name"`
	MaxElected   int       `json:"max_elected"`
	CandidateIDs []int64   `json:"candidate_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

func (g *ExclusionGroup) Validate() error {
	if g.ElectionID == 0 {
		return fmt.Errorf("%w: exclusion group needs an election", ErrInvalidData)
	}
	if g.Name == "" {
		return fmt.Errorf("%w: exclusion group name is required", ErrInvalidData)
	}
	if g.MaxElected < 0 {
		return fmt.Errorf("%w: max elected is negative", ErrInvalidData)
	}
	if g.MaxElected > len(g.CandidateIDs) {
		return fmt.Errorf("%w: max elected %d exceeds member count %d",
			ErrInvalidData, g.MaxElected, len(g.CandidateIDs))
	}
	return nil
}

// VotingCredential links one eligible subject to one anonymous public id per
// election. Ballots reference only the public id; Subject is cleared by
// anonymization after the election closes.
type VotingCredential struct {
	ID         int64     `json:"id"`
	ElectionID int64     `json:"election_id"`
	PublicID   string    `json:"public_id"`
	Subject    *string   `json:"-"`
	Weight     int       `json:"weight"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *VotingCredential) Validate() error {
	if c.ElectionID == 0 {
		return fmt.Errorf("%w: credential needs an election", ErrInvalidData)
	}
	if c.PublicID == "" {
		return fmt.Errorf("%w: credential public id is required", ErrInvalidData)
	}
	if c.Weight <= 0 {
		return fmt.Errorf("%w: credential weight must be positive", ErrInvalidData)
	}
	return nil
}

// Ballot is one immutable ledger entry. A vote change appends a new ballot
// and marks the old one superseded; it never mutates the old entry's hashes.
type Ballot struct {
	ID                 int64     `json:"id"`
	ElectionID         int64     `json:"election_id"`
	CredentialPublicID string    `json:"credential_public_id"`
	Ranking            []int64   `json:"ranking"`
	Weight             int       `json:"weight"`
	BallotHash         string    `json:"ballot_hash"`
	PreviousChainHash  string    `json:"previous_chain_hash"`
	ChainHash          string    `json:"chain_hash"`
	IsCounted          bool      `json:"is_counted"`
	SupersededBy       *int64    `json:"superseded_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func (b *Ballot) Validate() error {
	if b.ElectionID == 0 {
		return fmt.Errorf("%w: ballot needs an election", ErrInvalidData)
	}
	if b.CredentialPublicID == "" {
		return fmt.Errorf("%w: ballot needs a credential", ErrInvalidData)
	}
	if len(b.Ranking) == 0 {
		return fmt.Errorf("%w: ballot ranking is required", ErrInvalidData)
	}
	if b.Weight <= 0 {
		return fmt.Errorf("%w: ballot weight must be positive", ErrInvalidData)
	}
	if b.BallotHash == "" || b.PreviousChainHash == "" || b.ChainHash == "" {
		return fmt.Errorf("%w: ballot hashes are required", ErrInvalidData)
	}
	return nil
}

// AuditLogEntry is one append-only audit record. Public entries end up in
// the published audit export.
type AuditLogEntry struct {
	ID         int64          `json:"id"`
	ElectionID int64          `json:"election_id"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	IsPublic   bool           `json:"is_public"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (a *AuditLogEntry) Validate() error {
	if a.ElectionID == 0 {
		return fmt.Errorf("%w: audit entry needs an election", ErrInvalidData)
	}
	if a.EventType == "" {
		return fmt.Errorf("%w: audit event type is required", ErrInvalidData)
	}
	return nil
}

// Membership is one vote-bearing membership row. Individual memberships name
// the subject directly; organization-held ones name the organization, whose
// representative casts its votes.
type Membership struct {
	ID             int64      `json:"id"`
	Subject        string     `json:"subject,omitempty"`
	Organization   string     `json:"organization,omitempty"`
	Representative string     `json:"representative,omitempty"`
	Label          string     `json:"label"`
	Weight         int        `json:"weight"`
	Enabled        bool       `json:"enabled"`
	TermStart      time.Time  `json:"term_start"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (m *Membership) Validate() error {
	if m.Subject == "" && m.Organization == "" {
		return fmt.Errorf("%w: membership needs a subject or an organization", ErrInvalidData)
	}
	if m.Organization != "" && m.Representative == "" {
		return fmt.Errorf("%w: organization membership needs a representative", ErrInvalidData)
	}
	if m.Label == "" {
		return fmt.Errorf("%w: membership label is required", ErrInvalidData)
	}
	if m.Weight < 0 {
		return fmt.Errorf("%w: membership weight is negative", ErrInvalidData)
	}
	if m.TermStart.IsZero() {
		return fmt.Errorf("%w: membership term start is required", ErrInvalidData)
	}
	return nil
}
