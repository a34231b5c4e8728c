// Package tally implements the Meek STV counting engine and the round-flow
// projection used for visualization. Counting is a pure function of its
// inputs: identical ballots, candidates, seats, and exclusion groups always
// produce identical output, down to round count and tie-break outcomes.
package tally

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNoCandidates     = errors.New("tally requires at least one candidate")
	ErrInvalidSeats     = errors.New("seats must be positive")
	ErrUnknownCandidate = errors.New("ballot references unknown candidate")
	ErrInvalidBallot    = errors.New("invalid ballot")
	ErrInvalidGroup     = errors.New("invalid exclusion group")
	ErrNoTermination    = errors.New("tally did not terminate within the round limit")
)

// Candidate is a tally-input candidate. TiebreakKey is the fixed,
// election-scoped random identifier assigned when the election opened; it is
// the only tie-break source, so replays reproduce every tie outcome.
type Candidate struct {
	ID          int64
	Name        string
	TiebreakKey uuid.UUID
}

// Ballot is a weighted, ordered, de-duplicated ranking of candidate ids.
type Ballot struct {
	Weight  int
	Ranking []int64
}

// ExclusionGroup caps how many of its member candidates may be elected.
type ExclusionGroup struct {
	PublicID     string
	Name         string
	MaxElected   int
	CandidateIDs []int64
}

// TieBreak records a deterministic tie resolution for the audit trail.
type TieBreak struct {
	Tied     []int64 `json:"tied"`
	Selected int64   `json:"selected"`
	Reason   string  `json:"reason"`
}

// ForcedExclusion records a candidate skipped at election time because an
// exclusion group had already reached its cap.
type ForcedExclusion struct {
	CandidateID int64  `json:"candidate_id"`
	GroupID     string `json:"group_public_id"`
	GroupName   string `json:"group_name"`
}

// Round is one append-only entry of the audit trail.
type Round struct {
	Iteration            int                       `json:"iteration"`
	EligibleCandidates   []int64                   `json:"eligible_candidates"`
	RetainedTotals       map[int64]decimal.Decimal `json:"retained_totals"`
	RetentionFactors     map[int64]decimal.Decimal `json:"retention_factors"`
	Quota                decimal.Decimal           `json:"quota"`
	Elected              []int64                   `json:"elected"`
	Eliminated           *int64                    `json:"eliminated"`
	ForcedExclusions     []ForcedExclusion         `json:"forced_exclusions"`
	TieBreaks            []TieBreak                `json:"tie_breaks"`
	NumericallyConverged bool                      `json:"numerically_converged"`
	MaxRetentionDelta    decimal.Decimal           `json:"max_retention_delta"`
	Seats                int                       `json:"seats"`
	ElectedTotal         int                       `json:"elected_total"`
	CountComplete        bool                      `json:"count_complete"`
	AuditText            string                    `json:"audit_text"`
	SummaryText          string                    `json:"summary_text"`
}

// Result is the full product of a tally run. Rounds, not just the elected
// set, are what an auditor replays.
type Result struct {
	Elected        []int64         `json:"elected"`
	Eliminated     []int64         `json:"eliminated"`
	ForcedExcluded []int64         `json:"forced_excluded"`
	Quota          decimal.Decimal `json:"quota"`
	Rounds         []Round         `json:"rounds"`
}
