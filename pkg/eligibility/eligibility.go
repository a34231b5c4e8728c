// Package eligibility resolves who may vote in an election and with what
// weight. Membership facts come from an external membership store and group
// restrictions from an external identity directory; both are consumed behind
// narrow provider interfaces so the resolver itself stays a pure computation
// over snapshots.
package eligibility

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Election lifecycle states the resolver cares about. Draft moves the
// reference time forward with the clock; draft and open results are cacheable
// because the electorate is still fluid but read often.
const (
	StateDraft = "draft"
	StateOpen  = "open"
)

// Election is the slice of election state eligibility depends on.
type Election struct {
	ID    int64
	State string
	Start time.Time

	// RestrictionGroup, when set, intersects the electorate with the fully
	// expanded membership of this directory group.
	RestrictionGroup string
}

// MembershipFact is one vote-bearing membership row as reported by the
// membership store. Organization-held memberships are attributed to the
// organization's representative, with Organization naming the holder.
type MembershipFact struct {
	Subject      string
	Label        string
	Organization string
	Weight       int
	TermStart    time.Time
	ExpiresAt    *time.Time
}

// Group is one identity-directory group: direct member subjects plus nested
// group names for recursive expansion.
type Group struct {
	Name         string
	Members      []string
	MemberGroups []string
}

// MembershipProvider supplies the membership facts snapshot.
type MembershipProvider interface {
	MembershipFacts(ctx context.Context) ([]MembershipFact, error)
}

// GroupProvider supplies directory groups and, for reason reporting on
// unrestricted elections, the full subject listing. Implementations return
// errors wrapping ErrProviderUnavailable or ErrMisconfigured.
type GroupProvider interface {
	Group(ctx context.Context, name string) (*Group, error)
	Subjects(ctx context.Context) ([]string, error)
}

// EligibleVoter is one electorate entry.
type EligibleVoter struct {
	Subject string `json:"subject"`
	Weight  int    `json:"weight"`
}

// Config carries the eligibility policy knobs.
type Config struct {
	// MinMembershipAgeDays is how long before the reference time a membership
	// term must have started to carry a vote.
	MinMembershipAgeDays int

	// CommitteeGroup is the directory group whose members are disqualified
	// from candidacy and nomination.
	CommitteeGroup string

	// ProviderTimeout bounds each provider call. Zero disables the bound.
	ProviderTimeout time.Duration

	// FactsCacheTTL bounds how stale a cached facts snapshot may be.
	FactsCacheTTL time.Duration

	// FactsCacheSize caps the number of cached facts snapshots.
	FactsCacheSize int
}

const (
	defaultFactsCacheTTL  = 30 * time.Second
	defaultFactsCacheSize = 64
)

// Resolver computes electorates, ineligibility reasons, weight breakdowns,
// and candidate/nominator validation.
type Resolver struct {
	memberships MembershipProvider
	groups      GroupProvider
	cfg         Config
	logger      *zap.Logger

	facts *expirable.LRU[string, map[string]subjectFacts]

	now func() time.Time
}

// NewResolver creates a Resolver. The facts cache holds per-election
// snapshots for draft and open elections only.
func NewResolver(memberships MembershipProvider, groups GroupProvider, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.FactsCacheTTL <= 0 {
		cfg.FactsCacheTTL = defaultFactsCacheTTL
	}
	if cfg.FactsCacheSize <= 0 {
		cfg.FactsCacheSize = defaultFactsCacheSize
	}
	return &Resolver{
		memberships: memberships,
		groups:      groups,
		cfg:         cfg,
		logger:      logger,
		facts:       expirable.NewLRU[string, map[string]subjectFacts](cfg.FactsCacheSize, nil, cfg.FactsCacheTTL),
		now:         time.Now,
	}
}

// referenceTime is the instant eligibility is judged against: the election's
// start, or the current time while a draft election's start lies in the past.
func (r *Resolver) referenceTime(e Election) time.Time {
	if e.State == StateDraft {
		if now := r.now(); now.After(e.Start) {
			return now
		}
	}
	return e.Start
}

func (r *Resolver) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.ProviderTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	}
	return ctx, func() {}
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
