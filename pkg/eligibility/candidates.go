package eligibility

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// CandidateValidation is the full outcome of validating a proposed candidate
// and nominator slate. All slices are sorted case-insensitively.
type CandidateValidation struct {
	EligibleCandidates     []string `json:"eligible_candidates"`
	EligibleNominators     []string `json:"eligible_nominators"`
	DisqualifiedCandidates []string `json:"disqualified_candidates"`
	DisqualifiedNominators []string `json:"disqualified_nominators"`
	IneligibleCandidates   []string `json:"ineligible_candidates"`
	IneligibleNominators   []string `json:"ineligible_nominators"`
}

// CommitteeDisqualification returns, case-insensitively, which of the given
// candidates and nominators belong to the election committee group. An
// unset committee group is a misconfiguration, not an empty set.
func (r *Resolver) CommitteeDisqualification(ctx context.Context, candidates, nominators []string) ([]string, []string, error) {
	committee := strings.TrimSpace(r.cfg.CommitteeGroup)
	if committee == "" {
		return nil, nil, misconfiguredError(committeeGroupMissing, nil)
	}

	members, err := r.expandGroup(ctx, committee, committeeGroupMissing)
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return []string{}, []string{}, nil
	}

	inCommittee := func(subjects []string) []string {
		out := make([]string, 0)
		for _, s := range subjects {
			trimmed := strings.TrimSpace(s)
			if trimmed == "" {
				continue
			}
			if _, ok := members[strings.ToLower(trimmed)]; ok {
				out = append(out, trimmed)
			}
		}
		sortSubjects(out)
		return out
	}
	return inCommittee(candidates), inCommittee(nominators), nil
}

// EligibleCandidates returns the subjects who may stand: eligible voters of
// the election minus committee members.
func (r *Resolver) EligibleCandidates(ctx context.Context, e Election) ([]string, error) {
	return r.eligibleForRole(ctx, e, e.RestrictionGroup)
}

// EligibleNominators returns the subjects who may nominate. Nomination
// ignores the election's restriction group: any committee-free eligible
// voter of the wider membership may nominate.
func (r *Resolver) EligibleNominators(ctx context.Context, e Election) ([]string, error) {
	return r.eligibleForRole(ctx, e, "")
}

func (r *Resolver) eligibleForRole(ctx context.Context, e Election, restrictionGroup string) ([]string, error) {
	voters, err := r.eligibleVoters(ctx, e, restrictionGroup, false)
	if err != nil {
		return nil, err
	}
	subjects := make([]string, 0, len(voters))
	for _, v := range voters {
		subjects = append(subjects, v.Subject)
	}

	disqualified, _, err := r.CommitteeDisqualification(ctx, subjects, nil)
	if err != nil {
		return nil, err
	}
	if len(disqualified) > 0 {
		r.logger.Debug("committee members filtered from eligibility",
			zap.Int64("election_id", e.ID),
			zap.Strings("disqualified", disqualified))
		drop := make(map[string]struct{}, len(disqualified))
		for _, s := range disqualified {
			drop[strings.ToLower(s)] = struct{}{}
		}
		kept := subjects[:0]
		for _, s := range subjects {
			if _, ok := drop[strings.ToLower(s)]; !ok {
				kept = append(kept, s)
			}
		}
		subjects = kept
	}
	sortSubjects(subjects)
	return subjects, nil
}

// ValidateCandidates checks a proposed slate against voter eligibility and
// committee disqualification, for both the candidate and nominator roles.
func (r *Resolver) ValidateCandidates(ctx context.Context, e Election, candidates, nominators []string) (*CandidateValidation, error) {
	candidates = normalizeSubjects(candidates)
	nominators = normalizeSubjects(nominators)

	eligibleCandidates, err := r.EligibleCandidates(ctx, e)
	if err != nil {
		return nil, err
	}
	eligibleNominators, err := r.EligibleNominators(ctx, e)
	if err != nil {
		return nil, err
	}
	disqualifiedCandidates, disqualifiedNominators, err := r.CommitteeDisqualification(ctx, candidates, nominators)
	if err != nil {
		return nil, err
	}

	return &CandidateValidation{
		EligibleCandidates:     eligibleCandidates,
		EligibleNominators:     eligibleNominators,
		DisqualifiedCandidates: disqualifiedCandidates,
		DisqualifiedNominators: disqualifiedNominators,
		IneligibleCandidates:   missingFrom(candidates, eligibleCandidates),
		IneligibleNominators:   missingFrom(nominators, eligibleNominators),
	}, nil
}

func normalizeSubjects(subjects []string) []string {
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func missingFrom(subjects, eligible []string) []string {
	allowed := make(map[string]struct{}, len(eligible))
	for _, s := range eligible {
		allowed[strings.ToLower(s)] = struct{}{}
	}
	out := make([]string, 0)
	for _, s := range subjects {
		if _, ok := allowed[strings.ToLower(s)]; !ok {
			out = append(out, s)
		}
	}
	sortSubjects(out)
	return out
}

func sortSubjects(subjects []string) {
	sort.Slice(subjects, func(i, j int) bool {
		return strings.ToLower(subjects[i]) < strings.ToLower(subjects[j])
	})
}
