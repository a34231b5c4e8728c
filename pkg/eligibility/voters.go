package eligibility

import (
	"context"
	"sort"
	"time"
)

// Ineligibility reasons.
const (
	ReasonNoMembership = "no_membership"
	ReasonExpired      = "expired"
	ReasonTooNew       = "too_new"
)

// IneligibleVoter explains why a subject from the electorate universe cannot
// vote. DaysShort is only meaningful for ReasonTooNew.
type IneligibleVoter struct {
	Subject       string     `json:"subject"`
	Reason        string     `json:"reason"`
	TermStart     *time.Time `json:"term_start,omitempty"`
	ElectionStart time.Time  `json:"election_start"`
	DaysAtStart   int        `json:"days_at_start"`
	DaysShort     int        `json:"days_short"`
}

// WeightLine is one membership's contribution to a subject's vote weight.
type WeightLine struct {
	Label        string `json:"label"`
	Organization string `json:"organization,omitempty"`
	Votes        int    `json:"votes"`
}

// EligibleVoters resolves the electorate: every subject holding at least one
// active, vote-bearing membership old enough under the minimum-age policy,
// intersected with the election's restriction group when one is set. The
// result is sorted by subject. Provider failures are returned, never treated
// as an empty electorate.
func (r *Resolver) EligibleVoters(ctx context.Context, e Election) ([]EligibleVoter, error) {
	return r.eligibleVoters(ctx, e, e.RestrictionGroup, false)
}

// EligibleVotersFresh is EligibleVoters with the facts cache bypassed, for
// the moment credentials are issued.
func (r *Resolver) EligibleVotersFresh(ctx context.Context, e Election) ([]EligibleVoter, error) {
	return r.eligibleVoters(ctx, e, e.RestrictionGroup, true)
}

func (r *Resolver) eligibleVoters(ctx context.Context, e Election, restrictionGroup string, requireFresh bool) ([]EligibleVoter, error) {
	facts, err := r.subjectFactsFor(ctx, e, requireFresh)
	if err != nil {
		return nil, err
	}

	voters := make([]EligibleVoter, 0, len(facts))
	for subject, f := range facts {
		if f.weight > 0 {
			voters = append(voters, EligibleVoter{Subject: subject, Weight: f.weight})
		}
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i].Subject < voters[j].Subject })

	if restrictionGroup == "" {
		return voters, nil
	}

	allowed, err := r.expandGroup(ctx, restrictionGroup, restrictionGroupMissing)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return []EligibleVoter{}, nil
	}

	filtered := voters[:0]
	for _, v := range voters {
		if _, ok := allowed[v.Subject]; ok {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

// VoteWeight returns a single subject's weight under the canonical
// eligibility rules, zero when ineligible.
func (r *Resolver) VoteWeight(ctx context.Context, e Election, subject string) (int, error) {
	subject = normalizeSubject(subject)
	if subject == "" {
		return 0, nil
	}

	if e.RestrictionGroup != "" {
		allowed, err := r.expandGroup(ctx, e.RestrictionGroup, restrictionGroupMissing)
		if err != nil {
			return 0, err
		}
		if _, ok := allowed[subject]; !ok {
			return 0, nil
		}
	}

	lines, err := r.WeightBreakdown(ctx, e, subject)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, line := range lines {
		total += line.Votes
	}
	return total, nil
}

// WeightBreakdown lists the memberships contributing to a subject's weight,
// individual memberships before organization-held ones.
func (r *Resolver) WeightBreakdown(ctx context.Context, e Election, subject string) ([]WeightLine, error) {
	subject = normalizeSubject(subject)
	if subject == "" {
		return []WeightLine{}, nil
	}

	reference := r.referenceTime(e)
	cutoff := reference.AddDate(0, 0, -r.cfg.MinMembershipAgeDays)

	pctx, cancel := r.providerContext(ctx)
	defer cancel()
	rows, err := r.memberships.MembershipFacts(pctx)
	if err != nil {
		return nil, classifyProviderError(err, unavailableMessage)
	}

	individual := make([]WeightLine, 0)
	organizational := make([]WeightLine, 0)
	for _, row := range rows {
		if normalizeSubject(row.Subject) != subject || row.Weight <= 0 {
			continue
		}
		if row.ExpiresAt != nil && row.ExpiresAt.Before(reference) {
			continue
		}
		if row.TermStart.IsZero() || row.TermStart.After(cutoff) {
			continue
		}
		line := WeightLine{Label: row.Label, Organization: row.Organization, Votes: row.Weight}
		if row.Organization == "" {
			individual = append(individual, line)
		} else {
			organizational = append(organizational, line)
		}
	}
	return append(individual, organizational...), nil
}

// IneligibleVoters classifies every subject of the electorate universe (the
// restriction group when set, otherwise the full directory) who cannot vote:
// no vote-bearing membership at all, an expired one, or one too recent for
// the minimum-age policy, with the day shortfall.
func (r *Resolver) IneligibleVoters(ctx context.Context, e Election) ([]IneligibleVoter, error) {
	facts, err := r.subjectFactsFor(ctx, e, false)
	if err != nil {
		return nil, err
	}

	var universe map[string]struct{}
	if e.RestrictionGroup != "" {
		universe, err = r.expandGroup(ctx, e.RestrictionGroup, restrictionGroupMissing)
		if err != nil {
			return nil, err
		}
	} else {
		pctx, cancel := r.providerContext(ctx)
		subjects, err := r.groups.Subjects(pctx)
		cancel()
		if err != nil {
			return nil, classifyProviderError(err, unavailableMessage)
		}
		universe = make(map[string]struct{}, len(subjects))
		for _, s := range subjects {
			if s := normalizeSubject(s); s != "" {
				universe[s] = struct{}{}
			}
		}
	}

	reference := r.referenceTime(e)
	ordered := make([]string, 0, len(universe))
	for subject := range universe {
		ordered = append(ordered, subject)
	}
	sort.Strings(ordered)

	out := make([]IneligibleVoter, 0)
	for _, subject := range ordered {
		f, known := facts[subject]
		if known && f.weight > 0 {
			continue
		}

		entry := IneligibleVoter{Subject: subject, ElectionStart: e.Start}
		if known && !f.termStart.IsZero() {
			start := f.termStart
			entry.TermStart = &start
			entry.DaysAtStart = daysBetween(start, e.Start)
		}

		switch {
		case !known || !f.anyVoteBearing:
			entry.Reason = ReasonNoMembership
		case !f.activeAtRef:
			entry.Reason = ReasonExpired
		default:
			entry.Reason = ReasonTooNew
			if entry.TermStart != nil {
				short := r.cfg.MinMembershipAgeDays - daysBetween(*entry.TermStart, reference)
				if short < 0 {
					short = 0
				}
				entry.DaysShort = short
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// expandGroup resolves a directory group to its full, deduplicated member
// set, following nested groups breadth-first with a seen set so cyclic
// nesting terminates.
func (r *Resolver) expandGroup(ctx context.Context, name string, missingMessage string) (map[string]struct{}, error) {
	root := normalizeSubject(name)
	if root == "" {
		return map[string]struct{}{}, nil
	}

	members := make(map[string]struct{})
	seen := map[string]struct{}{}
	pending := []string{root}

	for len(pending) > 0 {
		cn := pending[0]
		pending = pending[1:]
		if _, ok := seen[cn]; ok {
			continue
		}
		seen[cn] = struct{}{}

		pctx, cancel := r.providerContext(ctx)
		group, err := r.groups.Group(pctx, cn)
		cancel()
		if err != nil {
			return nil, classifyProviderError(err, missingMessage)
		}

		for _, member := range group.Members {
			if m := normalizeSubject(member); m != "" {
				members[m] = struct{}{}
			}
		}
		for _, nested := range group.MemberGroups {
			if n := normalizeSubject(nested); n != "" {
				pending = append(pending, n)
			}
		}
	}
	return members, nil
}

// daysBetween counts whole calendar days from a to b.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au).Hours() / 24)
}
