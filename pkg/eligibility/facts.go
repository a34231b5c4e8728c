package eligibility

import (
	"context"
	"fmt"
	"time"
)

// subjectFacts is the per-subject digest of the membership snapshot at one
// reference time. It distinguishes "never held a vote-bearing membership"
// from "held one that lapsed" from "holds one that is too recent", which is
// what reason classification needs.
type subjectFacts struct {
	weight          int
	termStart       time.Time
	anyVoteBearing  bool
	activeAtRef     bool
}

func (r *Resolver) factsCacheKey(e Election) string {
	return fmt.Sprintf("%d:%s", e.ID, e.State)
}

// subjectFactsFor returns the facts snapshot for the election, cached for
// draft and open elections. requireFresh forces recomputation and refreshes
// the cache entry. Moving between states drops the other state's entry so a
// transition is visible immediately rather than after the TTL.
func (r *Resolver) subjectFactsFor(ctx context.Context, e Election, requireFresh bool) (map[string]subjectFacts, error) {
	cacheable := e.State == StateDraft || e.State == StateOpen
	if !cacheable {
		r.facts.Remove(fmt.Sprintf("%d:%s", e.ID, StateDraft))
		r.facts.Remove(fmt.Sprintf("%d:%s", e.ID, StateOpen))
		return r.computeSubjectFacts(ctx, e)
	}

	key := r.factsCacheKey(e)
	if !requireFresh {
		if cached, ok := r.facts.Get(key); ok {
			return cached, nil
		}
	}

	facts, err := r.computeSubjectFacts(ctx, e)
	if err != nil {
		return nil, err
	}
	switch e.State {
	case StateDraft:
		r.facts.Remove(fmt.Sprintf("%d:%s", e.ID, StateOpen))
	case StateOpen:
		r.facts.Remove(fmt.Sprintf("%d:%s", e.ID, StateDraft))
	}
	r.facts.Add(key, facts)
	return facts, nil
}

func (r *Resolver) computeSubjectFacts(ctx context.Context, e Election) (map[string]subjectFacts, error) {
	reference := r.referenceTime(e)
	cutoff := reference.AddDate(0, 0, -r.cfg.MinMembershipAgeDays)

	pctx, cancel := r.providerContext(ctx)
	defer cancel()
	rows, err := r.memberships.MembershipFacts(pctx)
	if err != nil {
		return nil, classifyProviderError(err, unavailableMessage)
	}

	out := make(map[string]subjectFacts)
	for _, row := range rows {
		subject := normalizeSubject(row.Subject)
		if subject == "" || row.Weight <= 0 {
			continue
		}

		facts := out[subject]
		facts.anyVoteBearing = true

		if !row.TermStart.IsZero() {
			if facts.termStart.IsZero() || row.TermStart.Before(facts.termStart) {
				facts.termStart = row.TermStart
			}
		}

		active := row.ExpiresAt == nil || !row.ExpiresAt.Before(reference)
		if active {
			facts.activeAtRef = true
			if !row.TermStart.IsZero() && !row.TermStart.After(cutoff) {
				facts.weight += row.Weight
			}
		}

		out[subject] = facts
	}
	return out, nil
}
