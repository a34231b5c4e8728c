package tally

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// divisionScale fixes the decimal precision of every division so a replay
	// of the same inputs reproduces every intermediate value bit for bit.
	divisionScale = 24

	// maxConvergenceIterations caps the retention-factor feedback loop within
	// a single round.
	maxConvergenceIterations = 1000

	// maxRounds caps the outer round loop. Elections here have tens of
	// candidates at most; hitting this means the count is stuck.
	maxRounds = 500
)

// convergenceTolerance is the maximum acceptable distance between an elected
// candidate's retained total and the quota.
var convergenceTolerance = decimal.New(1, -9)

type candidateStatus int

const (
	statusHopeful candidateStatus = iota
	statusElected
	statusExcluded
)

type counter struct {
	seats   int
	ballots []Ballot
	groups  []ExclusionGroup

	order []int64 // candidate ids, ascending; the only iteration order used
	byID  map[int64]Candidate

	status map[int64]candidateStatus
	keep   map[int64]decimal.Decimal

	totalWeight decimal.Decimal

	electedOrder    []int64
	eliminatedOrder []int64
	forcedExcluded  []int64
}

// Tally runs a complete Meek STV count. It is a pure function: no input is
// mutated and identical inputs always yield identical results, including
// round count and tie-break outcomes.
func Tally(seats int, ballots []Ballot, candidates []Candidate, groups []ExclusionGroup) (*Result, error) {
	if seats <= 0 {
		return nil, ErrInvalidSeats
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	c := &counter{
		seats:   seats,
		ballots: ballots,
		groups:  groups,
		byID:    make(map[int64]Candidate, len(candidates)),
		status:  make(map[int64]candidateStatus, len(candidates)),
		keep:    make(map[int64]decimal.Decimal, len(candidates)),
	}
	for _, cand := range candidates {
		if _, dup := c.byID[cand.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate candidate id %d", ErrInvalidBallot, cand.ID)
		}
		c.byID[cand.ID] = cand
		c.order = append(c.order, cand.ID)
		c.status[cand.ID] = statusHopeful
		c.keep[cand.ID] = decimal.NewFromInt(1)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })

	total := decimal.Zero
	for i, b := range ballots {
		if b.Weight <= 0 {
			return nil, fmt.Errorf("%w: ballot %d has non-positive weight", ErrInvalidBallot, i)
		}
		if len(b.Ranking) == 0 {
			return nil, fmt.Errorf("%w: ballot %d has empty ranking", ErrInvalidBallot, i)
		}
		seen := make(map[int64]struct{}, len(b.Ranking))
		for _, cid := range b.Ranking {
			if _, ok := c.byID[cid]; !ok {
				return nil, fmt.Errorf("%w: id %d", ErrUnknownCandidate, cid)
			}
			if _, dup := seen[cid]; dup {
				return nil, fmt.Errorf("%w: ballot %d ranks candidate %d twice", ErrInvalidBallot, i, cid)
			}
			seen[cid] = struct{}{}
		}
		total = total.Add(decimal.NewFromInt(int64(b.Weight)))
	}
	c.totalWeight = total

	for _, g := range groups {
		if g.MaxElected < 0 {
			return nil, fmt.Errorf("%w: %q max_elected is negative", ErrInvalidGroup, g.Name)
		}
		if g.MaxElected > len(g.CandidateIDs) {
			return nil, fmt.Errorf("%w: %q max_elected %d exceeds member count %d",
				ErrInvalidGroup, g.Name, g.MaxElected, len(g.CandidateIDs))
		}
		for _, cid := range g.CandidateIDs {
			if _, ok := c.byID[cid]; !ok {
				return nil, fmt.Errorf("%w: %q references unknown candidate %d", ErrInvalidGroup, g.Name, cid)
			}
		}
	}

	return c.run()
}

func (c *counter) run() (*Result, error) {
	result := &Result{Quota: decimal.Zero}

	for iteration := 1; ; iteration++ {
		if iteration > maxRounds {
			return nil, ErrNoTermination
		}

		hopefuls := c.hopefuls()
		if len(c.electedOrder) >= c.seats || len(hopefuls) == 0 {
			break
		}

		// Once the remaining hopefuls cannot exceed the open seats the count
		// is decided: elect them all from a single distribution snapshot,
		// still honoring exclusion-group caps. Running convergence here would
		// drive the quota toward zero, since no hopeful remains to absorb the
		// elected candidates' surplus.
		if len(hopefuls)+len(c.electedOrder) <= c.seats {
			totals := c.distribute()
			quota := c.quotaFor(totals)
			round := Round{
				Iteration:            iteration,
				EligibleCandidates:   c.eligible(),
				RetainedTotals:       copyTotals(totals),
				RetentionFactors:     copyTotals(c.keep),
				Quota:                quota,
				NumericallyConverged: true,
				MaxRetentionDelta:    decimal.Zero,
				Seats:                c.seats,
			}
			c.electRemaining(totals, &round)
			round.ElectedTotal = len(c.electedOrder)
			round.CountComplete = true
			c.annotate(&round)
			result.Rounds = append(result.Rounds, round)
			result.Quota = quota
			break
		}

		totals, quota, converged, maxDelta := c.converge()

		round := Round{
			Iteration:            iteration,
			EligibleCandidates:   c.eligible(),
			RetainedTotals:       copyTotals(totals),
			RetentionFactors:     copyTotals(c.keep),
			Quota:                quota,
			NumericallyConverged: converged,
			MaxRetentionDelta:    maxDelta,
			Seats:                c.seats,
		}

		electedNow := c.electPhase(totals, quota, &round)
		if len(electedNow) == 0 && len(round.ForcedExclusions) == 0 {
			c.eliminatePhase(totals, &round)
		}

		round.ElectedTotal = len(c.electedOrder)
		round.CountComplete = len(c.electedOrder) >= c.seats || len(c.hopefuls()) == 0
		c.annotate(&round)
		result.Rounds = append(result.Rounds, round)
		result.Quota = quota

		if round.CountComplete {
			break
		}
	}

	result.Elected = append([]int64{}, c.electedOrder...)
	result.Eliminated = append([]int64{}, c.eliminatedOrder...)
	result.ForcedExcluded = append([]int64{}, c.forcedExcluded...)
	return result, nil
}

// converge runs the retention-factor feedback loop: distribute ballot weight
// under the current factors, recompute the quota from non-exhausted weight,
// and pull each elected candidate's factor toward the value that retains
// exactly the quota. Stops when every elected candidate is within tolerance
// or the iteration cap is reached.
func (c *counter) converge() (totals map[int64]decimal.Decimal, quota decimal.Decimal, converged bool, maxDelta decimal.Decimal) {
	maxDelta = decimal.Zero
	seatsPlusOne := decimal.NewFromInt(int64(c.seats + 1))

	for i := 0; i < maxConvergenceIterations; i++ {
		totals = c.distribute()

		active := decimal.Zero
		for _, cid := range c.order {
			active = active.Add(totals[cid])
		}
		quota = active.DivRound(seatsPlusOne, divisionScale)

		maxDelta = decimal.Zero
		anyElected := false
		for _, cid := range c.order {
			if c.status[cid] != statusElected {
				continue
			}
			anyElected = true
			delta := totals[cid].Sub(quota).Abs()
			if delta.GreaterThan(maxDelta) {
				maxDelta = delta
			}
		}

		if !anyElected || maxDelta.LessThanOrEqual(convergenceTolerance) {
			converged = true
			return totals, quota, converged, maxDelta
		}

		for _, cid := range c.order {
			if c.status[cid] != statusElected {
				continue
			}
			retained := totals[cid]
			if retained.IsZero() {
				c.keep[cid] = decimal.Zero
				continue
			}
			factor := c.keep[cid].Mul(quota).DivRound(retained, divisionScale)
			if factor.GreaterThan(decimal.NewFromInt(1)) {
				factor = decimal.NewFromInt(1)
			}
			if factor.IsNegative() {
				factor = decimal.Zero
			}
			c.keep[cid] = factor
		}
	}

	return totals, quota, false, maxDelta
}

// quotaFor computes the Droop quota from the non-exhausted weight in totals.
func (c *counter) quotaFor(totals map[int64]decimal.Decimal) decimal.Decimal {
	active := decimal.Zero
	for _, cid := range c.order {
		active = active.Add(totals[cid])
	}
	return active.DivRound(decimal.NewFromInt(int64(c.seats+1)), divisionScale)
}

// distribute pushes each ballot's weight down its ranking: every non-excluded
// candidate retains its keep-factor share of what reaches it and passes the
// rest along. Weight that runs off the end of a ranking is exhausted.
func (c *counter) distribute() map[int64]decimal.Decimal {
	totals := make(map[int64]decimal.Decimal, len(c.order))
	for _, cid := range c.order {
		totals[cid] = decimal.Zero
	}

	for _, b := range c.ballots {
		remaining := decimal.NewFromInt(int64(b.Weight))
		for _, cid := range b.Ranking {
			if c.status[cid] == statusExcluded {
				continue
			}
			credit := remaining.Mul(c.keep[cid])
			totals[cid] = totals[cid].Add(credit)
			remaining = remaining.Sub(credit)
			if remaining.IsZero() {
				break
			}
		}
	}
	return totals
}

// electPhase elects every hopeful at or above quota, highest retained total
// first. A candidate whose election would breach an exclusion-group cap is
// skipped and force-excluded instead, releasing its weight to later
// preferences.
func (c *counter) electPhase(totals map[int64]decimal.Decimal, quota decimal.Decimal, round *Round) []int64 {
	if !quota.IsPositive() {
		return nil
	}

	reached := make([]int64, 0)
	for _, cid := range c.order {
		if c.status[cid] == statusHopeful && totals[cid].GreaterThanOrEqual(quota) {
			reached = append(reached, cid)
		}
	}
	if len(reached) == 0 {
		return nil
	}

	c.sortByTotalsDesc(reached, totals, round)

	electedNow := make([]int64, 0, len(reached))
	for _, cid := range reached {
		if len(c.electedOrder) >= c.seats {
			break
		}
		if group := c.cappedGroup(cid); group != nil {
			c.status[cid] = statusExcluded
			c.keep[cid] = decimal.Zero
			c.forcedExcluded = append(c.forcedExcluded, cid)
			round.ForcedExclusions = append(round.ForcedExclusions, ForcedExclusion{
				CandidateID: cid,
				GroupID:     group.PublicID,
				GroupName:   group.Name,
			})
			continue
		}
		c.status[cid] = statusElected
		c.electedOrder = append(c.electedOrder, cid)
		electedNow = append(electedNow, cid)
		round.Elected = append(round.Elected, cid)
	}
	return electedNow
}

// electRemaining fills the open seats when the hopefuls left cannot exceed
// them.
func (c *counter) electRemaining(totals map[int64]decimal.Decimal, round *Round) {
	hopefuls := c.hopefuls()
	c.sortByTotalsDesc(hopefuls, totals, round)

	for _, cid := range hopefuls {
		if len(c.electedOrder) >= c.seats {
			break
		}
		if group := c.cappedGroup(cid); group != nil {
			c.status[cid] = statusExcluded
			c.keep[cid] = decimal.Zero
			c.forcedExcluded = append(c.forcedExcluded, cid)
			round.ForcedExclusions = append(round.ForcedExclusions, ForcedExclusion{
				CandidateID: cid,
				GroupID:     group.PublicID,
				GroupName:   group.Name,
			})
			continue
		}
		c.status[cid] = statusElected
		c.electedOrder = append(c.electedOrder, cid)
		round.Elected = append(round.Elected, cid)
	}
}

// eliminatePhase removes the hopeful with the lowest retained total. Ties are
// broken by the candidates' fixed tie-break keys, never by input order.
func (c *counter) eliminatePhase(totals map[int64]decimal.Decimal, round *Round) {
	hopefuls := c.hopefuls()
	if len(hopefuls) == 0 {
		return
	}

	lowest := totals[hopefuls[0]]
	for _, cid := range hopefuls[1:] {
		if totals[cid].LessThan(lowest) {
			lowest = totals[cid]
		}
	}

	tied := make([]int64, 0, 1)
	for _, cid := range hopefuls {
		if totals[cid].Sub(lowest).Abs().LessThanOrEqual(convergenceTolerance) {
			tied = append(tied, cid)
		}
	}

	loser := tied[0]
	if len(tied) > 1 {
		for _, cid := range tied[1:] {
			if c.byID[cid].TiebreakKey.String() < c.byID[loser].TiebreakKey.String() {
				loser = cid
			}
		}
		round.TieBreaks = append(round.TieBreaks, TieBreak{
			Tied:     append([]int64{}, tied...),
			Selected: loser,
			Reason:   "elimination",
		})
	}

	c.status[loser] = statusExcluded
	c.keep[loser] = decimal.Zero
	c.eliminatedOrder = append(c.eliminatedOrder, loser)
	eliminated := loser
	round.Eliminated = &eliminated
}

// sortByTotalsDesc orders candidate ids by retained total descending;
// candidates with equal totals are ordered by tie-break key, and the tie is
// logged.
func (c *counter) sortByTotalsDesc(ids []int64, totals map[int64]decimal.Decimal, round *Round) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if cmp := totals[a].Cmp(totals[b]); cmp != 0 {
			return cmp > 0
		}
		return c.byID[a].TiebreakKey.String() < c.byID[b].TiebreakKey.String()
	})

	for i := 1; i < len(ids); i++ {
		if totals[ids[i]].Equal(totals[ids[i-1]]) {
			round.TieBreaks = append(round.TieBreaks, TieBreak{
				Tied:     []int64{ids[i-1], ids[i]},
				Selected: ids[i-1],
				Reason:   "ordering",
			})
		}
	}
}

// cappedGroup returns the first exclusion group that already has max-elected
// members elected and contains this candidate, or nil.
func (c *counter) cappedGroup(cid int64) *ExclusionGroup {
	for i := range c.groups {
		g := &c.groups[i]
		member := false
		electedInGroup := 0
		for _, gcid := range g.CandidateIDs {
			if gcid == cid {
				member = true
			}
			if c.status[gcid] == statusElected {
				electedInGroup++
			}
		}
		if member && electedInGroup >= g.MaxElected {
			return g
		}
	}
	return nil
}

func (c *counter) hopefuls() []int64 {
	out := make([]int64, 0, len(c.order))
	for _, cid := range c.order {
		if c.status[cid] == statusHopeful {
			out = append(out, cid)
		}
	}
	return out
}

func (c *counter) eligible() []int64 {
	out := make([]int64, 0, len(c.order))
	for _, cid := range c.order {
		if c.status[cid] != statusExcluded {
			out = append(out, cid)
		}
	}
	return out
}

func (c *counter) annotate(round *Round) {
	names := func(ids []int64) string {
		parts := make([]string, 0, len(ids))
		for _, cid := range ids {
			parts = append(parts, c.byID[cid].Name)
		}
		return strings.Join(parts, ", ")
	}

	events := make([]string, 0, 3)
	if len(round.Elected) > 0 {
		events = append(events, "elected "+names(round.Elected))
	}
	if round.Eliminated != nil {
		events = append(events, "eliminated "+c.byID[*round.Eliminated].Name)
	}
	for _, fe := range round.ForcedExclusions {
		events = append(events, fmt.Sprintf("force-excluded %s (group %q at cap)", c.byID[fe.CandidateID].Name, fe.GroupName))
	}
	if len(events) == 0 {
		events = append(events, "no change")
	}

	round.SummaryText = fmt.Sprintf("Round %d: %s", round.Iteration, strings.Join(events, "; "))
	round.AuditText = fmt.Sprintf(
		"Round %d: quota=%s converged=%t max_delta=%s elected_total=%d/%d; %s",
		round.Iteration,
		round.Quota.StringFixed(6),
		round.NumericallyConverged,
		round.MaxRetentionDelta.String(),
		round.ElectedTotal,
		round.Seats,
		strings.Join(events, "; "),
	)
}

func copyTotals(src map[int64]decimal.Decimal) map[int64]decimal.Decimal {
	dst := make(map[int64]decimal.Decimal, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
