package eligibility

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMemberships struct {
	rows  []MembershipFact
	err   error
	calls int
}

func (f *fakeMemberships) MembershipFacts(ctx context.Context) ([]MembershipFact, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

type fakeDirectory struct {
	groups   map[string]*Group
	subjects []string
	err      error
}

func (f *fakeDirectory) Group(ctx context.Context, name string) (*Group, error) {
	if f.err != nil {
		return nil, f.err
	}
	group, ok := f.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %q not found", ErrMisconfigured, name)
	}
	return group, nil
}

func (f *fakeDirectory) Subjects(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subjects, nil
}

var electionStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func daysBefore(n int) time.Time { return electionStart.AddDate(0, 0, -n) }

func timePtr(t time.Time) *time.Time { return &t }

func newTestResolver(t *testing.T, memberships *fakeMemberships, directory *fakeDirectory) *Resolver {
	t.Helper()
	return NewResolver(memberships, directory, Config{
		MinMembershipAgeDays: 30,
		CommitteeGroup:       "election-committee",
	}, zaptest.NewLogger(t))
}

func openElection() Election {
	return Election{ID: 1, State: StateOpen, Start: electionStart}
}

func TestEligibleVoters(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "Alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
		{Subject: "alice", Label: "Sponsor", Organization: "ACME", Weight: 3, TermStart: daysBefore(200)},
		{Subject: "bob", Label: "Silver", Weight: 1, TermStart: daysBefore(90)},
		// Too new: term started 10 days before the reference.
		{Subject: "carol", Label: "Gold", Weight: 2, TermStart: daysBefore(10)},
		// Expired before the reference.
		{Subject: "dave", Label: "Silver", Weight: 1, TermStart: daysBefore(400), ExpiresAt: timePtr(daysBefore(5))},
	}}
	resolver := newTestResolver(t, memberships, &fakeDirectory{})

	voters, err := resolver.EligibleVoters(context.Background(), openElection())
	require.NoError(t, err)

	assert.Equal(t, []EligibleVoter{
		{Subject: "alice", Weight: 5},
		{Subject: "bob", Weight: 1},
	}, voters)
}

func TestEligibleVotersRestrictionGroupRecursive(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
		{Subject: "bob", Label: "Silver", Weight: 1, TermStart: daysBefore(90)},
		{Subject: "carol", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
	}}
	// voters -> contributors -> voters: the cycle must terminate.
	directory := &fakeDirectory{groups: map[string]*Group{
		"voters":       {Name: "voters", Members: []string{"Alice"}, MemberGroups: []string{"contributors"}},
		"contributors": {Name: "contributors", Members: []string{"bob"}, MemberGroups: []string{"voters"}},
	}}
	resolver := newTestResolver(t, memberships, directory)

	e := openElection()
	e.RestrictionGroup = "voters"

	voters, err := resolver.EligibleVoters(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, []EligibleVoter{
		{Subject: "alice", Weight: 2},
		{Subject: "bob", Weight: 1},
	}, voters)
}

func TestEligibleVotersMissingRestrictionGroup(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
	}}
	resolver := newTestResolver(t, memberships, &fakeDirectory{groups: map[string]*Group{}})

	e := openElection()
	e.RestrictionGroup = "does-not-exist"

	_, err := resolver.EligibleVoters(context.Background(), e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMisconfigured)

	var eligErr *Error
	require.ErrorAs(t, err, &eligErr)
	assert.Equal(t, 400, eligErr.StatusCode)
}

func TestEligibleVotersProviderUnavailable(t *testing.T) {
	memberships := &fakeMemberships{err: fmt.Errorf("%w: connect timeout", ErrProviderUnavailable)}
	resolver := newTestResolver(t, memberships, &fakeDirectory{})

	_, err := resolver.EligibleVoters(context.Background(), openElection())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	var eligErr *Error
	require.ErrorAs(t, err, &eligErr)
	assert.Equal(t, 503, eligErr.StatusCode)
}

func TestIneligibleVotersReasons(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
		{Subject: "carol", Label: "Gold", Weight: 2, TermStart: daysBefore(10)},
		{Subject: "dave", Label: "Silver", Weight: 1, TermStart: daysBefore(400), ExpiresAt: timePtr(daysBefore(5))},
	}}
	directory := &fakeDirectory{subjects: []string{"alice", "bob", "carol", "dave"}}
	resolver := newTestResolver(t, memberships, directory)

	ineligible, err := resolver.IneligibleVoters(context.Background(), openElection())
	require.NoError(t, err)
	require.Len(t, ineligible, 3)

	bySubject := make(map[string]IneligibleVoter, len(ineligible))
	for _, entry := range ineligible {
		bySubject[entry.Subject] = entry
	}

	assert.Equal(t, ReasonNoMembership, bySubject["bob"].Reason)

	carol := bySubject["carol"]
	assert.Equal(t, ReasonTooNew, carol.Reason)
	assert.Equal(t, 20, carol.DaysShort)
	require.NotNil(t, carol.TermStart)

	assert.Equal(t, ReasonExpired, bySubject["dave"].Reason)
}

func TestDraftElectionReferenceFollowsClock(t *testing.T) {
	// Membership old enough against the start time, but the election is
	// still a draft and the clock has moved past the start: the reference
	// moves with it, so the cutoff window does too.
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "erin", Label: "Gold", Weight: 1, TermStart: daysBefore(400), ExpiresAt: timePtr(electionStart.AddDate(0, 0, 3))},
	}}
	resolver := newTestResolver(t, memberships, &fakeDirectory{})
	resolver.now = func() time.Time { return electionStart.AddDate(0, 0, 10) }

	e := openElection()
	e.State = StateDraft

	voters, err := resolver.EligibleVoters(context.Background(), e)
	require.NoError(t, err)
	// Expired relative to now even though active at the nominal start.
	assert.Empty(t, voters)
}

func TestFactsCaching(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
	}}
	resolver := newTestResolver(t, memberships, &fakeDirectory{})
	ctx := context.Background()

	_, err := resolver.EligibleVoters(ctx, openElection())
	require.NoError(t, err)
	_, err = resolver.EligibleVoters(ctx, openElection())
	require.NoError(t, err)
	assert.Equal(t, 1, memberships.calls, "open-state facts should be served from cache")

	_, err = resolver.EligibleVotersFresh(ctx, openElection())
	require.NoError(t, err)
	assert.Equal(t, 2, memberships.calls, "fresh resolution must bypass the cache")

	closed := openElection()
	closed.State = "closed"
	_, err = resolver.EligibleVoters(ctx, closed)
	require.NoError(t, err)
	_, err = resolver.EligibleVoters(ctx, closed)
	require.NoError(t, err)
	assert.Equal(t, 4, memberships.calls, "closed-state facts are never cached")
}

func TestWeightBreakdownOrdersIndividualFirst(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Sponsor", Organization: "ACME", Weight: 3, TermStart: daysBefore(200)},
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
		{Subject: "alice", Label: "Lapsed", Weight: 5, TermStart: daysBefore(400), ExpiresAt: timePtr(daysBefore(1))},
	}}
	resolver := newTestResolver(t, memberships, &fakeDirectory{})

	lines, err := resolver.WeightBreakdown(context.Background(), openElection(), "Alice")
	require.NoError(t, err)

	assert.Equal(t, []WeightLine{
		{Label: "Gold", Votes: 2},
		{Label: "Sponsor", Organization: "ACME", Votes: 3},
	}, lines)
}

func TestVoteWeightHonorsRestrictionGroup(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
	}}
	directory := &fakeDirectory{groups: map[string]*Group{
		"voters": {Name: "voters", Members: []string{"someone-else"}},
	}}
	resolver := newTestResolver(t, memberships, directory)

	e := openElection()
	e.RestrictionGroup = "voters"

	weight, err := resolver.VoteWeight(context.Background(), e, "alice")
	require.NoError(t, err)
	assert.Zero(t, weight)

	e.RestrictionGroup = ""
	weight, err = resolver.VoteWeight(context.Background(), e, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, weight)
}

func TestCommitteeDisqualification(t *testing.T) {
	directory := &fakeDirectory{groups: map[string]*Group{
		"election-committee": {Name: "election-committee", Members: []string{"Frank"}, MemberGroups: []string{"committee-staff"}},
		"committee-staff":    {Name: "committee-staff", Members: []string{"grace"}},
	}}
	resolver := newTestResolver(t, &fakeMemberships{}, directory)

	candidates, nominators, err := resolver.CommitteeDisqualification(
		context.Background(),
		[]string{"alice", "FRANK"},
		[]string{"Grace", "bob"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"FRANK"}, candidates)
	assert.Equal(t, []string{"Grace"}, nominators)
}

func TestCommitteeGroupUnsetIsMisconfiguration(t *testing.T) {
	resolver := NewResolver(&fakeMemberships{}, &fakeDirectory{}, Config{
		MinMembershipAgeDays: 30,
	}, zaptest.NewLogger(t))

	_, _, err := resolver.CommitteeDisqualification(context.Background(), []string{"alice"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestValidateCandidates(t *testing.T) {
	memberships := &fakeMemberships{rows: []MembershipFact{
		{Subject: "alice", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
		{Subject: "bob", Label: "Silver", Weight: 1, TermStart: daysBefore(90)},
		{Subject: "frank", Label: "Gold", Weight: 2, TermStart: daysBefore(400)},
	}}
	directory := &fakeDirectory{groups: map[string]*Group{
		"election-committee": {Name: "election-committee", Members: []string{"frank"}},
	}}
	resolver := newTestResolver(t, memberships, directory)

	result, err := resolver.ValidateCandidates(
		context.Background(),
		openElection(),
		[]string{"alice", "frank", "mallory"},
		[]string{"bob"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, result.EligibleCandidates)
	assert.Equal(t, []string{"alice", "bob"}, result.EligibleNominators)
	assert.Equal(t, []string{"frank"}, result.DisqualifiedCandidates)
	assert.Empty(t, result.DisqualifiedNominators)
	assert.Equal(t, []string{"frank", "mallory"}, result.IneligibleCandidates)
	assert.Empty(t, result.IneligibleNominators)
}
