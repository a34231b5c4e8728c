package election

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/data"
	"github.com/AlmaLinux/astra-elections/pkg/tally"
)

// tallyAlgorithm names the counting method in stored results and in the
// public audit export. Changing it invalidates published verification
// instructions.
const tallyAlgorithm = "meek-stv"

// TallyOutcome is the stored result document for a tallied election.
type TallyOutcome struct {
	Algorithm      string             `json:"algorithm"`
	Seats          int                `json:"seats"`
	Quota          string             `json:"quota"`
	Elected        []ElectedCandidate `json:"elected"`
	Eliminated     []int64            `json:"eliminated"`
	ForcedExcluded []int64            `json:"forced_excluded"`
	BallotsCounted int                `json:"ballots_counted"`
	VoteWeightCast int                `json:"vote_weight_cast"`
	Rounds         []tally.Round      `json:"rounds"`
	Flows          tally.FlowDiagram  `json:"flows"`
}

// ElectedCandidate pairs the internal id with the display name, in election
// order.
type ElectedCandidate struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TallyElection counts a closed election and stores the result. At most one
// tally runs per election at a time; a failure leaves the election closed so
// the count can be retried after the cause is fixed.
func (s *Service) TallyElection(ctx context.Context, electionID int64) (*TallyOutcome, error) {
	s.mu.Lock()
	if _, running := s.tallying[electionID]; running {
		s.mu.Unlock()
		return nil, ErrTallyInProgress
	}
	s.tallying[electionID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.tallying, electionID)
		s.mu.Unlock()
	}()

	outcome, err := s.tallyElection(ctx, electionID)
	if err != nil {
		s.audit(ctx, electionID, eventTallyFailed, false, map[string]any{
			"error": err.Error(),
		})
		if s.metrics != nil {
			s.metrics.TallyFailures.Inc()
		}
		return nil, fmt.Errorf("tallying election %d: %w; the election remains closed, resolve the cause and tally again",
			electionID, err)
	}
	if s.metrics != nil {
		s.metrics.TalliesCompleted.Inc()
	}
	return outcome, nil
}

func (s *Service) tallyElection(ctx context.Context, electionID int64) (*TallyOutcome, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if !e.State.CanTransitionTo(data.StateTallied) {
		return nil, fmt.Errorf("%w: cannot tally election in state %q", ErrInvalidTransition, e.State)
	}

	candidates, err := s.repo.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(candidates))
	tallyCandidates := make([]tally.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.TiebreakKey == nil {
			return nil, fmt.Errorf("%w: candidate %d has no tie-break key", data.ErrInvalidData, c.ID)
		}
		names[c.ID] = c.Name
		tallyCandidates = append(tallyCandidates, tally.Candidate{
			ID:          c.ID,
			Name:        c.Name,
			TiebreakKey: *c.TiebreakKey,
		})
	}

	groups, err := s.repo.ListExclusionGroups(ctx, electionID)
	if err != nil {
		return nil, err
	}
	tallyGroups := make([]tally.ExclusionGroup, 0, len(groups))
	for _, g := range groups {
		tallyGroups = append(tallyGroups, tally.ExclusionGroup{
			PublicID:     g.PublicID.String(),
			Name:         g.Name,
			MaxElected:   g.MaxElected,
			CandidateIDs: g.CandidateIDs,
		})
	}

	ballots, err := s.repo.ListCountedBallots(ctx, electionID)
	if err != nil {
		return nil, err
	}
	tallyBallots := make([]tally.Ballot, 0, len(ballots))
	weightCast := 0
	for _, b := range ballots {
		tallyBallots = append(tallyBallots, tally.Ballot{
			Weight:  b.Weight,
			Ranking: b.Ranking,
		})
		weightCast += b.Weight
	}

	result, err := tally.Tally(e.Seats, tallyBallots, tallyCandidates, tallyGroups)
	if err != nil {
		return nil, fmt.Errorf("counting: %w", err)
	}

	elected := make([]ElectedCandidate, 0, len(result.Elected))
	for _, id := range result.Elected {
		elected = append(elected, ElectedCandidate{ID: id, Name: names[id]})
	}

	outcome := &TallyOutcome{
		Algorithm:      tallyAlgorithm,
		Seats:          e.Seats,
		Quota:          result.Quota.String(),
		Elected:        elected,
		Eliminated:     result.Eliminated,
		ForcedExcluded: result.ForcedExcluded,
		BallotsCounted: len(ballots),
		VoteWeightCast: weightCast,
		Rounds:         result.Rounds,
		Flows:          tally.ProjectFlows(result.Rounds, names, weightCast),
	}

	stored, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	e.TallyResult = stored
	e.State = data.StateTallied
	if err := s.repo.UpdateElection(ctx, e); err != nil {
		return nil, err
	}

	for _, round := range result.Rounds {
		s.audit(ctx, electionID, eventTallyRound, true, map[string]any{
			"iteration": round.Iteration,
			"summary":   round.SummaryText,
			"audit":     round.AuditText,
		})
	}
	electedNames := make([]string, 0, len(elected))
	for _, c := range elected {
		electedNames = append(electedNames, c.Name)
	}
	s.audit(ctx, electionID, eventTallyCompleted, true, map[string]any{
		"algorithm": tallyAlgorithm,
		"elected":   electedNames,
		"quota":     outcome.Quota,
		"rounds":    len(result.Rounds),
	})
	s.logger.Info("election tallied",
		zap.Int64("election_id", electionID),
		zap.Strings("elected", electedNames),
		zap.Int("rounds", len(result.Rounds)))

	return outcome, nil
}

// TallyResult returns the stored outcome of a tallied election.
func (s *Service) TallyResult(ctx context.Context, electionID int64) (*TallyOutcome, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.State != data.StateTallied || len(e.TallyResult) == 0 {
		return nil, fmt.Errorf("%w: election is not tallied", ErrInvalidTransition)
	}

	var outcome TallyOutcome
	if err := json.Unmarshal(e.TallyResult, &outcome); err != nil {
		return nil, fmt.Errorf("decoding stored result: %w", err)
	}
	return &outcome, nil
}
