package election

import (
	"context"

	"github.com/AlmaLinux/astra-elections/pkg/eligibility"
)

// EligibilityPreview is the public answer to "could I vote, and with what
// weight" before credentials exist.
type EligibilityPreview struct {
	Subject  string                   `json:"subject"`
	Eligible bool                     `json:"eligible"`
	Weight   int                      `json:"weight"`
	Lines    []eligibility.WeightLine `json:"weight_breakdown,omitempty"`
}

// PreviewEligibility resolves one subject's standing against the election's
// electorate rules.
func (s *Service) PreviewEligibility(ctx context.Context, electionID int64, subject string) (*EligibilityPreview, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}

	weight, err := s.resolver.VoteWeight(ctx, s.eligElection(e), subject)
	if err != nil {
		s.noteResolverError(err)
		return nil, err
	}

	preview := &EligibilityPreview{Subject: subject, Eligible: weight > 0, Weight: weight}
	if weight > 0 {
		lines, err := s.resolver.WeightBreakdown(ctx, s.eligElection(e), subject)
		if err != nil {
			return nil, err
		}
		preview.Lines = lines
	}
	return preview, nil
}

// IneligibleVoters reports everyone in scope who cannot vote, with reasons.
func (s *Service) IneligibleVoters(ctx context.Context, electionID int64) ([]eligibility.IneligibleVoter, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	voters, err := s.resolver.IneligibleVoters(ctx, s.eligElection(e))
	if err != nil {
		s.noteResolverError(err)
		return nil, err
	}
	return voters, nil
}

// ValidateCandidates checks a slate of candidates and nominators against the
// electorate and the committee disqualification rule.
func (s *Service) ValidateCandidates(ctx context.Context, electionID int64, candidates, nominators []string) (*eligibility.CandidateValidation, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	validation, err := s.resolver.ValidateCandidates(ctx, s.eligElection(e), candidates, nominators)
	if err != nil {
		s.noteResolverError(err)
		return nil, err
	}
	return validation, nil
}
