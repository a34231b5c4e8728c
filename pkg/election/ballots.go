package election

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/chain"
	"github.com/AlmaLinux/astra-elections/pkg/data"
	"github.com/AlmaLinux/astra-elections/pkg/security"
)

// Receipt is what the voter takes away from a submission. The nonce exists
// only here: it is mixed into the ballot hash and never stored, so presenting
// it later is the only way to prove authorship of a ledger entry.
type Receipt struct {
	Ballot *data.Ballot `json:"ballot"`
	Nonce  string       `json:"nonce"`
}

// ReceiptStatus is the public answer to "is my ballot in the ledger".
type ReceiptStatus struct {
	Found             bool   `json:"found"`
	IsCounted         bool   `json:"is_counted"`
	ChainHash         string `json:"chain_hash,omitempty"`
	PreviousChainHash string `json:"previous_chain_hash,omitempty"`
}

// SubmitBallot appends a ballot to the election's hash chain. A resubmission
// by the same credential supersedes the previous ballot; the old entry stays
// in the ledger uncounted so the chain never rewrites history.
func (s *Service) SubmitBallot(ctx context.Context, electionID int64, credentialPublicID string, ranking []int64) (*Receipt, error) {
	return s.submitBallot(ctx, electionID, credentialPublicID, ranking, "")
}

// SubmitBallotAtHead is SubmitBallot with a precondition: the append fails
// with data.ErrStaleHead unless expectedHead is still the chain head at
// append time.
func (s *Service) SubmitBallotAtHead(ctx context.Context, electionID int64, credentialPublicID string, ranking []int64, expectedHead string) (*Receipt, error) {
	return s.submitBallot(ctx, electionID, credentialPublicID, ranking, expectedHead)
}

func (s *Service) submitBallot(ctx context.Context, electionID int64, credentialPublicID string, ranking []int64, expectedHead string) (*Receipt, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.State != data.StateOpen {
		return nil, fmt.Errorf("%w: state is %q", ErrElectionNotOpen, e.State)
	}

	credential, err := s.repo.GetCredential(ctx, electionID, credentialPublicID)
	if errors.Is(err, data.ErrNotFound) {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, err
	}

	sanitized, err := s.sanitizeRanking(ctx, electionID, ranking)
	if err != nil {
		return nil, err
	}

	nonce, err := security.ReceiptNonce()
	if err != nil {
		return nil, fmt.Errorf("generating receipt nonce: %w", err)
	}
	ballotHash := chain.BallotHash(electionID, credentialPublicID, sanitized, credential.Weight, nonce)

	ballot, err := s.repo.AppendBallot(ctx, data.BallotSubmission{
		ElectionID:         electionID,
		CredentialPublicID: credentialPublicID,
		Ranking:            sanitized,
		BallotHash:         ballotHash,
		ExpectedHead:       expectedHead,
	})
	if err != nil {
		return nil, fmt.Errorf("appending ballot: %w", err)
	}

	s.audit(ctx, electionID, eventBallotSubmitted, false, map[string]any{
		"ballot_hash":          ballot.BallotHash,
		"chain_hash":           ballot.ChainHash,
		"credential_public_id": credentialPublicID,
	})
	if s.metrics != nil {
		s.metrics.BallotsSubmitted.Inc()
	}
	s.logger.Debug("ballot submitted",
		zap.Int64("election_id", electionID),
		zap.String("chain_hash", ballot.ChainHash))

	s.recordQuorumReached(ctx, electionID)

	return &Receipt{Ballot: ballot, Nonce: nonce}, nil
}

// sanitizeRanking checks every entry against the election's candidate list
// and rejects rankings that name a candidate twice.
func (s *Service) sanitizeRanking(ctx context.Context, electionID int64, ranking []int64) ([]int64, error) {
	if len(ranking) == 0 {
		return nil, ErrEmptyRanking
	}

	candidates, err := s.repo.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	known := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.ID] = struct{}{}
	}

	sanitized := make([]int64, 0, len(ranking))
	seen := make(map[int64]struct{}, len(ranking))
	for _, id := range ranking {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("%w: candidate %d", ErrUnknownCandidate, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: candidate %d", ErrDuplicateCandidate, id)
		}
		seen[id] = struct{}{}
		sanitized = append(sanitized, id)
	}
	return sanitized, nil
}

// recordQuorumReached writes the one-time public quorum entry the first time
// both thresholds are satisfied.
func (s *Service) recordQuorumReached(ctx context.Context, electionID int64) {
	status, err := s.QuorumStatus(ctx, electionID)
	if err != nil || !status.Met {
		return
	}

	already, err := s.repo.HasAuditEvent(ctx, electionID, eventQuorumReached)
	if err != nil || already {
		return
	}

	s.audit(ctx, electionID, eventQuorumReached, true, toPayload(status))
	if s.metrics != nil {
		s.metrics.QuorumReached.Inc()
	}
	s.logger.Info("quorum reached", zap.Int64("election_id", electionID))
}

// LookupReceipt finds the ledger entry for a ballot hash from a receipt.
func (s *Service) LookupReceipt(ctx context.Context, electionID int64, ballotHash string) (*ReceiptStatus, error) {
	if _, err := s.repo.GetElection(ctx, electionID); err != nil {
		return nil, err
	}

	ballots, err := s.repo.ListBallots(ctx, electionID)
	if err != nil {
		return nil, err
	}
	for _, b := range ballots {
		if b.BallotHash == ballotHash {
			return &ReceiptStatus{
				Found:             true,
				IsCounted:         b.IsCounted,
				ChainHash:         b.ChainHash,
				PreviousChainHash: b.PreviousChainHash,
			}, nil
		}
	}
	return &ReceiptStatus{}, nil
}
