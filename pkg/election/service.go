// Package election is the lifecycle and ballot-ledger service: it moves
// elections through draft, open, closed, and tallied, appends ballots to the
// hash chain, and produces the public exports an auditor verifies offline.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/chain"
	"github.com/AlmaLinux/astra-elections/pkg/data"
	"github.com/AlmaLinux/astra-elections/pkg/eligibility"
	"github.com/AlmaLinux/astra-elections/pkg/quorum"
	"github.com/AlmaLinux/astra-elections/pkg/security"
)

var (
	ErrElectionNotOpen    = errors.New("election is not open")
	ErrInvalidTransition  = errors.New("invalid state for this operation")
	ErrUnknownCredential  = errors.New("unknown voting credential")
	ErrUnknownCandidate   = errors.New("ranking references unknown candidate")
	ErrDuplicateCandidate = errors.New("ranking names a candidate more than once")
	ErrEmptyRanking       = errors.New("ranking is empty")
	ErrNoEligibleVoters   = errors.New("no eligible voters")
	ErrTallyInProgress    = errors.New("tally already running for this election")
	ErrInvalidEnd         = errors.New("new end must be after the current end and in the future")
)

// Audit event types. Public entries appear in the published audit export;
// the rest stay internal.
const (
	eventBallotSubmitted  = "ballot_submitted"
	eventQuorumReached    = "quorum_reached"
	eventElectionOpened   = "election_opened"
	eventElectionExtended = "election_extended"
	eventElectionClosed   = "election_closed"
	eventCloseFailed      = "election_close_failed"
	eventTallyRound       = "tally_round"
	eventTallyCompleted   = "tally_completed"
	eventTallyFailed      = "tally_failed"
	eventAnonymized       = "election_anonymized"
)

// ScrubHook is invoked after credential anonymization so adjacent stores
// (notification queues, cached voter rosters) can drop their own copies of
// voter identities for the election.
type ScrubHook interface {
	Scrub(ctx context.Context, electionID int64) error
}

// Service coordinates the repository, the eligibility resolver, and the tally
// engine. All state transitions and ledger appends go through here so the
// audit trail stays complete.
type Service struct {
	repo     data.Repository
	resolver *eligibility.Resolver
	scrub    ScrubHook
	logger   *zap.Logger
	metrics  *Metrics
	pseudo   *security.Pseudonymizer
	now      func() time.Time

	mu       sync.Mutex
	tallying map[int64]struct{}
}

// NewService creates the election service. scrub and metrics may be nil.
func NewService(repo data.Repository, resolver *eligibility.Resolver, scrub ScrubHook, metrics *Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		scrub:    scrub,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		tallying: make(map[int64]struct{}),
	}
}

// UsePseudonyms makes log lines carry derived pseudonyms instead of raw
// subjects.
func (s *Service) UsePseudonyms(p *security.Pseudonymizer) {
	s.pseudo = p
}

func (s *Service) subjectField(subject string) zap.Field {
	if s.pseudo != nil {
		return zap.String("voter", s.pseudo.Pseudonym(subject))
	}
	return zap.String("subject", subject)
}

// noteResolverError counts identity directory outages.
func (s *Service) noteResolverError(err error) {
	if s.metrics != nil && errors.Is(err, eligibility.ErrProviderUnavailable) {
		s.metrics.DirectoryFailures.Inc()
	}
}

// CreateElection creates a draft election.
func (s *Service) CreateElection(ctx context.Context, e *data.Election) error {
	e.State = data.StateDraft
	return s.repo.CreateElection(ctx, e)
}

func (s *Service) GetElection(ctx context.Context, id int64) (*data.Election, error) {
	return s.repo.GetElection(ctx, id)
}

// AddCandidate registers a candidate on a draft election.
func (s *Service) AddCandidate(ctx context.Context, electionID int64, name string) (*data.Candidate, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.State != data.StateDraft {
		return nil, fmt.Errorf("%w: candidates are frozen once the election opens", ErrInvalidTransition)
	}

	c := &data.Candidate{ElectionID: electionID, Name: name}
	if err := s.repo.CreateCandidate(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddExclusionGroup registers an exclusion group on a draft election.
func (s *Service) AddExclusionGroup(ctx context.Context, g *data.ExclusionGroup) error {
	e, err := s.repo.GetElection(ctx, g.ElectionID)
	if err != nil {
		return err
	}
	if e.State != data.StateDraft {
		return fmt.Errorf("%w: exclusion groups are frozen once the election opens", ErrInvalidTransition)
	}

	candidates, err := s.repo.ListCandidates(ctx, g.ElectionID)
	if err != nil {
		return err
	}
	known := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.ID] = struct{}{}
	}
	for _, id := range g.CandidateIDs {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: exclusion group member %d", ErrUnknownCandidate, id)
		}
	}
	return s.repo.CreateExclusionGroup(ctx, g)
}

// OpenElection moves a draft election to open: it freezes the candidate list
// by assigning tie-break keys, resolves the electorate once, and issues one
// credential per eligible subject.
func (s *Service) OpenElection(ctx context.Context, electionID int64) error {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return err
	}
	if !e.State.CanTransitionTo(data.StateOpen) {
		return fmt.Errorf("%w: cannot open election in state %q", ErrInvalidTransition, e.State)
	}

	candidates, err := s.repo.ListCandidates(ctx, electionID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: election has no candidates", data.ErrInvalidData)
	}

	voters, err := s.resolver.EligibleVotersFresh(ctx, s.eligElection(e))
	if err != nil {
		s.noteResolverError(err)
		return fmt.Errorf("resolving electorate: %w", err)
	}
	if len(voters) == 0 {
		return ErrNoEligibleVoters
	}

	for _, c := range candidates {
		if c.TiebreakKey != nil {
			continue
		}
		if err := s.repo.SetCandidateTiebreakKey(ctx, c.ID, uuid.New()); err != nil {
			return fmt.Errorf("assigning tie-break key: %w", err)
		}
	}

	for _, v := range voters {
		publicID, err := security.CredentialPublicID()
		if err != nil {
			return fmt.Errorf("generating credential id: %w", err)
		}
		subject := v.Subject
		if _, err := s.repo.UpsertCredential(ctx, &data.VotingCredential{
			ElectionID: electionID,
			PublicID:   publicID,
			Subject:    &subject,
			Weight:     v.Weight,
		}); err != nil {
			return fmt.Errorf("issuing credential for %s: %w", v.Subject, err)
		}
	}

	e.State = data.StateOpen
	if err := s.repo.UpdateElection(ctx, e); err != nil {
		return err
	}

	s.audit(ctx, electionID, eventElectionOpened, true, map[string]any{
		"seats":           e.Seats,
		"candidate_count": len(candidates),
		"voter_count":     len(voters),
	})
	s.logger.Info("election opened",
		zap.Int64("election_id", electionID),
		zap.Int("candidates", len(candidates)),
		zap.Int("voters", len(voters)))
	return nil
}

// IssueCredential issues, or re-delivers, the voting credential for one
// subject on an open election. The weight is re-resolved so membership
// changes while the election is open take effect; an existing credential
// keeps its public id so prior ballots stay linked.
func (s *Service) IssueCredential(ctx context.Context, electionID int64, subject string) (*data.VotingCredential, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.State != data.StateOpen {
		return nil, fmt.Errorf("%w: credentials are issued on open elections", ErrInvalidTransition)
	}

	weight, err := s.resolver.VoteWeight(ctx, s.eligElection(e), subject)
	if err != nil {
		s.noteResolverError(err)
		return nil, fmt.Errorf("resolving vote weight: %w", err)
	}
	if weight <= 0 {
		return nil, fmt.Errorf("%w: subject %s", ErrNoEligibleVoters, subject)
	}

	publicID, err := security.CredentialPublicID()
	if err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}
	cred, err := s.repo.UpsertCredential(ctx, &data.VotingCredential{
		ElectionID: electionID,
		PublicID:   publicID,
		Subject:    &subject,
		Weight:     weight,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credential issued",
		zap.Int64("election_id", electionID),
		s.subjectField(subject),
		zap.Int("weight", weight))
	return cred, nil
}

// ExtendEnd pushes the end of an open election later. The new end must be
// after both the current end and now.
func (s *Service) ExtendEnd(ctx context.Context, electionID int64, newEnd time.Time) error {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return err
	}
	if e.State != data.StateOpen {
		return fmt.Errorf("%w: only open elections can be extended", ErrInvalidTransition)
	}
	if !newEnd.After(e.EndAt) || !newEnd.After(s.now()) {
		return ErrInvalidEnd
	}

	previousEnd := e.EndAt
	e.EndAt = newEnd
	if err := s.repo.UpdateElection(ctx, e); err != nil {
		return err
	}

	payload := map[string]any{
		"previous_end": previousEnd.UTC().Format(time.RFC3339),
		"new_end":      newEnd.UTC().Format(time.RFC3339),
	}
	if status, err := s.QuorumStatus(ctx, electionID); err == nil {
		payload["quorum"] = toPayload(status)
	}
	s.audit(ctx, electionID, eventElectionExtended, true, payload)
	return nil
}

// CloseElection moves an open election to closed: it records the chain head,
// sets the end to now, and anonymizes credentials. A failure is audited and
// the returned error carries recovery guidance.
func (s *Service) CloseElection(ctx context.Context, electionID int64) error {
	if err := s.closeElection(ctx, electionID); err != nil {
		s.audit(ctx, electionID, eventCloseFailed, false, map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("closing election %d: %w; the election remains open, resolve the cause and close again",
			electionID, err)
	}
	if s.metrics != nil {
		s.metrics.ElectionsClosed.Inc()
	}
	return nil
}

func (s *Service) closeElection(ctx context.Context, electionID int64) error {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return err
	}
	if !e.State.CanTransitionTo(data.StateClosed) {
		return fmt.Errorf("%w: cannot close election in state %q", ErrInvalidTransition, e.State)
	}

	head, err := s.repo.ChainHead(ctx, electionID)
	if err != nil {
		return err
	}
	if head == "" {
		head = chain.GenesisHash(electionID)
	}

	now := s.now()
	e.ChainHead = head
	e.State = data.StateClosed
	if now.After(e.StartAt) {
		e.EndAt = now
	}
	if err := s.repo.UpdateElection(ctx, e); err != nil {
		return err
	}

	cleared, err := s.repo.AnonymizeCredentials(ctx, electionID)
	if err != nil {
		return fmt.Errorf("anonymizing credentials: %w", err)
	}
	if s.scrub != nil {
		if err := s.scrub.Scrub(ctx, electionID); err != nil {
			return fmt.Errorf("scrubbing voter identities: %w", err)
		}
	}

	count, weight, err := s.repo.CountedBallotTotals(ctx, electionID)
	if err != nil {
		return err
	}

	s.audit(ctx, electionID, eventElectionClosed, true, map[string]any{
		"chain_head":             head,
		"ballots_counted":        count,
		"vote_weight_cast":       weight,
		"credentials_anonymized": cleared,
	})
	s.logger.Info("election closed",
		zap.Int64("election_id", electionID),
		zap.String("chain_head", head),
		zap.Int("ballots_counted", count))
	return nil
}

// AnonymizeElection clears any remaining credential subject links on a closed
// or tallied election and reports how many were cleared.
func (s *Service) AnonymizeElection(ctx context.Context, electionID int64) (int64, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return 0, err
	}
	if e.State != data.StateClosed && e.State != data.StateTallied {
		return 0, fmt.Errorf("%w: only closed or tallied elections can be anonymized", ErrInvalidTransition)
	}

	cleared, err := s.repo.AnonymizeCredentials(ctx, electionID)
	if err != nil {
		return 0, err
	}
	if s.scrub != nil {
		if err := s.scrub.Scrub(ctx, electionID); err != nil {
			return cleared, fmt.Errorf("scrubbing voter identities: %w", err)
		}
	}

	s.audit(ctx, electionID, eventAnonymized, true, map[string]any{
		"credentials_anonymized": cleared,
	})
	return cleared, nil
}

// QuorumStatus reports turnout against the quorum thresholds. Once open, the
// electorate is the issued-credential snapshot; in draft it is resolved live.
func (s *Service) QuorumStatus(ctx context.Context, electionID int64) (quorum.Status, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return quorum.Status{}, err
	}

	var eligibleCount, eligibleWeight int
	if e.State == data.StateDraft {
		voters, err := s.resolver.EligibleVoters(ctx, s.eligElection(e))
		if err != nil {
			s.noteResolverError(err)
			return quorum.Status{}, fmt.Errorf("resolving electorate: %w", err)
		}
		eligibleCount = len(voters)
		for _, v := range voters {
			eligibleWeight += v.Weight
		}
	} else {
		eligibleCount, eligibleWeight, err = s.repo.CredentialTotals(ctx, electionID)
		if err != nil {
			return quorum.Status{}, err
		}
	}

	participatingCount, participatingWeight, err := s.repo.CountedBallotTotals(ctx, electionID)
	if err != nil {
		return quorum.Status{}, err
	}

	return quorum.Compute(eligibleCount, eligibleWeight, participatingCount, participatingWeight, e.QuorumPercent)
}

func (s *Service) eligElection(e *data.Election) eligibility.Election {
	return eligibility.Election{
		ID:               e.ID,
		State:            string(e.State),
		Start:            e.StartAt,
		RestrictionGroup: e.RestrictionGroup,
	}
}

// audit appends an audit entry, logging instead of failing the caller when
// the append itself errors. Ledger and state changes must not be rolled back
// because a trail write raced a shutdown.
func (s *Service) audit(ctx context.Context, electionID int64, eventType string, public bool, payload map[string]any) {
	entry := &data.AuditLogEntry{
		ElectionID: electionID,
		EventType:  eventType,
		Payload:    payload,
		IsPublic:   public,
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("appending audit entry",
			zap.Int64("election_id", electionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// toPayload converts a JSON-tagged struct into the map shape audit payloads
// use.
func toPayload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
