package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlmaLinux/astra-elections/pkg/chain"
)

// MemRepository is the in-memory Repository used by service and tally tests.
// A single mutex serializes every operation, which also gives AppendBallot
// the same atomicity the election-row lock gives the Postgres version.
type MemRepository struct {
	mu sync.Mutex

	nextID     int64
	elections  map[int64]*Election
	candidates map[int64]*Candidate
	groups     map[int64]*ExclusionGroup

	credentials []*VotingCredential
	ballots     []*Ballot
	audits      []*AuditLogEntry
}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		elections:  make(map[int64]*Election),
		candidates: make(map[int64]*Candidate),
		groups:     make(map[int64]*ExclusionGroup),
	}
}

func (r *MemRepository) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *MemRepository) Close() {}

func (r *MemRepository) CreateElection(_ context.Context, e *Election) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.State == "" {
		e.State = StateDraft
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("validating election: %w", err)
	}

	e.ID = r.id()
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	stored := *e
	r.elections[e.ID] = &stored
	return nil
}

func (r *MemRepository) GetElection(_ context.Context, id int64) (*Election, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.elections[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (r *MemRepository) ListElectionsByState(_ context.Context, state ElectionState) ([]*Election, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elections := make([]*Election, 0)
	for _, e := range r.elections {
		if e.State == state {
			copied := *e
			elections = append(elections, &copied)
		}
	}
	sort.Slice(elections, func(i, j int) bool { return elections[i].ID < elections[j].ID })
	return elections, nil
}

func (r *MemRepository) UpdateElection(_ context.Context, e *Election) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := e.Validate(); err != nil {
		return fmt.Errorf("validating election: %w", err)
	}
	if _, ok := r.elections[e.ID]; !ok {
		return ErrNotFound
	}

	e.UpdatedAt = time.Now().UTC()
	stored := *e
	r.elections[e.ID] = &stored
	return nil
}

func (r *MemRepository) CreateCandidate(_ context.Context, c *Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating candidate: %w", err)
	}
	for _, existing := range r.candidates {
		if existing.ElectionID == c.ElectionID && existing.Name == c.Name {
			return fmt.Errorf("candidate %q: %w", c.Name, ErrDuplicate)
		}
	}

	c.ID = r.id()
	c.CreatedAt = time.Now().UTC()
	stored := *c
	r.candidates[c.ID] = &stored
	return nil
}

func (r *MemRepository) ListCandidates(_ context.Context, electionID int64) ([]*Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*Candidate, 0)
	for _, c := range r.candidates {
		if c.ElectionID == electionID {
			copied := *c
			candidates = append(candidates, &copied)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates, nil
}

func (r *MemRepository) SetCandidateTiebreakKey(_ context.Context, candidateID int64, key uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.candidates[candidateID]
	if !ok {
		return ErrNotFound
	}
	if c.TiebreakKey == nil {
		k := key
		c.TiebreakKey = &k
	}
	return nil
}

func (r *MemRepository) CreateExclusionGroup(_ context.Context, g *ExclusionGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := g.Validate(); err != nil {
		return fmt.Errorf("validating exclusion group: %w", err)
	}
	for _, existing := range r.groups {
		if existing.ElectionID == g.ElectionID && existing.Name == g.Name {
			return fmt.Errorf("exclusion group %q: %w", g.Name, ErrDuplicate)
		}
	}
	if g.PublicID == uuid.Nil {
		g.PublicID = uuid.New()
	}

	g.ID = r.id()
	g.CreatedAt = time.Now().UTC()
	stored := *g
	stored.CandidateIDs = append([]int64(nil), g.CandidateIDs...)
	r.groups[g.ID] = &stored
	return nil
}

func (r *MemRepository) ListExclusionGroups(_ context.Context, electionID int64) ([]*ExclusionGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]*ExclusionGroup, 0)
	for _, g := range r.groups {
		if g.ElectionID == electionID {
			copied := *g
			copied.CandidateIDs = append([]int64(nil), g.CandidateIDs...)
			groups = append(groups, &copied)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (r *MemRepository) UpsertCredential(_ context.Context, c *VotingCredential) (*VotingCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating credential: %w", err)
	}
	if c.Subject == nil || *c.Subject == "" {
		return nil, fmt.Errorf("%w: credential subject is required at issue time", ErrInvalidData)
	}

	for _, existing := range r.credentials {
		if existing.ElectionID == c.ElectionID && existing.Subject != nil && *existing.Subject == *c.Subject {
			existing.Weight = c.Weight
			copied := *existing
			return &copied, nil
		}
	}

	c.ID = r.id()
	c.CreatedAt = time.Now().UTC()
	stored := *c
	subject := *c.Subject
	stored.Subject = &subject
	r.credentials = append(r.credentials, &stored)
	copied := stored
	return &copied, nil
}

func (r *MemRepository) GetCredential(_ context.Context, electionID int64, publicID string) (*VotingCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.credentials {
		if c.ElectionID == electionID && c.PublicID == publicID {
			copied := *c
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemRepository) CredentialTotals(_ context.Context, electionID int64) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count, weight int
	for _, c := range r.credentials {
		if c.ElectionID == electionID && c.Weight > 0 {
			count++
			weight += c.Weight
		}
	}
	return count, weight, nil
}

func (r *MemRepository) AnonymizeCredentials(_ context.Context, electionID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleared int64
	for _, c := range r.credentials {
		if c.ElectionID == electionID && c.Subject != nil {
			c.Subject = nil
			cleared++
		}
	}
	return cleared, nil
}

func (r *MemRepository) AppendBallot(_ context.Context, sub BallotSubmission) (*Ballot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.elections[sub.ElectionID]; !ok {
		return nil, ErrNotFound
	}

	var weight int
	found := false
	for _, c := range r.credentials {
		if c.ElectionID == sub.ElectionID && c.PublicID == sub.CredentialPublicID {
			weight = c.Weight
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	head := chain.GenesisHash(sub.ElectionID)
	var current *Ballot
	for _, b := range r.ballots {
		if b.ElectionID != sub.ElectionID {
			continue
		}
		head = b.ChainHash
		if b.CredentialPublicID == sub.CredentialPublicID && b.SupersededBy == nil {
			current = b
		}
	}
	if sub.ExpectedHead != "" && sub.ExpectedHead != head {
		return nil, fmt.Errorf("%w: expected %s, head is %s", ErrStaleHead, sub.ExpectedHead, head)
	}

	ballot := &Ballot{
		ID:                 r.id(),
		ElectionID:         sub.ElectionID,
		CredentialPublicID: sub.CredentialPublicID,
		Ranking:            append([]int64(nil), sub.Ranking...),
		Weight:             weight,
		BallotHash:         sub.BallotHash,
		PreviousChainHash:  head,
		ChainHash:          chain.NextHash(head, sub.BallotHash),
		IsCounted:          true,
		CreatedAt:          time.Now().UTC(),
	}
	if err := ballot.Validate(); err != nil {
		return nil, fmt.Errorf("validating ballot: %w", err)
	}
	if current != nil {
		current.SupersededBy = &ballot.ID
		current.IsCounted = false
	}

	r.ballots = append(r.ballots, ballot)
	copied := *ballot
	copied.Ranking = append([]int64(nil), ballot.Ranking...)
	return &copied, nil
}

func (r *MemRepository) ListBallots(_ context.Context, electionID int64) ([]*Ballot, error) {
	return r.listBallots(electionID, false)
}

func (r *MemRepository) ListCountedBallots(_ context.Context, electionID int64) ([]*Ballot, error) {
	return r.listBallots(electionID, true)
}

func (r *MemRepository) listBallots(electionID int64, countedOnly bool) ([]*Ballot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ballots := make([]*Ballot, 0)
	for _, b := range r.ballots {
		if b.ElectionID != electionID {
			continue
		}
		if countedOnly && b.SupersededBy != nil {
			continue
		}
		copied := *b
		copied.Ranking = append([]int64(nil), b.Ranking...)
		ballots = append(ballots, &copied)
	}
	return ballots, nil
}

func (r *MemRepository) CountedBallotTotals(_ context.Context, electionID int64) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count, weight int
	for _, b := range r.ballots {
		if b.ElectionID == electionID && b.SupersededBy == nil {
			count++
			weight += b.Weight
		}
	}
	return count, weight, nil
}

func (r *MemRepository) ChainHead(_ context.Context, electionID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := ""
	for _, b := range r.ballots {
		if b.ElectionID == electionID {
			head = b.ChainHash
		}
	}
	return head, nil
}

func (r *MemRepository) AppendAudit(_ context.Context, entry *AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := entry.Validate(); err != nil {
		return fmt.Errorf("validating audit entry: %w", err)
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}

	entry.ID = r.id()
	entry.CreatedAt = time.Now().UTC()
	stored := *entry
	r.audits = append(r.audits, &stored)
	return nil
}

func (r *MemRepository) HasAuditEvent(_ context.Context, electionID int64, eventType string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.audits {
		if a.ElectionID == electionID && a.EventType == eventType {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemRepository) ListAuditEntries(_ context.Context, electionID int64, publicOnly bool) ([]*AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*AuditLogEntry, 0)
	for _, a := range r.audits {
		if a.ElectionID != electionID {
			continue
		}
		if publicOnly && !a.IsPublic {
			continue
		}
		copied := *a
		entries = append(entries, &copied)
	}
	return entries, nil
}
