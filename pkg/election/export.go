package election

import (
	"context"
	"time"

	"github.com/AlmaLinux/astra-elections/pkg/chain"
)

// AuditExportEntry is one public audit record in the export. Timestamps are
// day-granular so the export cannot be correlated with submission times.
type AuditExportEntry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// AuditExport is the published audit trail for one election.
type AuditExport struct {
	Algorithm string             `json:"algorithm"`
	AuditLog  []AuditExportEntry `json:"audit_log"`
}

// BuildPublicBallotsExport assembles the full ballots export. The result is
// self-contained: chain.VerifyExport can re-check every hash without touching
// the server.
func (s *Service) BuildPublicBallotsExport(ctx context.Context, electionID int64) (*chain.Export, error) {
	e, err := s.repo.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.repo.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(candidates))
	for _, c := range candidates {
		names[c.ID] = c.Name
	}

	ballots, err := s.repo.ListBallots(ctx, electionID)
	if err != nil {
		return nil, err
	}

	// superseded_by is published as the superseding ballot's content hash,
	// never as a row id.
	hashByID := make(map[int64]string, len(ballots))
	for _, b := range ballots {
		hashByID[b.ID] = b.BallotHash
	}

	export := &chain.Export{
		ElectionID:  electionID,
		GenesisHash: chain.GenesisHash(electionID),
		ChainHead:   e.ChainHead,
		Ballots:     make([]chain.ExportBallot, 0, len(ballots)),
	}

	head := export.GenesisHash
	for _, b := range ballots {
		ranking := make([]string, 0, len(b.Ranking))
		for _, id := range b.Ranking {
			ranking = append(ranking, names[id])
		}

		var supersededBy *string
		if b.SupersededBy != nil {
			if h, ok := hashByID[*b.SupersededBy]; ok {
				supersededBy = &h
			}
		}

		export.Ballots = append(export.Ballots, chain.ExportBallot{
			Ranking:           ranking,
			Weight:            b.Weight,
			BallotHash:        b.BallotHash,
			IsCounted:         b.IsCounted,
			ChainHash:         b.ChainHash,
			PreviousChainHash: b.PreviousChainHash,
			SupersededBy:      supersededBy,
		})
		head = b.ChainHash
	}

	// Before close, the recorded head is still empty; publish the live one.
	if export.ChainHead == "" {
		export.ChainHead = head
	}
	return export, nil
}

// BuildPublicAuditExport assembles the published audit trail: public entries
// only, in append order.
func (s *Service) BuildPublicAuditExport(ctx context.Context, electionID int64) (*AuditExport, error) {
	if _, err := s.repo.GetElection(ctx, electionID); err != nil {
		return nil, err
	}

	entries, err := s.repo.ListAuditEntries(ctx, electionID, true)
	if err != nil {
		return nil, err
	}

	export := &AuditExport{
		Algorithm: tallyAlgorithm,
		AuditLog:  make([]AuditExportEntry, 0, len(entries)),
	}
	for _, entry := range entries {
		export.AuditLog = append(export.AuditLog, AuditExportEntry{
			Timestamp: entry.CreatedAt.UTC().Format(time.DateOnly),
			EventType: entry.EventType,
			Payload:   entry.Payload,
		})
	}
	return export, nil
}
