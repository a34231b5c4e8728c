package api

import (
	"net/http"

	"github.com/AlmaLinux/astra-elections/pkg/chain"
)

func (s *Server) getElection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	e, err := s.svc.GetElection(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

type submitBallotRequest struct {
	CredentialPublicID string  `json:"credential_public_id"`
	Ranking            []int64 `json:"ranking"`

	// ExpectedHead makes the submission conditional on the chain head the
	// client last saw. Empty submits unconditionally.
	ExpectedHead string `json:"expected_head,omitempty"`
}

func (s *Server) submitBallot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	var req submitBallotRequest
	if !s.parseJSON(w, r, &req) {
		return
	}
	if req.CredentialPublicID == "" {
		s.writeError(w, http.StatusBadRequest, "credential_public_id is required")
		return
	}

	receipt, err := s.svc.SubmitBallotAtHead(r.Context(), id, req.CredentialPublicID, req.Ranking, req.ExpectedHead)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) lookupReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	hash := r.PathValue("hash")
	if hash == "" {
		s.writeError(w, http.StatusBadRequest, "ballot hash is required")
		return
	}

	status, err := s.svc.LookupReceipt(r.Context(), id, hash)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) quorumStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	status, err := s.svc.QuorumStatus(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) previewEligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		s.writeError(w, http.StatusBadRequest, "subject query parameter is required")
		return
	}

	preview, err := s.svc.PreviewEligibility(r.Context(), id, subject)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *Server) tallyResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	outcome, err := s.svc.TallyResult(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) exportBallots(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	export, err := s.svc.BuildPublicBallotsExport(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, export)
}

func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	export, err := s.svc.BuildPublicAuditExport(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, export)
}

type verifyExportResponse struct {
	Valid       bool   `json:"valid"`
	BallotCount int    `json:"ballot_count"`
	ChainHead   string `json:"chain_head,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// verifyExport re-checks an uploaded ballots export. Verification is pure, so
// anyone can confirm an export they downloaded earlier still matches the
// published head.
func (s *Server) verifyExport(w http.ResponseWriter, r *http.Request) {
	var export chain.Export
	if !s.parseJSON(w, r, &export) {
		return
	}

	ordered, err := chain.VerifyExport(&export)
	if err != nil {
		s.writeJSON(w, http.StatusOK, verifyExportResponse{Valid: false, Reason: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, verifyExportResponse{
		Valid:       true,
		BallotCount: len(ordered),
		ChainHead:   export.ChainHead,
	})
}
