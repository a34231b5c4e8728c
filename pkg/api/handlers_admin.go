package api

import (
	"net/http"
	"time"

	"github.com/AlmaLinux/astra-elections/pkg/data"
)

type createElectionRequest struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	Seats            int       `json:"seats"`
	QuorumPercent    int       `json:"quorum_percent"`
	RestrictionGroup string    `json:"restriction_group"`
}

func (s *Server) createElection(w http.ResponseWriter, r *http.Request) {
	var req createElectionRequest
	if !s.parseJSON(w, r, &req) {
		return
	}

	e := &data.Election{
		Title:            req.Title,
		Description:      req.Description,
		StartAt:          req.StartAt,
		EndAt:            req.EndAt,
		Seats:            req.Seats,
		QuorumPercent:    req.QuorumPercent,
		RestrictionGroup: req.RestrictionGroup,
	}
	if err := s.svc.CreateElection(r.Context(), e); err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, e)
}

type addCandidateRequest struct {
	Name string `json:"name"`
}

func (s *Server) addCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	var req addCandidateRequest
	if !s.parseJSON(w, r, &req) {
		return
	}

	c, err := s.svc.AddCandidate(r.Context(), id, req.Name)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

type addExclusionGroupRequest struct {
	Name         string  `json:"name"`
	MaxElected   int     `json:"max_elected"`
	CandidateIDs []int64 `json:"candidate_ids"`
}

func (s *Server) addExclusionGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	var req addExclusionGroupRequest
	if !s.parseJSON(w, r, &req) {
		return
	}

	g := &data.ExclusionGroup{
		ElectionID:   id,
		Name:         req.Name,
		MaxElected:   req.MaxElected,
		CandidateIDs: req.CandidateIDs,
	}
	if err := s.svc.AddExclusionGroup(r.Context(), g); err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, g)
}

func (s *Server) openElection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	if err := s.svc.OpenElection(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": string(data.StateOpen)})
}

type extendEndRequest struct {
	NewEnd time.Time `json:"new_end"`
}

func (s *Server) extendEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	var req extendEndRequest
	if !s.parseJSON(w, r, &req) {
		return
	}

	if err := s.svc.ExtendEnd(r.Context(), id, req.NewEnd); err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"new_end": req.NewEnd.UTC().Format(time.RFC3339)})
}

func (s *Server) closeElection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	if err := s.svc.CloseElection(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": string(data.StateClosed)})
}

func (s *Server) tallyElection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	outcome, err := s.svc.TallyElection(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) anonymizeElection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	cleared, err := s.svc.AnonymizeElection(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"credentials_anonymized": cleared})
}

type issueCredentialRequest struct {
	Subject string `json:"subject"`
}

func (s *Server) issueCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	var req issueCredentialRequest
	if !s.parseJSON(w, r, &req) {
		return
	}
	if req.Subject == "" {
		s.writeError(w, http.StatusBadRequest, "subject is required")
		return
	}

	cred, err := s.svc.IssueCredential(r.Context(), id, req.Subject)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cred)
}

func (s *Server) ineligibleVoters(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	voters, err := s.svc.IneligibleVoters(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ineligible_voters": voters})
}

type validateCandidatesRequest struct {
	Candidates []string `json:"candidates"`
	Nominators []string `json:"nominators"`
}

func (s *Server) validateCandidates(w http.ResponseWriter, r *http.Request) {
	id, ok := s.electionID(w, r)
	if !ok {
		return
	}
	var req validateCandidatesRequest
	if !s.parseJSON(w, r, &req) {
		return
	}

	validation, err := s.svc.ValidateCandidates(r.Context(), id, req.Candidates, req.Nominators)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, validation)
}
