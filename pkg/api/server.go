// Package api exposes the election service over HTTP: public voting and
// verification endpoints plus token-protected admin lifecycle operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/data"
	"github.com/AlmaLinux/astra-elections/pkg/election"
	"github.com/AlmaLinux/astra-elections/pkg/eligibility"
	"github.com/AlmaLinux/astra-elections/pkg/security"
)

// Server wires the handlers to the election service.
type Server struct {
	svc    *election.Service
	tokens *security.TokenManager
	logger *zap.Logger
}

func NewServer(svc *election.Service, tokens *security.TokenManager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, tokens: tokens, logger: logger}
}

// Routes builds the full route table. gatherer serves /metrics; pass the
// default registry in production.
func (s *Server) Routes(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Public endpoints.
	mux.HandleFunc("GET /elections/{id}", s.withLogging(s.getElection))
	mux.HandleFunc("POST /elections/{id}/ballots", s.withLogging(s.submitBallot))
	mux.HandleFunc("GET /elections/{id}/receipts/{hash}", s.withLogging(s.lookupReceipt))
	mux.HandleFunc("GET /elections/{id}/quorum", s.withLogging(s.quorumStatus))
	mux.HandleFunc("GET /elections/{id}/eligibility", s.withLogging(s.previewEligibility))
	mux.HandleFunc("GET /elections/{id}/result", s.withLogging(s.tallyResult))
	mux.HandleFunc("GET /elections/{id}/export/ballots", s.withLogging(s.exportBallots))
	mux.HandleFunc("GET /elections/{id}/export/audit", s.withLogging(s.exportAudit))
	mux.HandleFunc("POST /verify/ballots", s.withLogging(s.verifyExport))

	// Admin endpoints.
	mux.HandleFunc("POST /admin/elections", s.admin(s.createElection))
	mux.HandleFunc("POST /admin/elections/{id}/candidates", s.admin(s.addCandidate))
	mux.HandleFunc("POST /admin/elections/{id}/exclusion-groups", s.admin(s.addExclusionGroup))
	mux.HandleFunc("POST /admin/elections/{id}/open", s.admin(s.openElection))
	mux.HandleFunc("POST /admin/elections/{id}/extend", s.admin(s.extendEnd))
	mux.HandleFunc("POST /admin/elections/{id}/close", s.admin(s.closeElection))
	mux.HandleFunc("POST /admin/elections/{id}/tally", s.admin(s.tallyElection))
	mux.HandleFunc("POST /admin/elections/{id}/anonymize", s.admin(s.anonymizeElection))
	mux.HandleFunc("POST /admin/elections/{id}/credentials", s.admin(s.issueCredential))
	mux.HandleFunc("GET /admin/elections/{id}/ineligible-voters", s.admin(s.ineligibleVoters))
	mux.HandleFunc("POST /admin/elections/{id}/validate-candidates", s.admin(s.validateCandidates))

	return mux
}

// withLogging wraps a handler with request logging.
func (s *Server) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	}
}

// admin wraps a handler with request logging and bearer-token admin auth.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.withLogging(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := s.tokens.ValidateAdminToken(token)
		if err != nil {
			if errors.Is(err, security.ErrNotAdmin) {
				s.writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.logger.Debug("admin request",
			zap.String("subject", claims.Subject),
			zap.String("path", r.URL.Path))
		next(w, r)
	})
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, errorEnvelope{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// serviceError maps domain errors onto HTTP statuses: conflicts for wrong
// state, 422 for rejected input, 503 when the identity directory is down,
// 400 when it is misconfigured.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrNotFound),
		errors.Is(err, election.ErrUnknownCredential):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, election.ErrElectionNotOpen),
		errors.Is(err, election.ErrInvalidTransition),
		errors.Is(err, election.ErrTallyInProgress),
		errors.Is(err, data.ErrStaleHead),
		errors.Is(err, data.ErrDuplicate):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, election.ErrEmptyRanking),
		errors.Is(err, election.ErrUnknownCandidate),
		errors.Is(err, election.ErrDuplicateCandidate),
		errors.Is(err, election.ErrInvalidEnd),
		errors.Is(err, election.ErrNoEligibleVoters):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, data.ErrInvalidData):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, eligibility.ErrMisconfigured):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, eligibility.ErrProviderUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) electionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid election id")
		return 0, false
	}
	return id, true
}
