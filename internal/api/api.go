package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/research"
)

// Service is the session surface the API exposes. *research.Manager implements it.
type Service interface {
	StartSession(ctx context.Context, req research.StartRequest) (*models.Session, error)
	ApproveSession(ctx context.Context, id string, version int) (*models.Session, error)
	RequestModification(ctx context.Context, id string, version int, feedback string) (*models.Session, error)
	CancelSession(ctx context.Context, id string) (*models.Session, error)
	ResumeSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionStatus(ctx context.Context, id string) (*models.SessionStatus, error)
	GetSessionReport(ctx context.Context, id string) (*models.Report, error)
	GetSessionAudit(ctx context.Context, id string) ([]models.Snapshot, error)
	ListSessionHistory(ctx context.Context, scope models.Scope) ([]models.SessionSummary, error)
}

// Server provides the REST API handlers.
type Server struct {
	svc      Service
	corpus   corpus.Adapter
	validate *validator.Validate
	log      *zap.Logger
}

// NewServer creates a new API server. corp may be nil, which disables the
// scope summary endpoint.
func NewServer(svc Service, corp corpus.Adapter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		svc:      svc,
		corpus:   corp,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.cancelSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/approve", s.approveSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/modify", s.modifySession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.cancelSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", s.resumeSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/report", s.getReport)
	mux.HandleFunc("GET /api/v1/sessions/{id}/audit", s.getAudit)

	mux.HandleFunc("GET /api/v1/scopes/{kind}/{id}/sessions", s.listScopeSessions)
	mux.HandleFunc("GET /api/v1/scopes/{kind}/{id}/summary", s.scopeSummary)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// writeServiceError maps research errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, research.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, research.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, research.ErrStaleApproval):
		writeError(w, http.StatusConflict, "stale_plan_version", err.Error())
	case errors.Is(err, research.ErrConcurrentTransition):
		writeError(w, http.StatusConflict, "concurrent_transition", err.Error())
	case errors.Is(err, research.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, research.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", err.Error())
	case errors.Is(err, research.ErrPlanGeneration):
		writeError(w, http.StatusBadGateway, "plan_generation_failed", err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// decode reads a JSON body into dst and runs struct validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, "validation",
				fmt.Sprintf("invalid %s: failed %q", jsonName(fe), fe.Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return false
	}
	return true
}

func jsonName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	return toSnake(ns)
}

func toSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '.' {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

// StartSessionRequest is the JSON body for POST /api/v1/sessions.
type StartSessionRequest struct {
	Scope      ScopeRequest `json:"scope" validate:"required"`
	Topic      string       `json:"topic" validate:"required,max=2000"`
	FocusAreas []string     `json:"focus_areas" validate:"omitempty,max=8,dive,required"`
}

// ScopeRequest names a case or project.
type ScopeRequest struct {
	Kind string `json:"kind" validate:"required,oneof=case project"`
	ID   string `json:"id" validate:"required"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.svc.StartSession(r.Context(), research.StartRequest{
		Scope:      models.Scope{Kind: models.ScopeKind(req.Scope.Kind), ID: req.Scope.ID},
		Topic:      req.Topic,
		FocusAreas: req.FocusAreas,
	})
	if err != nil {
		var pge *research.PlanGenerationError
		if errors.As(err, &pge) {
			// The session exists and can be resumed, so tell the caller its id.
			writeJSON(w, http.StatusBadGateway, PlanFailedResponse{
				ErrorResponse: ErrorResponse{Error: err.Error(), Code: "plan_generation_failed"},
				SessionID:     pge.SessionID,
			})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Status())
}

// PlanFailedResponse is returned when a session was created but its plan
// could not be generated.
type PlanFailedResponse struct {
	ErrorResponse
	SessionID string `json:"session_id"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetSessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ApproveRequest is the JSON body for POST /api/v1/sessions/{id}/approve.
type ApproveRequest struct {
	PlanVersion int `json:"plan_version" validate:"required,min=1"`
}

func (s *Server) approveSession(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.svc.ApproveSession(r.Context(), r.PathValue("id"), req.PlanVersion)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Status())
}

// ModifyRequest is the JSON body for POST /api/v1/sessions/{id}/modify.
type ModifyRequest struct {
	PlanVersion int    `json:"plan_version" validate:"required,min=1"`
	Feedback    string `json:"feedback" validate:"required,max=4000"`
}

func (s *Server) modifySession(w http.ResponseWriter, r *http.Request) {
	var req ModifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.svc.RequestModification(r.Context(), r.PathValue("id"), req.PlanVersion, req.Feedback)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.CancelSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.ResumeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.GetSessionReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.GetSessionAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// ?summary=true drops the embedded session bodies.
	if v, _ := strconv.ParseBool(r.URL.Query().Get("summary")); v {
		for i := range snaps {
			snaps[i].Session = nil
		}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// --- Scopes ---

func scopeFromPath(r *http.Request) models.Scope {
	return models.Scope{Kind: models.ScopeKind(r.PathValue("kind")), ID: r.PathValue("id")}
}

func (s *Server) listScopeSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListSessionHistory(r.Context(), scopeFromPath(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) scopeSummary(w http.ResponseWriter, r *http.Request) {
	if s.corpus == nil {
		writeError(w, http.StatusNotFound, "not_found", "no corpus configured")
		return
	}
	scope := scopeFromPath(r)
	if err := scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	summary, err := s.corpus.Summarize(r.Context(), scope)
	if err != nil {
		if errors.Is(err, corpus.ErrScopeNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
