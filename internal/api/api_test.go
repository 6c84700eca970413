package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/llm/llmtest"
	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/research"
	"github.com/vericase/deepresearch/internal/store"
)

const testFixture = `
scopes:
  - kind: case
    id: "42"
    name: Riverside Phase 2
    items:
      - ref: PR-0001
        source_type: programme
        focus_areas: [chronology]
        date: 2024-01-15
        content: Baseline programme rev C.
      - ref: EM-0001
        source_type: email
        focus_areas: [causation, chronology]
        date: 2024-02-20
        content: Proceed with the revised foundation design.
`

const testPlan = `{"rationale":"timeline then cause","steps":[
  {"description":"Build the chronology","focus_area":"chronology","source_types":["programme","email"]},
  {"description":"Identify the cause","focus_area":"causation","depends_on":[0]}]}`

const testSynthesis = `{"themes":[{"title":"Causation","narrative":"The redesign caused the delay.","supporting_findings":[0,1]}]}`

func testProvider() *llmtest.Provider {
	return llmtest.New("api").
		Reply(llm.PurposePlan, testPlan).
		Reply(llm.PurposeResearch, "facts [EM-0001]").
		Reply(llm.PurposeSynthesis, testSynthesis)
}

func setupTestServer(t *testing.T, provider llm.Provider) (*Server, *research.Manager) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	corp := corpus.NewMemory()
	f, err := corpus.LoadFixture(strings.NewReader(testFixture))
	require.NoError(t, err)
	_, err = f.Apply(ctx, corp)
	require.NoError(t, err)

	mgr := research.NewManager(s, corp, provider, research.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	t.Cleanup(func() {
		mgr.Close()
		s.Close()
	})
	return NewServer(mgr, corp, nil), mgr
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestHealthz(t *testing.T) {
	srv, _ := setupTestServer(t, testProvider())
	w := do(t, srv.Router(), "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, testProvider())
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartSession_Validation(t *testing.T) {
	srv, _ := setupTestServer(t, testProvider())
	router := srv.Router()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{`, "invalid JSON"},
		{"missing topic", `{"scope":{"kind":"case","id":"42"}}`, "topic"},
		{"bad scope kind", `{"scope":{"kind":"matter","id":"42"},"topic":"t"}`, "scope.kind"},
		{"missing scope id", `{"scope":{"kind":"case"},"topic":"t"}`, "scope.id"},
		{"empty focus entry", `{"scope":{"kind":"case","id":"42"},"topic":"t","focus_areas":[""]}`, "focus_areas"},
		{"unknown focus area", `{"scope":{"kind":"case","id":"42"},"topic":"t","focus_areas":["weather"]}`, "weather"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, "validation", e.Code)
			assert.Contains(t, e.Error, tt.want)
		})
	}

	w := do(t, router, "GET", "/api/v1/scopes/case/42/sessions", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestStartSession_UnknownScope(t *testing.T) {
	srv, _ := setupTestServer(t, testProvider())
	w := do(t, srv.Router(), "POST", "/api/v1/sessions", `{"scope":{"kind":"project","id":"x"},"topic":"t"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Code)
}

func TestStartSession_PlanFailureReturnsSessionID(t *testing.T) {
	provider := testProvider().Reply(llm.PurposePlan, "no")
	srv, _ := setupTestServer(t, provider)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/sessions", `{"scope":{"kind":"case","id":"42"},"topic":"why?"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp PlanFailedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "plan_generation_failed", resp.Code)
	require.NotEmpty(t, resp.SessionID)

	provider.Reply(llm.PurposePlan, testPlan)
	w = do(t, router, "POST", "/api/v1/sessions/"+resp.SessionID+"/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status models.SessionStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.StatePlanReview, status.State)
}

func TestScopeSummary(t *testing.T) {
	srv, _ := setupTestServer(t, testProvider())
	router := srv.Router()

	w := do(t, router, "GET", "/api/v1/scopes/case/42/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	var summary corpus.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.TotalItems)
	assert.Equal(t, "Riverside Phase 2", summary.Name)

	w = do(t, router, "GET", "/api/v1/scopes/case/99/summary", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/scopes/matter/1/summary", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScopeSummary_NoCorpus(t *testing.T) {
	srv := NewServer(&stubService{}, nil, nil)
	w := do(t, srv.Router(), "GET", "/api/v1/scopes/case/42/summary", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// stubService returns err from every call.
type stubService struct{ err error }

func (s *stubService) StartSession(context.Context, research.StartRequest) (*models.Session, error) {
	return nil, s.err
}

func (s *stubService) ApproveSession(context.Context, string, int) (*models.Session, error) {
	return nil, s.err
}

func (s *stubService) RequestModification(context.Context, string, int, string) (*models.Session, error) {
	return nil, s.err
}

func (s *stubService) CancelSession(context.Context, string) (*models.Session, error) {
	return nil, s.err
}

func (s *stubService) ResumeSession(context.Context, string) (*models.Session, error) {
	return nil, s.err
}

func (s *stubService) GetSessionStatus(context.Context, string) (*models.SessionStatus, error) {
	return nil, s.err
}

func (s *stubService) GetSessionReport(context.Context, string) (*models.Report, error) {
	return nil, s.err
}

func (s *stubService) GetSessionAudit(context.Context, string) ([]models.Snapshot, error) {
	return nil, s.err
}

func (s *stubService) ListSessionHistory(context.Context, models.Scope) ([]models.SessionSummary, error) {
	return nil, s.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&research.ValidationError{Field: "topic", Message: "empty"}, http.StatusBadRequest, "validation"},
		{fmt.Errorf("%w: session x", research.ErrNotFound), http.StatusNotFound, "not_found"},
		{&research.StaleApprovalError{SessionID: "x", Requested: 1, Active: 2}, http.StatusConflict, "stale_plan_version"},
		{fmt.Errorf("%w: busy", research.ErrConcurrentTransition), http.StatusConflict, "concurrent_transition"},
		{fmt.Errorf("%w: done", research.ErrAlreadyTerminal), http.StatusConflict, "already_terminal"},
		{fmt.Errorf("%w: researching", research.ErrNotReady), http.StatusConflict, "not_ready"},
		{&research.PlanGenerationError{SessionID: "x", Err: errors.New("bad json")}, http.StatusBadGateway, "plan_generation_failed"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := NewServer(&stubService{err: tt.err}, nil, nil)
			w := do(t, srv.Router(), "GET", "/api/v1/sessions/x/report", "")
			assert.Equal(t, tt.status, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.err.Error(), e.Error)
		})
	}
}

func TestToSnake(t *testing.T) {
	assert.Equal(t, "plan_version", toSnake("PlanVersion"))
	assert.Equal(t, "scope.kind", toSnake("Scope.Kind"))
	assert.Equal(t, "focus_areas[0]", toSnake("FocusAreas[0]"))
}
