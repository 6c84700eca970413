// Package research orchestrates research sessions: plan generation, the
// human approval gate, concurrent step execution and report synthesis.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/events"
	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/store"
)

const tracerName = "github.com/vericase/deepresearch/internal/research"

// Config tunes the research pipeline.
type Config struct {
	MaxConcurrency int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SourcesPerStep int
	MaxTokens      int
}

// DefaultConfig returns the values used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		SourcesPerStep: 20,
		MaxTokens:      4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.SourcesPerStep <= 0 {
		c.SourcesPerStep = d.SourcesPerStep
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithEvents publishes every persisted state change to p.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// StartRequest opens a new session.
type StartRequest struct {
	Scope      models.Scope
	Topic      string
	FocusAreas []string
}

// Manager owns session lifecycles. It is the single writer for each session
// it drives; the store's revision check covers writers in other processes.
type Manager struct {
	store    store.Store
	corpus   corpus.Adapter
	planner  *Planner
	executor *Executor
	compiler *Compiler
	events   events.Publisher
	log      *zap.Logger
	now      func() time.Time
	tracer   trace.Tracer
	locks    *keyedMutex

	mu       sync.Mutex
	inflight map[string]*inflight
	closed   bool
	wg       sync.WaitGroup
	base     context.Context
	stop     context.CancelFunc
}

// inflight is a cancellable unit of work running for one session.
type inflight struct {
	cancel     context.CancelFunc
	background bool
}

// NewManager wires a manager over its collaborators.
func NewManager(st store.Store, corp corpus.Adapter, provider llm.Provider, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		store:    st,
		corpus:   corp,
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer(tracerName),
		locks:    newKeyedMutex(),
		inflight: make(map[string]*inflight),
		base:     base,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(m)
	}

	retry := RetryPolicy{MaxAttempts: cfg.MaxAttempts, InitialInterval: cfg.InitialBackoff, MaxInterval: cfg.MaxBackoff}
	m.planner = NewPlanner(provider, retry, cfg.MaxTokens, m.log.Named("planner"))
	m.planner.now = m.now
	m.executor = NewExecutor(corp, provider, retry, cfg.MaxConcurrency, cfg.SourcesPerStep, cfg.MaxTokens, m.log.Named("executor"))
	m.compiler = NewCompiler(provider, retry, cfg.MaxTokens, m.log.Named("compiler"))
	m.compiler.now = m.now
	return m
}

// StartSession validates the request, records a plan_pending session and
// generates the first plan. On success the session is in plan_review.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*models.Session, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, validationErr("scope", "%v", err)
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, validationErr("topic", "must not be empty")
	}
	areas, err := models.ParseFocusAreas(req.FocusAreas)
	if err != nil {
		return nil, validationErr("focus_areas", "%v", err)
	}

	ctx, span := m.tracer.Start(ctx, "research.StartSession",
		trace.WithAttributes(attribute.String("scope", req.Scope.String())))
	defer span.End()

	summary, err := m.corpus.Summarize(ctx, req.Scope)
	if err != nil {
		if errors.Is(err, corpus.ErrScopeNotFound) {
			return nil, fmt.Errorf("%w: scope %s", ErrNotFound, req.Scope)
		}
		return nil, fmt.Errorf("summarize corpus: %w", err)
	}

	now := m.now()
	s := &models.Session{
		ID:           store.NewID(),
		Scope:        req.Scope,
		Topic:        topic,
		FocusAreas:   areas,
		State:        models.StatePlanPending,
		PlanVersions: []models.Plan{},
		Findings:     []models.Finding{},
		ModelsUsed:   []string{},
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(attribute.String("session", s.ID))

	unlock := m.locks.Lock(s.ID)
	defer unlock()
	if err := m.store.Put(context.WithoutCancel(ctx), s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.publish("", s, "created")
	m.log.Info("session created", zap.String("session", s.ID), zap.String("scope", s.Scope.String()))

	// Generation outlives the caller; CancelSession interrupts it instead.
	return m.generatePlan(context.WithoutCancel(ctx), s, summary, "")
}

// generatePlan runs the planner for a plan_pending session and moves it to
// plan_review. The caller holds the session lock. On failure nothing is
// written and the session stays plan_pending.
func (m *Manager) generatePlan(ctx context.Context, cur *models.Session, summary *corpus.Summary, feedback string) (*models.Session, error) {
	ctx, untrack := m.track(ctx, cur.ID)
	defer untrack()

	ctx, span := m.tracer.Start(ctx, "research.GeneratePlan",
		trace.WithAttributes(attribute.String("session", cur.ID)))
	defer span.End()

	if summary == nil {
		var err error
		summary, err = m.corpus.Summarize(ctx, cur.Scope)
		if err != nil {
			span.RecordError(err)
			if cerr := ctx.Err(); cerr != nil {
				return nil, fmt.Errorf("plan generation for session %s interrupted: %w", cur.ID, cerr)
			}
			err = fmt.Errorf("summarize corpus: %w", err)
			m.recordPlanFailure(ctx, cur, err)
			return nil, &PlanGenerationError{SessionID: cur.ID, Err: err}
		}
	}

	in := PlanInput{
		Topic:      cur.Topic,
		FocusAreas: cur.FocusAreas,
		Summary:    summary,
	}
	if feedback != "" {
		in.Prior = cur.CurrentPlan()
		in.Feedback = feedback
	}
	plan, err := m.planner.Generate(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan generation failed")
		m.log.Warn("plan generation failed", zap.String("session", cur.ID), zap.Error(err))
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("plan generation for session %s interrupted: %w", cur.ID, cerr)
		}
		m.recordPlanFailure(ctx, cur, err)
		return nil, &PlanGenerationError{SessionID: cur.ID, Err: err}
	}

	// A cancel may have landed while the model was working.
	latest, err := m.store.Get(context.WithoutCancel(ctx), cur.ID)
	if err != nil {
		return nil, err
	}
	if latest.Revision != cur.Revision || latest.State != models.StatePlanPending {
		return nil, fmt.Errorf("%w: session %s is %s", ErrConcurrentTransition, cur.ID, latest.State)
	}

	next := latest.Clone()
	next.PlanVersions = append(next.PlanVersions, *plan)
	next.ActivePlan = len(next.PlanVersions) - 1
	next.PendingFeedback = ""
	next.Failure = nil
	next.AddModel(plan.Model)
	if err := next.Transition(models.StatePlanReview); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("plan_version", plan.Version), attribute.Int("steps", len(plan.Steps)))
	return m.commit(ctx, latest, next, fmt.Sprintf("plan v%d ready", plan.Version))
}

// recordPlanFailure notes a failed generation on a session that is still
// plan_pending. The session stays resumable; a later plan clears the failure.
func (m *Manager) recordPlanFailure(ctx context.Context, cur *models.Session, cause error) {
	ctx = context.WithoutCancel(ctx)
	latest, err := m.store.Get(ctx, cur.ID)
	if err != nil || latest.Revision != cur.Revision || latest.State != models.StatePlanPending {
		return
	}
	next := latest.Clone()
	next.Failure = &models.Failure{
		Kind:    models.FailurePlanGeneration,
		Message: cause.Error(),
		At:      m.now(),
	}
	if _, err := m.commit(ctx, latest, next, "plan generation failed"); err != nil {
		m.log.Warn("record plan failure", zap.String("session", cur.ID), zap.Error(err))
	}
}

// GetSessionStatus returns the last durable state of a session.
func (m *Manager) GetSessionStatus(ctx context.Context, id string) (*models.SessionStatus, error) {
	s, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Status(), nil
}

// GetSession returns the full session record.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.get(ctx, id)
}

// ListSessionHistory lists every session for a scope, newest first.
func (m *Manager) ListSessionHistory(ctx context.Context, scope models.Scope) ([]models.SessionSummary, error) {
	if err := scope.Validate(); err != nil {
		return nil, validationErr("scope", "%v", err)
	}
	list, err := m.store.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if list == nil {
		list = []models.SessionSummary{}
	}
	return list, nil
}

// GetSessionReport returns the report of a completed session.
func (m *Manager) GetSessionReport(ctx context.Context, id string) (*models.Report, error) {
	s, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State != models.StateCompleted || s.Report == nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotReady, id, s.State)
	}
	return s.Report, nil
}

// GetSessionAudit returns every durable revision of a session, oldest first.
func (m *Manager) GetSessionAudit(ctx context.Context, id string) ([]models.Snapshot, error) {
	snaps, err := m.store.History(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("session history: %w", err)
	}
	return snaps, nil
}

// Wait blocks until all background work has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops background work and waits for it. Sessions keep their last
// durable state and are picked up again by Resume.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
}

func (m *Manager) get(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// commit persists next as the revision after cur and announces state changes.
// Once accepted, the write is not abandoned on caller cancellation.
func (m *Manager) commit(ctx context.Context, cur, next *models.Session, reason string) (*models.Session, error) {
	next.Revision = cur.Revision + 1
	now := m.now()
	if now.Before(cur.UpdatedAt) {
		now = cur.UpdatedAt
	}
	next.UpdatedAt = now
	if err := m.store.Put(context.WithoutCancel(ctx), next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: session %s changed concurrently", ErrConcurrentTransition, next.ID)
		}
		return nil, fmt.Errorf("persist session %s: %w", next.ID, err)
	}
	if next.State != cur.State {
		m.publish(cur.State, next, reason)
	}
	return next, nil
}

func (m *Manager) publish(from models.State, s *models.Session, reason string) {
	if m.events == nil {
		return
	}
	err := m.events.Publish(events.Transition{
		SessionID:   s.ID,
		Scope:       s.Scope,
		From:        from,
		To:          s.State,
		Revision:    s.Revision,
		PlanVersion: s.CurrentPlanVersion(),
		Reason:      reason,
		At:          s.UpdatedAt,
	})
	if err != nil {
		m.log.Warn("publish transition", zap.String("session", s.ID), zap.Error(err))
	}
}

// track registers a cancellable context for work on id so CancelSession can
// interrupt it. Work nested inside an already tracked run reuses that
// registration. The returned func must be called when the work ends.
func (m *Manager) track(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return ctx, cancel
	}
	e := &inflight{cancel: cancel}
	m.inflight[id] = e
	return ctx, func() { m.untrack(id, e) }
}

func (m *Manager) untrack(id string, e *inflight) {
	m.mu.Lock()
	if m.inflight[id] == e {
		delete(m.inflight, id)
	}
	m.mu.Unlock()
	e.cancel()
}

func (m *Manager) interrupt(id string) {
	m.mu.Lock()
	e := m.inflight[id]
	m.mu.Unlock()
	if e != nil {
		e.cancel()
	}
}

// spawn starts background driving of id unless it is already running.
func (m *Manager) spawn(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if e, ok := m.inflight[id]; ok && e.background {
		return false
	}
	ctx, cancel := context.WithCancel(m.base)
	e := &inflight{cancel: cancel, background: true}
	m.inflight[id] = e
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.untrack(id, e)
		m.drive(ctx, id)
	}()
	return true
}
