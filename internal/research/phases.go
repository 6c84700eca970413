package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/models"
)

// Resume picks up every non-terminal session after a restart. Sessions in
// plan_review stay idle until a human acts on them.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	n := 0
	for _, s := range active {
		switch s.State {
		case models.StatePlanPending, models.StateResearching, models.StateSynthesizing:
			if m.spawn(s.ID) {
				n++
			}
		}
	}
	if n > 0 {
		m.log.Info("resumed sessions", zap.Int("count", n))
	}
	return n, nil
}

// drive advances a session through its automatic phases until it reaches a
// state that waits on a human or is terminal.
func (m *Manager) drive(ctx context.Context, id string) {
	log := m.log.With(zap.String("session", id))
	for ctx.Err() == nil {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			log.Error("load session", zap.Error(err))
			return
		}
		switch s.State {
		case models.StatePlanPending:
			err = m.replan(ctx, id)
		case models.StateResearching:
			err = m.research(ctx, s)
		case models.StateSynthesizing:
			err = m.synthesize(ctx, s)
		default:
			return
		}
		switch {
		case err == nil:
		case errors.Is(err, errSessionStopped), ctx.Err() != nil:
			log.Debug("session driving stopped", zap.Error(err))
			return
		default:
			log.Error("session phase failed", zap.String("state", string(s.State)), zap.Error(err))
			return
		}
	}
}

func (m *Manager) replan(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.State != models.StatePlanPending {
		return nil
	}
	if _, err := m.generatePlan(ctx, cur, nil, pendingFeedback(cur)); err != nil {
		return err
	}
	return nil
}

func (m *Manager) research(ctx context.Context, s *models.Session) error {
	plan := s.CurrentPlan()
	if plan == nil {
		return fmt.Errorf("session %s is researching without a plan", s.ID)
	}
	ctx, span := m.tracer.Start(ctx, "research.Execute", trace.WithAttributes(
		attribute.String("session", s.ID),
		attribute.Int("plan_version", plan.Version),
		attribute.Int("steps", len(plan.Steps)),
		attribute.Int("completed", len(s.Findings)),
	))
	defer span.End()

	findings, err := m.executor.Execute(ctx, ExecInput{
		SessionID: s.ID,
		Scope:     s.Scope,
		Topic:     s.Topic,
		Plan:      plan,
		Completed: s.Findings,
		Commit: func(ctx context.Context, batch []models.Finding) error {
			return m.appendFindings(ctx, s.ID, batch)
		},
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	unlock := m.locks.Lock(s.ID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := m.store.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	if cur.State != models.StateResearching {
		return errSessionStopped
	}

	next := cur.Clone()
	degraded := 0
	for _, f := range findings {
		if f.Degraded {
			degraded++
		}
	}
	span.SetAttributes(attribute.Int("degraded", degraded))
	if degraded == len(findings) {
		if err := next.Transition(models.StateFailed); err != nil {
			return err
		}
		next.Failure = exhaustedFailure(findings, m.now())
		span.SetStatus(codes.Error, "research exhausted")
		_, err = m.commit(ctx, cur, next, "all research steps failed")
		return err
	}
	if err := next.Transition(models.StateSynthesizing); err != nil {
		return err
	}
	_, err = m.commit(ctx, cur, next, fmt.Sprintf("%d of %d steps succeeded", len(findings)-degraded, len(findings)))
	return err
}

// appendFindings records the next in-order batch of findings.
func (m *Manager) appendFindings(ctx context.Context, id string, batch []models.Finding) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.State != models.StateResearching {
		return errSessionStopped
	}
	if len(batch) == 0 || batch[0].StepIndex != len(cur.Findings) {
		return fmt.Errorf("session %s: finding batch does not extend the %d recorded findings", id, len(cur.Findings))
	}
	next := cur.Clone()
	for _, f := range batch {
		next.Findings = append(next.Findings, f)
		next.AddModel(f.Model)
	}
	_, err = m.commit(ctx, cur, next, "")
	return err
}

func (m *Manager) synthesize(ctx context.Context, s *models.Session) error {
	ctx, span := m.tracer.Start(ctx, "research.Synthesize", trace.WithAttributes(
		attribute.String("session", s.ID),
		attribute.Int("findings", len(s.Findings)),
	))
	defer span.End()

	report, synthErr := m.compiler.Synthesize(ctx, CompileInput{
		Topic:      s.Topic,
		Plan:       s.CurrentPlan(),
		Findings:   s.Findings,
		ModelsUsed: s.ModelsUsed,
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := m.locks.Lock(s.ID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := m.store.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	if cur.State != models.StateSynthesizing {
		return errSessionStopped
	}

	next := cur.Clone()
	if synthErr != nil {
		span.RecordError(synthErr)
		span.SetStatus(codes.Error, "synthesis failed")
		if err := next.Transition(models.StateFailed); err != nil {
			return err
		}
		next.Failure = &models.Failure{
			Kind:    models.FailureSynthesis,
			Message: synthErr.Error(),
			At:      m.now(),
		}
		_, err = m.commit(ctx, cur, next, "synthesis failed")
		return err
	}

	if err := next.Transition(models.StateCompleted); err != nil {
		return err
	}
	next.Report = report
	for _, model := range report.ModelsUsed {
		next.AddModel(model)
	}
	if _, err := m.commit(ctx, cur, next, "report ready"); err != nil {
		return err
	}
	m.log.Info("session completed", zap.String("session", s.ID), zap.Int("themes", len(report.Themes)))
	return nil
}

// exhaustedFailure names the last failing step and its error.
func exhaustedFailure(findings []models.Finding, at time.Time) *models.Failure {
	f := &models.Failure{
		Kind:    models.FailureResearchExhausted,
		Message: fmt.Sprintf("%v: all %d research steps failed", ErrResearchExhausted, len(findings)),
		At:      at,
	}
	if len(findings) > 0 {
		last := findings[len(findings)-1]
		step := last.StepIndex
		f.StepIndex = &step
		f.Message += fmt.Sprintf("; step %d: %s", step, last.Error)
	}
	return f
}
