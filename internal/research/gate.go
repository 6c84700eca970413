package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/models"
)

// reviewable loads a session for an approval-gate decision. The caller holds
// the session lock. Version staleness is reported before state mismatches so a
// caller acting on an old plan learns which version is current.
func (m *Manager) reviewable(ctx context.Context, id string, version int) (*models.Session, error) {
	cur, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if active := cur.CurrentPlanVersion(); version != active {
		return nil, &StaleApprovalError{SessionID: id, Requested: version, Active: active}
	}
	if cur.State != models.StatePlanReview {
		return nil, fmt.Errorf("%w: session %s is %s, not %s", ErrConcurrentTransition, id, cur.State, models.StatePlanReview)
	}
	return cur, nil
}

// ApproveSession accepts plan version and starts research in the background.
func (m *Manager) ApproveSession(ctx context.Context, id string, version int) (*models.Session, error) {
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		return nil, fmt.Errorf("%w: session %s is busy", ErrConcurrentTransition, id)
	}
	defer unlock()

	cur, err := m.reviewable(ctx, id, version)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := next.Transition(models.StateResearching); err != nil {
		return nil, err
	}
	next.Decisions = append(next.Decisions, models.Decision{
		Kind:        models.DecisionApprove,
		PlanVersion: version,
		At:          m.now(),
	})
	saved, err := m.commit(ctx, cur, next, fmt.Sprintf("plan v%d approved", version))
	if err != nil {
		return nil, err
	}
	m.log.Info("plan approved", zap.String("session", id), zap.Int("plan_version", version))
	m.spawn(id)
	return saved, nil
}

// RequestModification rejects plan version with feedback and regenerates.
// The plan_pending state and feedback are persisted before the model is
// called, so a crash or model failure leaves a resumable session.
func (m *Manager) RequestModification(ctx context.Context, id string, version int, feedback string) (*models.Session, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, validationErr("feedback", "must not be empty")
	}

	unlock, ok := m.locks.TryLock(id)
	if !ok {
		return nil, fmt.Errorf("%w: session %s is busy", ErrConcurrentTransition, id)
	}
	defer unlock()

	cur, err := m.reviewable(ctx, id, version)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := next.Transition(models.StatePlanPending); err != nil {
		return nil, err
	}
	next.PendingFeedback = feedback
	next.Decisions = append(next.Decisions, models.Decision{
		Kind:        models.DecisionModify,
		PlanVersion: version,
		Feedback:    feedback,
		At:          m.now(),
	})
	pending, err := m.commit(ctx, cur, next, fmt.Sprintf("plan v%d sent back", version))
	if err != nil {
		return nil, err
	}
	return m.generatePlan(context.WithoutCancel(ctx), pending, nil, feedback)
}

// CancelSession stops a non-terminal session. In-flight planning or research
// is interrupted on a best-effort basis.
func (m *Manager) CancelSession(ctx context.Context, id string) (*models.Session, error) {
	m.interrupt(id)
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrAlreadyTerminal, id, cur.State)
	}
	next := cur.Clone()
	if err := next.Transition(models.StateCancelled); err != nil {
		return nil, err
	}
	next.Decisions = append(next.Decisions, models.Decision{
		Kind:        models.DecisionCancel,
		PlanVersion: cur.CurrentPlanVersion(),
		At:          m.now(),
	})
	saved, err := m.commit(ctx, cur, next, "cancelled by user")
	if err != nil {
		return nil, err
	}
	// Work started between the first interrupt and the lock sees it here.
	m.interrupt(id)
	m.log.Info("session cancelled", zap.String("session", id), zap.String("from", string(cur.State)))
	return saved, nil
}

// ResumeSession re-drives a session that stopped mid-flight. plan_pending
// sessions regenerate their plan synchronously; researching and synthesizing
// sessions continue in the background. Other states are returned unchanged.
func (m *Manager) ResumeSession(ctx context.Context, id string) (*models.Session, error) {
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		return nil, fmt.Errorf("%w: session %s is busy", ErrConcurrentTransition, id)
	}
	defer unlock()

	cur, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch cur.State {
	case models.StatePlanPending:
		return m.generatePlan(context.WithoutCancel(ctx), cur, nil, pendingFeedback(cur))
	case models.StateResearching, models.StateSynthesizing:
		if m.spawn(id) {
			m.log.Info("session resumed", zap.String("session", id), zap.String("state", string(cur.State)))
		}
	}
	return cur, nil
}

// pendingFeedback returns the feedback a plan_pending session is waiting to
// have applied, or "" when it awaits its first plan.
func pendingFeedback(s *models.Session) string {
	if s.CurrentPlan() == nil {
		return ""
	}
	return s.PendingFeedback
}
