package research

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/models"
)

// ExpireStaleReviews cancels sessions that have waited in plan_review for
// longer than ttl, recording an expire decision. Sessions busy with another
// call are skipped until the next sweep.
func (m *Manager) ExpireStaleReviews(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	cutoff := m.now().Add(-ttl)
	expired := 0
	for _, s := range active {
		if s.State != models.StatePlanReview || s.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := m.expire(ctx, s.ID, cutoff)
		if err != nil {
			m.log.Warn("expire review", zap.String("session", s.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		return false, nil
	}
	defer unlock()

	cur, err := m.get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.State != models.StatePlanReview || cur.UpdatedAt.After(cutoff) {
		return false, nil
	}
	next := cur.Clone()
	if err := next.Transition(models.StateCancelled); err != nil {
		return false, err
	}
	next.Decisions = append(next.Decisions, models.Decision{
		Kind:        models.DecisionExpire,
		PlanVersion: cur.CurrentPlanVersion(),
		At:          m.now(),
	})
	if _, err := m.commit(ctx, cur, next, "review expired"); err != nil {
		return false, err
	}
	m.log.Info("review expired", zap.String("session", id), zap.Time("idle_since", cur.UpdatedAt))
	return true, nil
}

// StartSweeper runs ExpireStaleReviews every interval until Close.
func (m *Manager) StartSweeper(ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.base.Done():
				return
			case <-ticker.C:
				if _, err := m.ExpireStaleReviews(m.base, ttl); err != nil {
					m.log.Warn("review sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
