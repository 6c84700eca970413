// Package events fans session state transitions out to in-process listeners.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/models"
)

// TopicTransitions carries one message per durable session transition.
const TopicTransitions = "deepresearch.session.transitions"

// Transition is published after a state change has been persisted.
type Transition struct {
	SessionID   string       `json:"session_id"`
	Scope       models.Scope `json:"scope"`
	From        models.State `json:"from"`
	To          models.State `json:"to"`
	Revision    int64        `json:"revision"`
	PlanVersion int          `json:"plan_version"`
	Reason      string       `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

// Publisher is what the session manager needs from the bus.
type Publisher interface {
	Publish(t Transition) error
}

// Bus is a watermill in-memory pub/sub for transitions.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger
}

// NewBus creates a bus. Messages published with no subscribers are dropped.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewStdLogger(false, false),
		),
		log: log,
	}
}

func (b *Bus) Publish(t Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", t.SessionID)
	msg.Metadata.Set("to", string(t.To))
	if err := b.pubsub.Publish(TopicTransitions, msg); err != nil {
		return fmt.Errorf("publish transition: %w", err)
	}
	return nil
}

// Subscribe returns decoded transitions until ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Transition, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicTransitions)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Transition)
	go func() {
		defer close(out)
		for msg := range msgs {
			var t Transition
			if err := json.Unmarshal(msg.Payload, &t); err != nil {
				b.log.Warn("dropping malformed transition", zap.String("message_id", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			select {
			case out <- t:
				msg.Ack()
			case <-ctx.Done():
				msg.Ack()
				return
			}
		}
	}()
	return out, nil
}

// LogTransitions writes every transition to log until ctx is done.
func (b *Bus) LogTransitions(ctx context.Context, log *zap.Logger) error {
	ch, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for t := range ch {
			log.Info("session transition",
				zap.String("session", t.SessionID),
				zap.String("scope", t.Scope.String()),
				zap.String("from", string(t.From)),
				zap.String("to", string(t.To)),
				zap.Int64("revision", t.Revision),
				zap.Int("plan_version", t.PlanVersion),
				zap.String("reason", t.Reason))
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
