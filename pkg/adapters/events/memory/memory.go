package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event channel closed")

// Interceptor is a pure transform over an event. Returning a different event
// (for example a rejection) vetoes the original one.
type Interceptor func(domain.Event) domain.Event

// EventChannel implements ports.EventBus in process.
//
// Every published event is stamped with an id, a timestamp and the next
// sequence number, passed through the interceptors in registration order and
// then delivered synchronously to matching subscribers in subscription
// order. Events published concurrently may reach subscribers in a different
// order than their sequence numbers; consumers that need a total order sort
// by Sequence.
type EventChannel struct {
	logger *zap.Logger

	mu           sync.Mutex
	seq          uint64
	nextID       uint64
	interceptors []Interceptor
	subscribers  []*subscription
	closed       bool
}

type subscription struct {
	id      uint64
	types   map[domain.EventType]struct{}
	handler ports.EventHandler
}

func (s *subscription) matches(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// NewEventChannel creates an empty event channel.
func NewEventChannel(logger *zap.Logger) *EventChannel {
	return &EventChannel{logger: logger}
}

// Use appends interceptors to the chain.
func (c *EventChannel) Use(interceptors ...Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ic := range interceptors {
		if ic != nil {
			c.interceptors = append(c.interceptors, ic)
		}
	}
}

// Publish stamps the event, runs the interceptor chain and delivers the
// result to subscribers. Handler errors are logged and do not stop delivery.
// An interceptor that panics vetoes the event; see veto.
func (c *EventChannel) Publish(ctx context.Context, event domain.Event) (domain.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return event, ErrClosed
	}
	c.seq++
	seq := c.seq
	interceptors := append([]Interceptor(nil), c.interceptors...)
	subscribers := append([]*subscription(nil), c.subscribers...)
	c.mu.Unlock()

	stamp(&event, seq)
	for i, ic := range interceptors {
		next, err := intercept(ic, event)
		if err != nil {
			c.logger.Error("event interceptor panicked",
				zap.Int("interceptor", i),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
			event = veto(event, err)
			stamp(&event, seq)
			break
		}
		event = next
		stamp(&event, seq)
	}

	for _, s := range subscribers {
		if !s.matches(event.Type) {
			continue
		}
		if err := s.handler(ctx, event); err != nil {
			c.logger.Warn("event handler failed",
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Uint64("sequence", event.Sequence),
				zap.Error(err))
		}
	}

	return event, nil
}

func intercept(ic Interceptor, event domain.Event) (out domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interceptor panic: %v", r)
		}
	}()
	return ic(event), nil
}

// veto replaces an event whose interceptor chain failed. Decisions become
// decision.rejected; anything else becomes event.vetoed carrying the
// original type.
func veto(event domain.Event, cause error) domain.Event {
	data := map[string]interface{}{
		"vetoed_type": string(event.Type),
		"error":       cause.Error(),
	}
	out := domain.Event{
		ID:        event.ID,
		Type:      domain.EventVetoed,
		RunID:     event.RunID,
		NodeID:    event.NodeID,
		Timestamp: event.Timestamp,
		Data:      data,
	}
	if event.Type == domain.EventDecisionValidated || event.Type == domain.EventDecisionRejected {
		for k, v := range event.Data {
			if _, ok := data[k]; !ok {
				data[k] = v
			}
		}
		data["violations"] = []domain.Violation{{
			Code:     "interceptor_failed",
			Severity: domain.SeverityError,
			Message:  cause.Error(),
		}}
		out.Type = domain.EventDecisionRejected
		out.Status = string(domain.ValidationRejected)
	}
	return out
}

// Subscribe registers a handler for the given event types (all types when
// none are given).
func (c *EventChannel) Subscribe(ctx context.Context, handler ports.EventHandler, types ...domain.EventType) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	c.nextID++
	sub := &subscription{id: c.nextID, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	c.subscribers = append(c.subscribers, sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() { c.unsubscribe(sub.id) })
	}

	// Clean up the subscription on context cancellation
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}

	return cancel, nil
}

// Sequence returns the last assigned sequence number.
func (c *EventChannel) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close drops all subscribers and rejects further publishes.
func (c *EventChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.subscribers = nil
	return nil
}

// unsubscribe removes a subscription by id
func (c *EventChannel) unsubscribe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subscribers {
		if s.id == id {
			c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
			return
		}
	}
}

func stamp(event *domain.Event, seq uint64) {
	event.Sequence = seq
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}
