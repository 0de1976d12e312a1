// Package realtime fans row changes out to the change-feed connections of
// their owner.
package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

const DefaultBuffer = 64

// Publisher accepts committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

// Hub delivers events to the subscriptions of the event's owner. A
// subscription that cannot keep up is dropped instead of blocking publishers;
// its client sees the stream end and resyncs.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	buffer int
	logger *zap.Logger
}

func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

type Subscription struct {
	hub    *Hub
	userID string
	events chan model.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (h *Hub) Subscribe(userID string) *Subscription {
	s := &Subscription{
		hub:    h,
		userID: userID,
		events: make(chan model.ChangeEvent, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][s] = struct{}{}
	return s
}

func (s *Subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

// Done is closed when the subscription was closed or dropped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscription) {
	if set, ok := h.subs[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.userID)
		}
	}
	s.once.Do(func() { close(s.done) })
}

// Publish never blocks.
func (h *Hub) Publish(ctx context.Context, ev model.ChangeEvent) error {
	userID := ev.UserID()
	if userID == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[userID] {
		select {
		case s.events <- ev:
		default:
			h.logger.Warn("dropping slow change feed subscriber",
				zap.String("user_id", userID),
				zap.String("task_id", ev.TaskID()),
			)
			h.removeLocked(s)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// Close ends every subscription so open streams finish before shutdown.
// Subscriptions made afterwards are done immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			h.removeLocked(s)
		}
	}
}
