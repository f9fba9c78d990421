// Package audit records auth-significant actions: failed sign-ins, duplicate
// registrations, processed callbacks, password updates. Emission is
// best-effort; a broken sink never fails the flow that emitted.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the auth layer.
const (
	ActionSignInFailed      = "sign_in_failed"
	ActionSignUpDuplicate   = "sign_up_duplicate"
	ActionCallbackProcessed = "callback_processed"
	ActionPasswordUpdated   = "password_updated"
	ActionUnmatchedError    = "unmatched_error_pattern"
)

// Event is one recorded action. Keep it transport-agnostic so stores and
// sinks can fan out.
type Event struct {
	ID     string
	Time   time.Time
	UserID string
	Action string
	Detail map[string]string
}

// Store is an append-only event sink.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID string) ([]Event, error)
}

// MemoryStore keeps events in memory, newest last.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns a copy of every recorded event.
func (s *MemoryStore) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func stamp(event Event, clock func() time.Time) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = clock()
	}
	return event
}
