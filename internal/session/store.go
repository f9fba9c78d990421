// Package session holds the cached auth session and fans backend auth
// transitions out to observers. It is the single writer for session state;
// every other package reads snapshots or subscribes.
package session

import (
	"context"
	"log/slog"
	"sync"

	"keel/internal/backend"
	"keel/internal/onboarding"
	"keel/internal/platform/metrics"
)

// State is an immutable snapshot of the session store.
type State struct {
	Session *backend.Session
	User    *backend.User
	// IsLoading is true from construction until Initialize finishes,
	// whether it succeeded or not. It never flips back to true.
	IsLoading bool
	// IsRecoverySession marks a session minted from a password-recovery
	// token. While set, the holder may only reset their password.
	IsRecoverySession bool
}

// Observer receives state snapshots after each transition. Observers are
// called outside the store's lock and must not block; calling back into the
// store from an observer is allowed.
type Observer func(State)

// Subscription is the handle for one observer registration.
type Subscription struct {
	cancel func()
}

// Unsubscribe removes the observer. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Store owns the cached session and the backend event subscription.
type Store struct {
	client backend.Client
	flags  onboarding.Store
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	backendSub backend.Subscription

	observers    map[int]Observer
	nextObserver int
}

// Option configures a Store instance.
type Option func(*Store)

// WithLogger sets the logger for session lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a session store in the loading state. Call Initialize to
// restore any persisted session and start receiving backend events.
func New(client backend.Client, flags onboarding.Store, opts ...Option) *Store {
	s := &Store{
		client:    client,
		flags:     flags,
		logger:    slog.Default(),
		state:     State{IsLoading: true},
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Initialize restores the persisted session and subscribes to backend auth
// events. It is idempotent: calling it again tears down the previous
// subscription and re-restores. Loading ends exactly once, on the first
// call, regardless of outcome. A restore failure leaves the store in the
// signed-out state rather than propagating the error.
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.backendSub != nil {
		s.backendSub.Unsubscribe()
		s.backendSub = nil
	}
	s.mu.Unlock()

	sess, err := s.client.GetSession(ctx)
	if err != nil {
		s.logger.Warn("session restore failed, starting signed out", "error", err)
		sess = nil
	}

	s.mu.Lock()
	s.state.Session = sess
	if sess != nil {
		s.state.User = sess.User
	} else {
		s.state.User = nil
		s.state.IsRecoverySession = false
	}
	s.state.IsLoading = false
	s.backendSub = s.client.OnAuthStateChange(s.handleAuthChange)
	snapshot := s.state
	observers := s.observerList()
	s.mu.Unlock()

	if sess != nil && sess.User != nil {
		s.migrateLegacyOnboarding(ctx, sess.User.ID)
	}

	notify(observers, snapshot)
}

func (s *Store) handleAuthChange(event backend.Event, sess *backend.Session) {
	metrics.SessionTransitions.WithLabelValues(string(event)).Inc()

	s.mu.Lock()
	switch event {
	case backend.EventSignedOut:
		s.state.Session = nil
		s.state.User = nil
		s.state.IsRecoverySession = false
	case backend.EventPasswordRecovery:
		s.state.Session = sess
		if sess != nil {
			s.state.User = sess.User
		}
		s.state.IsRecoverySession = true
	case backend.EventSignedIn, backend.EventTokenRefreshed,
		backend.EventUserUpdated, backend.EventInitialSession:
		// Recovery status is owned by the recovery flow; a refresh or
		// profile update during recovery must not clear it.
		s.state.Session = sess
		if sess != nil {
			s.state.User = sess.User
		}
	default:
		s.mu.Unlock()
		s.logger.Debug("ignoring unknown auth event", "event", string(event))
		return
	}
	snapshot := s.state
	observers := s.observerList()
	s.mu.Unlock()

	s.logger.Debug("auth state changed", "event", string(event), "signed_in", snapshot.Session != nil)

	if event == backend.EventSignedIn && sess != nil && sess.User != nil {
		s.migrateLegacyOnboarding(context.Background(), sess.User.ID)
	}

	notify(observers, snapshot)
}

func (s *Store) migrateLegacyOnboarding(ctx context.Context, userID string) {
	if err := onboarding.Migrate(ctx, s.flags, userID); err != nil {
		s.logger.Warn("legacy onboarding migration failed", "error", err, "user_id", userID)
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer and immediately delivers the current
// state to it.
func (s *Store) Subscribe(fn Observer) *Subscription {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	snapshot := s.state
	s.mu.Unlock()

	fn(snapshot)

	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}}
}

// SignOut ends the backend session and clears local state. The local clear
// happens even when the backend call fails, so a dead network never traps
// the user in a signed-in shell. Onboarding flags are left untouched.
func (s *Store) SignOut(ctx context.Context) {
	if err := s.client.SignOut(ctx); err != nil {
		s.logger.Warn("backend sign-out failed, clearing local session anyway", "error", err)
	}

	s.mu.Lock()
	s.state.Session = nil
	s.state.User = nil
	s.state.IsRecoverySession = false
	snapshot := s.state
	observers := s.observerList()
	s.mu.Unlock()

	notify(observers, snapshot)
}

// SetRecoverySession marks or clears the recovery restriction.
func (s *Store) SetRecoverySession(v bool) {
	s.mu.Lock()
	s.state.IsRecoverySession = v
	snapshot := s.state
	observers := s.observerList()
	s.mu.Unlock()

	notify(observers, snapshot)
}

// ClearRecoveryAndSignOut drops the recovery restriction first so no
// observer sees a non-recovery signed-in state in between, then signs out.
func (s *Store) ClearRecoveryAndSignOut(ctx context.Context) {
	s.mu.Lock()
	s.state.IsRecoverySession = false
	s.mu.Unlock()
	s.SignOut(ctx)
}

// IsOnboarded reports the onboarding flag for the signed-in user. Without a
// known user it reads the legacy global slot, which the next sign-in will
// migrate onto that user.
func (s *Store) IsOnboarded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	user := s.state.User
	s.mu.Unlock()

	if user == nil {
		v, _, err := s.flags.LegacyGlobal(ctx)
		return v, err
	}
	return s.flags.Get(ctx, user.ID)
}

// SetOnboarded records onboarding completion for the signed-in user.
// Without a known user the flag lands in the legacy global slot.
func (s *Store) SetOnboarded(ctx context.Context, onboarded bool) error {
	s.mu.Lock()
	user := s.state.User
	s.mu.Unlock()

	if user == nil {
		return s.flags.SetLegacyGlobal(ctx, onboarded)
	}
	return s.flags.Set(ctx, user.ID, onboarded)
}

// EnterForeground resumes the backend's token auto-refresh loop. Call on
// app activation so a stale access token is refreshed promptly.
func (s *Store) EnterForeground() {
	s.client.StartAutoRefresh()
}

// EnterBackground pauses the auto-refresh loop.
func (s *Store) EnterBackground() {
	s.client.StopAutoRefresh()
}

// Close tears down the backend subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backendSub != nil {
		s.backendSub.Unsubscribe()
		s.backendSub = nil
	}
}

// observerList must be called with the lock held.
func (s *Store) observerList() []Observer {
	list := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		list = append(list, fn)
	}
	return list
}

func notify(observers []Observer, snapshot State) {
	for _, fn := range observers {
		fn(snapshot)
	}
}
