package flows

import (
	"context"
	"sync"

	"keel/internal/auth"
	"keel/internal/session"
)

// Provider names the social sign-in strategies.
type Provider string

const (
	ProviderApple    Provider = "apple"
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
)

// SocialState is a snapshot of the social sign-in flow. Loading is tracked
// per provider so only the tapped button spins; error and processing are
// shared across providers.
type SocialState struct {
	Loading      map[Provider]bool
	Error        string
	IsProcessing bool
}

// Social drives the provider buttons on the sign-in screen. The browser
// returning and the session actually being established can be arbitrarily
// separated in time, so completion is driven by a one-shot session-store
// subscription registered before the browser launches, not by the browser
// call returning.
type Social struct {
	service    *auth.Service
	sessions   *session.Store
	onSignedIn func()

	mu      sync.Mutex
	loading map[Provider]bool
	errMsg  string
	busy    bool
}

// NewSocial constructs the flow. onSignedIn runs once per completed
// sign-in, after the session store observes the new session.
func NewSocial(service *auth.Service, sessions *session.Store, onSignedIn func()) *Social {
	if onSignedIn == nil {
		onSignedIn = func() {}
	}
	return &Social{
		service:    service,
		sessions:   sessions,
		onSignedIn: onSignedIn,
		loading:    make(map[Provider]bool),
	}
}

func (f *Social) State() SocialState {
	f.mu.Lock()
	defer f.mu.Unlock()
	loading := make(map[Provider]bool, len(f.loading))
	for k, v := range f.loading {
		loading[k] = v
	}
	return SocialState{Loading: loading, Error: f.errMsg, IsProcessing: f.busy}
}

// SignIn runs one provider's flow. A second tap while any provider is
// processing is ignored. Cancellation clears state silently.
func (f *Social) SignIn(ctx context.Context, provider Provider) {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return
	}
	f.busy = true
	f.loading[provider] = true
	f.errMsg = ""
	f.mu.Unlock()

	// Register before launching: the SIGNED_IN push can arrive any time
	// after the browser closes.
	var once sync.Once
	var sub *session.Subscription
	sub = f.sessions.Subscribe(func(st session.State) {
		if st.Session == nil {
			return
		}
		once.Do(func() {
			f.finish(provider, "")
			f.onSignedIn()
		})
	})
	defer sub.Unsubscribe()

	outcome, err := f.run(ctx, provider)
	if err != nil {
		f.finish(provider, f.service.Classifier().Classify(ctx, err).Message())
		return
	}
	if outcome.Cancelled {
		f.finish(provider, "")
		return
	}
	// Success: the subscription observed (or will observe) the session and
	// already cleared state via once.
	once.Do(func() {
		f.finish(provider, "")
		f.onSignedIn()
	})
}

func (f *Social) run(ctx context.Context, provider Provider) (auth.OAuthOutcome, error) {
	switch provider {
	case ProviderApple:
		return f.service.SignInWithApple(ctx)
	case ProviderGoogle:
		return f.service.SignInWithGoogle(ctx)
	case ProviderFacebook:
		return f.service.SignInWithFacebook(ctx)
	default:
		return auth.OAuthOutcome{}, nil
	}
}

func (f *Social) finish(provider Provider, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading[provider] = false
	f.busy = false
	f.errMsg = errMsg
}
