package flows

import (
	"context"
	"sync"

	"keel/internal/auth"
	dErrors "keel/pkg/domain-errors"
)

// SignUpState is a snapshot of the registration flow. Duplicate is distinct
// from Error: the screen shows a "sign in instead" affordance rather than a
// generic banner.
type SignUpState struct {
	Loading           bool
	Error             string
	Duplicate         bool
	NeedsConfirmation bool
}

// SignUp drives the registration screen.
type SignUp struct {
	service *auth.Service

	mu    sync.Mutex
	state SignUpState
}

func NewSignUp(service *auth.Service) *SignUp {
	return &SignUp{service: service}
}

func (f *SignUp) State() SignUpState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Submit registers an account. Returns the outcome on success, nil
// otherwise; the terminal state is always readable via State.
func (f *SignUp) Submit(ctx context.Context, email, password, fullName string) *auth.SignUpOutcome {
	f.mu.Lock()
	if f.state.Loading {
		f.mu.Unlock()
		return nil
	}
	f.state = SignUpState{Loading: true}
	f.mu.Unlock()

	out, err := f.service.SignUp(ctx, email, password, fullName)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Loading = false

	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			f.state.Duplicate = true
			return nil
		}
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			f.state.Error = err.Error()
			return nil
		}
		f.state.Error = f.service.Classifier().Classify(ctx, err).Message()
		return nil
	}

	f.state.NeedsConfirmation = out.NeedsConfirmation
	return out
}
