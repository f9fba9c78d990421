package guard

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"keel/internal/auth"
	"keel/internal/backend"
	"keel/internal/callback"
	dErrors "keel/pkg/domain-errors"
)

var deepLinks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keel_deeplink_outcomes_total",
	Help: "Deep-link handling outcomes by classification",
}, []string{"kind", "outcome"})

// ErrLinkBusy reports a different link arriving while one is still being
// exchanged. The newcomer is dropped, not queued: the first link decides.
var ErrLinkBusy = dErrors.New(dErrors.CodeConflict, "another link is being processed")

// DeepLinkProcessor reconciles incoming URLs ahead of the guard's rules.
// Until a link has been classified (and any OTP exchange finished) the
// guard's "link ready" gate stays closed, so rule evaluation cannot race
// the exchange.
type DeepLinkProcessor struct {
	service *auth.Service
	guard   *Guard
	logger  *slog.Logger

	mu           sync.Mutex
	lastURL      string
	hasLast      bool
	ready        bool
	processing   bool
	justVerified bool
}

// ProcessorOption configures a DeepLinkProcessor instance.
type ProcessorOption func(*DeepLinkProcessor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *DeepLinkProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewDeepLinkProcessor builds the processor. A launch with no incoming URL
// should call MarkReady directly.
func NewDeepLinkProcessor(service *auth.Service, g *Guard, opts ...ProcessorOption) *DeepLinkProcessor {
	p := &DeepLinkProcessor{
		service: service,
		guard:   g,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// MarkReady opens the guard's link gate without a URL.
func (p *DeepLinkProcessor) MarkReady() {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
}

// Ready reports whether link evaluation has settled.
func (p *DeepLinkProcessor) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Processing reports whether an OTP exchange is in flight.
func (p *DeepLinkProcessor) Processing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// JustVerified reports the transient "email was verified by the last link"
// flag, consumed by the guard's rule for the email-verified screen.
func (p *DeepLinkProcessor) JustVerified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.justVerified
}

// ClearJustVerified drops the transient flag once the user leaves the
// email-verified screen.
func (p *DeepLinkProcessor) ClearJustVerified() {
	p.mu.Lock()
	p.justVerified = false
	p.mu.Unlock()
}

// GuardInputs merges the processor's gates into rule inputs.
func (p *DeepLinkProcessor) GuardInputs(in Inputs) Inputs {
	p.mu.Lock()
	defer p.mu.Unlock()
	in.LinkReady = p.ready
	in.LinkProcessing = p.processing
	in.JustVerified = p.justVerified
	return in
}

// HandleURL reconciles one incoming URL. Duplicate deliveries of the same
// link are no-ops; OAuth callbacks are left to the auth service's own
// browser return path; only recovery and signup-verify OTP links trigger
// an exchange here.
func (p *DeepLinkProcessor) HandleURL(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.hasLast && url == p.lastURL {
		p.ready = true
		p.mu.Unlock()
		deepLinks.WithLabelValues("duplicate", "deduped").Inc()
		return nil
	}
	if p.processing {
		p.mu.Unlock()
		deepLinks.WithLabelValues("overlap", "dropped").Inc()
		return ErrLinkBusy
	}
	p.lastURL = url
	p.hasLast = true

	if callback.IsOAuthCallback(url) {
		p.ready = true
		p.mu.Unlock()
		deepLinks.WithLabelValues(string(callback.KindOAuth), "deferred").Inc()
		return nil
	}

	kind := callback.Classify(url)
	if kind != callback.KindRecovery && kind != callback.KindVerify {
		p.ready = true
		p.mu.Unlock()
		deepLinks.WithLabelValues(string(kind), "ignored").Inc()
		return nil
	}

	p.processing = true
	p.mu.Unlock()

	result, err := p.service.ProcessAuthCallback(ctx, url)

	p.mu.Lock()
	p.processing = false
	p.ready = true
	if err == nil && kind == callback.KindVerify {
		p.justVerified = true
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("otp link exchange failed", "kind", string(kind), "error", err)
		deepLinks.WithLabelValues(string(kind), "failed").Inc()
		// Safe fallbacks: the user can restart the flow from here.
		if kind == callback.KindRecovery {
			p.guard.Replace(RouteForgotPassword, true, "recovery_link_failed")
		} else {
			p.guard.Replace(RouteSignIn, true, "verify_link_failed")
		}
		return err
	}

	deepLinks.WithLabelValues(string(kind), "ok").Inc()
	switch {
	case result.Mode == auth.ModeOTP && result.OTPType == backend.OTPRecovery:
		p.guard.Replace(RouteResetPassword, true, "recovery_link")
	case result.Mode == auth.ModeOTP:
		p.guard.Replace(RouteEmailVerified, true, "verify_link")
	}
	return nil
}
