package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mssola/useragent"

	dErrors "keel/pkg/domain-errors"
)

// Loopback is a BrowserOpener that captures the OAuth return leg on a local
// HTTP listener. Used by the demo binary and desktop-style environments
// where the provider redirects a real browser back to 127.0.0.1.
type Loopback struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	launch   func(url string) error
	returns  chan string
}

// LoopbackOption configures a Loopback instance.
type LoopbackOption func(*Loopback)

// WithLoopbackLogger sets the logger.
func WithLoopbackLogger(logger *slog.Logger) LoopbackOption {
	return func(l *Loopback) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLauncher sets the function that opens the authorization URL in a
// browser. The default only logs the URL for the operator to open.
func WithLauncher(launch func(url string) error) LoopbackOption {
	return func(l *Loopback) {
		if launch != nil {
			l.launch = launch
		}
	}
}

// NewLoopback binds an ephemeral port on 127.0.0.1 and starts serving the
// callback route. Call Close when done.
func NewLoopback(opts ...LoopbackOption) (*Loopback, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind oauth loopback: %w", err)
	}

	l := &Loopback{
		listener: listener,
		logger:   slog.Default(),
		returns:  make(chan string, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.launch == nil {
		l.launch = func(url string) error {
			l.logger.Info("open this URL in a browser to continue", "url", url)
			return nil
		}
	}

	r := chi.NewRouter()
	r.Get("/auth/callback", l.handleCallback)
	l.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := l.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.logger.Warn("oauth loopback server stopped", "error", err)
		}
	}()

	return l, nil
}

func (l *Loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	ua := useragent.New(r.UserAgent())
	name, version := ua.Browser()
	l.logger.Info("oauth callback captured",
		"browser", name,
		"browser_version", version,
		"mobile", ua.Mobile(),
	)

	select {
	case l.returns <- "http://" + r.Host + r.URL.String():
	default:
		// A second hit on the same round-trip; the first one won.
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><p>Sign-in complete. You can close this window.</p></body></html>")
}

// RedirectURL returns the loopback callback address.
func (l *Loopback) RedirectURL() string {
	return fmt.Sprintf("http://%s/auth/callback", l.listener.Addr().String())
}

// Open launches the authorization URL and waits for the return leg.
// A cancelled context before the callback arrives reports a dismissed
// flow rather than an error.
func (l *Loopback) Open(ctx context.Context, authURL string) (BrowserResult, error) {
	if err := l.launch(authURL); err != nil {
		return BrowserResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "launch browser")
	}

	select {
	case url := <-l.returns:
		return BrowserResult{URL: url}, nil
	case <-ctx.Done():
		return BrowserResult{Cancelled: true}, nil
	}
}

// Close stops the listener.
func (l *Loopback) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}
