// Package httpserver builds the process HTTP server for the small
// metrics/health surface the binary exposes.
package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with timeouts sized for short scrape and probe
// requests; idle keep-alive connections from the metrics scraper are kept
// around longer than any single request.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
