package httpserver

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the health probe contract every backing service adapter exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healthz is the liveness probe; it never touches dependencies.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports readiness by pinging the named dependencies. A single
// failing dependency degrades the whole probe to 503.
func Readyz(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status := http.StatusOK
		report := make(map[string]string, len(deps))
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		writeJSON(w, status, report)
	}
}
