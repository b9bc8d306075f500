// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/artifact-analyst/internal/api/web"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

const readinessTimeout = 2 * time.Second

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Store is pinged by the readiness probe. Nil means always ready.
	Store Pinger
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/liveness", web.Handle(cfg.Log, liveness(cfg)))
	r.Get("/readiness", web.Handle(cfg.Log, readiness(cfg)))
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

// Encode implements the web.Encoder interface.
func (hr healthResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(hr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func liveness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		return healthResponse{
			Status: "ok",
			Build:  cfg.Build,
		}
	}
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string `json:"status"`
	code   int
}

// Encode implements the web.Encoder interface.
func (rr readyResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(rr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func (rr readyResponse) HTTPStatus() int { return rr.code }

func readiness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		if cfg.Store != nil {
			ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
			defer cancel()
			if err := cfg.Store.Ping(ctx); err != nil {
				cfg.Log.Warn(ctx, "readiness check failed", "error", err)
				return readyResponse{Status: "db not ready", code: http.StatusServiceUnavailable}
			}
		}
		return readyResponse{Status: "ready", code: http.StatusOK}
	}
}
