package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/user/chronicle/internal/types"
	"github.com/user/chronicle/pkg/ingest"
)

// HTTPBackend is a network backend speaking the ingest protocol: the local
// collector or the hosted service.
type HTTPBackend struct {
	name   string
	client *ingest.Client
}

// NewHTTPBackend creates a named network backend.
func NewHTTPBackend(name string, client *ingest.Client) *HTTPBackend {
	return &HTTPBackend{name: name, client: client}
}

func (b *HTTPBackend) Name() string { return b.name }

func (b *HTTPBackend) SaveSession(ctx context.Context, in *types.SessionInput) (string, error) {
	id, err := b.client.PostSession(ctx, in)
	if err != nil {
		return "", b.unavailable("save session", err)
	}
	return id, nil
}

func (b *HTTPBackend) SaveEvent(ctx context.Context, in *types.EventInput) error {
	if err := b.client.PostEvent(ctx, in); err != nil {
		return b.unavailable("save event", err)
	}
	return nil
}

func (b *HTTPBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.Health(ctx); err != nil {
		return b.unavailable("health check", err)
	}
	return nil
}

func (b *HTTPBackend) unavailable(op string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", b.name, op, ErrBackendUnavailable, err)
}

// isTransient reports whether a network failure is worth a second attempt
// against the same backend: overload and gateway statuses only. Refused
// connections and timeouts move on to the next backend instead.
func isTransient(err error) bool {
	var se *ingest.StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
