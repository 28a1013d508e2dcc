// Package backend routes producer writes to the local collector, the hosted
// backend, or the embedded store, falling back to the store whenever the
// preferred backends are unavailable.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/chronicle/internal/types"
)

// ErrBackendUnavailable marks a failed health check or write on a
// non-store backend. It is recovered by falling back and never reaches the
// producer.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Backend is one place a session or event can be written.
type Backend interface {
	Name() string
	SaveSession(ctx context.Context, in *types.SessionInput) (string, error)
	SaveEvent(ctx context.Context, in *types.EventInput) error
	HealthCheck(ctx context.Context) error
}

// Mode selects which non-store backends are preferred.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeAuto   Mode = "auto"
)

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLocal, ModeRemote, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("unknown backend mode %q (want local, remote or auto)", s)
}
