// Package state provides the embedded SQLite store for sessions and events.
package state

import "github.com/user/chronicle/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*Store)(nil)
var _ types.EventStore = (*Store)(nil)
var _ types.EventFeed = (*Store)(nil)
