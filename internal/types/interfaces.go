// internal/types/interfaces.go
package types

import (
	"context"
)

type SessionStore interface {
	UpsertSession(ctx context.Context, in *SessionInput) (*Session, error)
	GetSession(ctx context.Context, externalID string) (*Session, error)
	GetSessionByID(ctx context.Context, id SessionID) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
}

type EventStore interface {
	InsertEvent(ctx context.Context, in *EventInput) (*Event, error)
	CountEventsForSession(ctx context.Context, id SessionID) (int64, error)
	TailEvents(ctx context.Context, id SessionID, limit int) ([]*Event, error)
}

// EventFeed is the read side the broadcaster polls.
type EventFeed interface {
	EventsAfter(ctx context.Context, sequence int64, limit int) ([]EventRow, error)
	MaxSequence(ctx context.Context) (int64, error)
}
