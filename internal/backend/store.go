package backend

import (
	"context"

	"github.com/user/chronicle/internal/types"
)

// EmbeddedStore is the subset of the SQLite store the fallback path needs.
type EmbeddedStore interface {
	UpsertSession(ctx context.Context, in *types.SessionInput) (*types.Session, error)
	InsertEvent(ctx context.Context, in *types.EventInput) (*types.Event, error)
	Ping(ctx context.Context) error
	Path() string
	Size() int64
}

// StoreBackend writes straight into the embedded store.
type StoreBackend struct {
	store    EmbeddedStore
	onInsert func(*types.Event)
}

// NewStoreBackend wraps store. onInsert, if non-nil, is called after every
// stored event; the server uses it to wake the broadcaster.
func NewStoreBackend(store EmbeddedStore, onInsert func(*types.Event)) *StoreBackend {
	return &StoreBackend{store: store, onInsert: onInsert}
}

func (b *StoreBackend) Name() string { return "store" }

func (b *StoreBackend) SaveSession(ctx context.Context, in *types.SessionInput) (string, error) {
	sess, err := b.store.UpsertSession(ctx, in)
	if err != nil {
		return "", err
	}
	return string(sess.ID), nil
}

func (b *StoreBackend) SaveEvent(ctx context.Context, in *types.EventInput) error {
	ev, err := b.store.InsertEvent(ctx, in)
	if err != nil {
		return err
	}
	if b.onInsert != nil {
		b.onInsert(ev)
	}
	return nil
}

func (b *StoreBackend) HealthCheck(ctx context.Context) error {
	return b.store.Ping(ctx)
}

func (b *StoreBackend) Path() string { return b.store.Path() }
func (b *StoreBackend) Size() int64  { return b.store.Size() }
