// internal/state/session_test.go
package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/chronicle/internal/types"
)

func TestUpsertSessionSingleRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertSession(ctx, &types.SessionInput{
		ExternalID:  "ext-1",
		ProjectPath: "/work/app",
		Branch:      "main",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == "" {
		t.Fatal("expected server-assigned id")
	}

	second, err := store.UpsertSession(ctx, &types.SessionInput{
		ExternalID: "ext-1",
		Branch:     "feature/x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same id %s, got %s", first.ID, second.ID)
	}
	if second.Branch != "feature/x" {
		t.Errorf("expected latest branch, got %q", second.Branch)
	}
	if second.ProjectPath != "/work/app" {
		t.Errorf("expected project path kept, got %q", second.ProjectPath)
	}

	list, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected exactly one row, got %d", len(list))
	}
}

func TestUpsertSessionValidation(t *testing.T) {
	store := openTestStore(t)
	_, err := store.UpsertSession(context.Background(), &types.SessionInput{})
	if !types.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestUpsertSessionSetsEndTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute).UTC()
	if _, err := store.UpsertSession(ctx, &types.SessionInput{ExternalID: "ext-2", StartTime: start}); err != nil {
		t.Fatal(err)
	}
	end := time.Now().UTC()
	sess, err := store.UpsertSession(ctx, &types.SessionInput{ExternalID: "ext-2", EndTime: &end})
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndTime == nil || !sess.EndTime.Equal(end) {
		t.Errorf("expected end time %v, got %v", end, sess.EndTime)
	}
	if !sess.StartTime.Equal(start) {
		t.Errorf("expected start time unchanged, got %v", sess.StartTime)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetSessionByID(ctx, types.NewSessionID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
