package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/session"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"), session.DefaultOptions())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// archiveMockSession archives a finished topic session last touched at ts.
func archiveMockSession(t *testing.T, store *session.Store, id string, ts time.Time) {
	t.Helper()
	sess := &cq.Session{
		ID:        id,
		Context:   cq.Topic,
		Owner:     "ops",
		Status:    cq.StatusCompleted,
		Captured:  map[string]cq.Value{},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := store.Archive(context.Background(), sess); err != nil {
		t.Fatalf("archiving %s: %v", id, err)
	}
}

func archivedIDs(t *testing.T, store *session.Store) []string {
	t.Helper()
	records, err := store.ArchiveFor(context.Background(), cq.Location{Owner: "ops", Context: cq.Topic})
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.SessionID)
	}
	return ids
}

func TestPruneByAge_RemovesOldSessions(t *testing.T) {
	store := newStore(t)
	now := time.Now()
	archiveMockSession(t, store, "cq-old", now.AddDate(0, 0, -60))
	archiveMockSession(t, store, "cq-recent", now.AddDate(0, 0, -5))

	pruned, err := PruneByAge(context.Background(), store, "ops", 30, false)
	if err != nil {
		t.Fatalf("PruneByAge failed: %v", err)
	}

	if len(pruned) != 1 || pruned[0] != "cq-old" {
		t.Errorf("expected pruned=[cq-old], got %v", pruned)
	}
	if ids := archivedIDs(t, store); len(ids) != 1 || ids[0] != "cq-recent" {
		t.Errorf("expected archive=[cq-recent], got %v", ids)
	}
}

func TestPruneByAge_DryRun(t *testing.T) {
	store := newStore(t)
	now := time.Now()
	archiveMockSession(t, store, "cq-old", now.AddDate(0, 0, -60))

	pruned, err := PruneByAge(context.Background(), store, "ops", 30, true)
	if err != nil {
		t.Fatalf("PruneByAge dry run failed: %v", err)
	}

	if len(pruned) != 1 || pruned[0] != "cq-old" {
		t.Errorf("expected pruned=[cq-old], got %v", pruned)
	}
	if ids := archivedIDs(t, store); len(ids) != 1 {
		t.Errorf("dry run should not rewrite the archive, got %v", ids)
	}
}

func TestPruneByAge_NoScopes(t *testing.T) {
	pruned, err := PruneByAge(context.Background(), newStore(t), "nobody", 30, false)
	if err != nil {
		t.Fatalf("expected no error for unknown owner, got: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got %v", pruned)
	}
}

func TestPruneKeepRecent(t *testing.T) {
	store := newStore(t)
	now := time.Now()
	for i, id := range []string{"cq-1", "cq-2", "cq-3", "cq-4", "cq-5"} {
		archiveMockSession(t, store, id, now.Add(time.Duration(i)*time.Hour))
	}

	pruned, err := PruneKeepRecent(context.Background(), store, "ops", 3, false)
	if err != nil {
		t.Fatalf("PruneKeepRecent failed: %v", err)
	}

	if len(pruned) != 2 || pruned[0] != "cq-1" || pruned[1] != "cq-2" {
		t.Errorf("expected pruned=[cq-1 cq-2], got %v", pruned)
	}
	ids := archivedIDs(t, store)
	if len(ids) != 3 || ids[0] != "cq-3" || ids[2] != "cq-5" {
		t.Errorf("expected archive=[cq-3 cq-4 cq-5], got %v", ids)
	}
}

func TestPruneKeepRecent_FewerThanKeep(t *testing.T) {
	store := newStore(t)
	archiveMockSession(t, store, "cq-1", time.Now())

	pruned, err := PruneKeepRecent(context.Background(), store, "ops", 5, false)
	if err != nil {
		t.Fatalf("PruneKeepRecent failed: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got %v", pruned)
	}
}
