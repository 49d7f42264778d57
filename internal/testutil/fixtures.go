// Package testutil provides test helper utilities for trivium tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/berth-dev/trivium/internal/cq"
)

// TempWorkspace creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// NewOwner returns files for an owner who has not onboarded yet.
func NewOwner(owner string) map[string]string {
	return map[string]string{
		owner + "/owner.md": "---\nowner: " + owner + "\nonboarding_status: not_started\n---\n",
	}
}

// BoundOwner returns files for an owner with a delivery channel, so
// onboarding completion schedules the daily brief.
func BoundOwner(owner, channel string) map[string]string {
	return map[string]string{
		owner + "/owner.md": fmt.Sprintf("---\nowner: %s\nchannel_id: %s\ntimezone: UTC\n---\n", owner, channel),
	}
}

// SeededProfile returns a profile whose fields satisfy every onboarding slot
// except the logic quota.
func SeededProfile(owner string) map[string]string {
	return map[string]string{
		owner + "/profile.md": `---
mission: Help small teams ship reliable software every week
scope: Delivery practices and release tooling, not hiring
non_negotiables:
  - never ship untested code
success_signals:
  - weekly releases happen on schedule
  - customer incidents trend steadily down
---
# Profile
`,
	}
}

// Project returns files for an existing project artifact.
func Project(owner, slug, title string) map[string]string {
	return map[string]string{
		filepath.Join(owner, "projects", slug, "project.md"): fmt.Sprintf("---\ntitle: %s\nslug: %s\nstatus: active\n---\n# %s\n", title, slug, title),
	}
}

// Merge combines file maps; later maps win.
func Merge(sets ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

// MemoryDocuments is an in-memory cq.DocumentStore.
type MemoryDocuments struct {
	mu   sync.Mutex
	docs map[cq.ArtifactRef]*cq.Document
	// FailWrites makes every Write return an error.
	FailWrites bool
}

var _ cq.DocumentStore = (*MemoryDocuments)(nil)

// NewMemoryDocuments returns an empty store.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: map[cq.ArtifactRef]*cq.Document{}}
}

func (m *MemoryDocuments) Read(_ context.Context, ref cq.ArtifactRef) (*cq.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[ref]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", ref.Owner, ref.Kind, cq.ErrArtifactNotFound)
	}
	return copyDoc(doc), nil
}

func (m *MemoryDocuments) Write(_ context.Context, ref cq.ArtifactRef, doc *cq.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errors.New("document store is read-only")
	}
	m.docs[ref] = copyDoc(doc)
	return nil
}

// Put stores doc without going through Write.
func (m *MemoryDocuments) Put(ref cq.ArtifactRef, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[ref] = &cq.Document{Fields: fields}
}

// Get returns the stored document, or nil.
func (m *MemoryDocuments) Get(ref cq.ArtifactRef) *cq.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[ref]; ok {
		return copyDoc(doc)
	}
	return nil
}

func copyDoc(doc *cq.Document) *cq.Document {
	fields := make(map[string]any, len(doc.Fields))
	for k, v := range doc.Fields {
		fields[k] = v
	}
	return &cq.Document{Fields: fields, Body: doc.Body}
}

// RecordingScheduler records every job it is asked to upsert.
type RecordingScheduler struct {
	mu   sync.Mutex
	Jobs []cq.JobConfig
	Err  error
}

var _ cq.Scheduler = (*RecordingScheduler)(nil)

func (r *RecordingScheduler) UpsertRecurringJob(_ context.Context, cfg cq.JobConfig) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", "", r.Err
	}
	action := "created"
	if len(r.Jobs) > 0 {
		action = "updated"
	}
	r.Jobs = append(r.Jobs, cfg)
	return action, "job-" + cfg.Owner, nil
}

// MemoryJournal collects journal entries.
type MemoryJournal struct {
	mu      sync.Mutex
	Entries []string
	Err     error
}

var _ cq.Journal = (*MemoryJournal)(nil)

func (j *MemoryJournal) AppendEntry(_ context.Context, owner, entry, source string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return "", j.Err
	}
	j.Entries = append(j.Entries, "["+source+"] "+entry)
	return owner + "/journal", nil
}
