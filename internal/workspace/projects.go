package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/heuristics"
)

// ProjectInfo is a listing row for one project artifact.
type ProjectInfo struct {
	Slug  string
	Title string
}

// ListProjects returns the owner's projects sorted by slug.
func (w *Workspace) ListProjects(owner string) ([]ProjectInfo, error) {
	if !nameRe.MatchString(owner) {
		return nil, fmt.Errorf("invalid owner name %q", owner)
	}
	entries, err := os.ReadDir(filepath.Join(w.root, owner, "projects"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading projects directory: %w", err)
	}

	var projects []ProjectInfo
	for _, entry := range entries {
		if !entry.IsDir() || !nameRe.MatchString(entry.Name()) {
			continue
		}
		info := ProjectInfo{Slug: entry.Name()}
		doc, err := readDocument(filepath.Join(w.root, owner, "projects", entry.Name(), "project.md"))
		if err != nil {
			continue
		}
		info.Title = heuristics.CoerceScalar(doc.Fields["title"])
		projects = append(projects, info)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Slug < projects[j].Slug })
	return projects, nil
}

// ResolveProject maps a slug, title or loose query to a project slug. An
// exact slug or title wins; otherwise the best fuzzy match is used.
func (w *Workspace) ResolveProject(owner, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("empty project query: %w", cq.ErrArtifactNotFound)
	}
	projects, err := w.ListProjects(owner)
	if err != nil {
		return "", err
	}

	candidates := make([]string, len(projects))
	for i, p := range projects {
		if p.Slug == query || strings.EqualFold(p.Title, query) || p.Slug == Slugify(query) {
			return p.Slug, nil
		}
		candidates[i] = p.Slug + " " + p.Title
	}

	matches := fuzzy.Find(query, candidates)
	if len(matches) == 0 {
		return "", fmt.Errorf("project %q: %w", query, cq.ErrArtifactNotFound)
	}
	return projects[matches[0].Index].Slug, nil
}
