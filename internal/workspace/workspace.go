// Package workspace stores owner artifacts as markdown files with YAML
// frontmatter: the owner record, the profile, project files and the monthly
// journal.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/berth-dev/trivium/internal/cq"
)

const frontmatterDelim = "---"

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	slugStrip = regexp.MustCompile(`[^a-z0-9]+`)
)

// Workspace is a directory tree of owner artifacts. It satisfies
// cq.DocumentStore and cq.Journal.
type Workspace struct {
	root string
	now  func() time.Time
	loc  *time.Location
}

var (
	_ cq.DocumentStore = (*Workspace)(nil)
	_ cq.Journal       = (*Workspace)(nil)
)

// Option configures a Workspace.
type Option func(*Workspace)

// WithClock overrides time.Now for journal timestamps.
func WithClock(now func() time.Time) Option { return func(w *Workspace) { w.now = now } }

// WithLocation sets the time zone journal entries are dated in.
func WithLocation(loc *time.Location) Option { return func(w *Workspace) { w.loc = loc } }

// New returns a Workspace rooted at root.
func New(root string, opts ...Option) *Workspace {
	w := &Workspace{root: root, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Path returns the file backing ref.
func (w *Workspace) Path(ref cq.ArtifactRef) (string, error) {
	if !nameRe.MatchString(ref.Owner) {
		return "", fmt.Errorf("invalid owner name %q", ref.Owner)
	}
	ownerDir := filepath.Join(w.root, ref.Owner)
	switch ref.Kind {
	case cq.ArtifactOwnerMeta:
		return filepath.Join(ownerDir, "owner.md"), nil
	case cq.ArtifactProfile:
		return filepath.Join(ownerDir, "profile.md"), nil
	case cq.ArtifactProject:
		if !nameRe.MatchString(ref.SubScope) {
			return "", fmt.Errorf("invalid project slug %q", ref.SubScope)
		}
		return filepath.Join(ownerDir, "projects", ref.SubScope, "project.md"), nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", ref.Kind)
	}
}

// Read loads the document behind ref.
func (w *Workspace) Read(_ context.Context, ref cq.ArtifactRef) (*cq.Document, error) {
	path, err := w.Path(ref)
	if err != nil {
		return nil, err
	}
	return readDocument(path)
}

// Write replaces the document behind ref, creating directories as needed.
func (w *Workspace) Write(_ context.Context, ref cq.ArtifactRef, doc *cq.Document) error {
	path, err := w.Path(ref)
	if err != nil {
		return err
	}
	return writeDocument(path, doc)
}

func readDocument(path string) (*cq.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, cq.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	doc, err := ParseMarkdown(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}

func writeDocument(path string, doc *cq.Document) error {
	data, err := RenderMarkdown(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// ParseMarkdown splits a markdown file into frontmatter fields and body.
// Files without a frontmatter block have no fields.
func ParseMarkdown(data []byte) (*cq.Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	doc := &cq.Document{Fields: map[string]any{}}
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		doc.Body = text
		return doc, nil
	}
	rest := "\n" + text[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, errors.New("unterminated frontmatter")
	}
	header := rest[:end]
	body := strings.TrimPrefix(rest[end+len(frontmatterDelim)+1:], "\n")

	if err := yaml.Unmarshal([]byte(header), &doc.Fields); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	doc.Body = body
	return doc, nil
}

// RenderMarkdown writes fields as a YAML frontmatter block followed by body.
func RenderMarkdown(doc *cq.Document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	if len(doc.Fields) > 0 {
		header, err := yaml.Marshal(doc.Fields)
		if err != nil {
			return nil, fmt.Errorf("marshalling frontmatter: %w", err)
		}
		buf.Write(header)
	}
	buf.WriteString(frontmatterDelim + "\n")
	buf.WriteString(doc.Body)
	return buf.Bytes(), nil
}

// Slugify turns a title into a project slug.
func Slugify(title string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 64 {
		slug = strings.TrimRight(slug[:64], "-")
	}
	return slug
}
