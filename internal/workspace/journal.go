package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/berth-dev/trivium/internal/cq"
)

// AppendEntry adds a dated entry to the owner's journal file for the current
// month and returns the file path.
func (w *Workspace) AppendEntry(_ context.Context, owner, entry, source string) (string, error) {
	if !nameRe.MatchString(owner) {
		return "", fmt.Errorf("invalid owner name %q", owner)
	}
	now := w.now().In(w.loc)
	path := filepath.Join(w.root, owner, "journal", now.Format("2006-01")+".md")

	doc, err := readDocument(path)
	if errors.Is(err, cq.ErrArtifactNotFound) {
		doc = &cq.Document{
			Fields: map[string]any{
				"owner":       owner,
				"month":       now.Format("2006-01"),
				"entry_count": 0,
			},
			Body: fmt.Sprintf("# Journal %s\n", now.Format("2006-01")),
		}
	} else if err != nil {
		return "", err
	}

	count, _ := doc.Fields["entry_count"].(int)
	doc.Fields["entry_count"] = count + 1
	doc.Fields["updated_at"] = now.Format("2006-01-02T15:04:05Z07:00")

	var b strings.Builder
	b.WriteString(strings.TrimRight(doc.Body, "\n"))
	fmt.Fprintf(&b, "\n\n### %s\n", now.Format("2006-01-02 15:04 MST"))
	if source != "" {
		fmt.Fprintf(&b, "source: %s\n", source)
	}
	b.WriteString("\n" + strings.TrimSpace(entry) + "\n")
	doc.Body = b.String()

	if err := writeDocument(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// EntryCount reports how many entries the journal file at path holds.
func EntryCount(path string) (int, error) {
	doc, err := readDocument(path)
	if err != nil {
		return 0, err
	}
	count, _ := doc.Fields["entry_count"].(int)
	return count, nil
}
