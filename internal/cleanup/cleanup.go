// Package cleanup implements pruning of archived questioning sessions.
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/session"
)

// Archives is the slice of the session store that pruning needs.
type Archives interface {
	ListScopes(ctx context.Context, owner string) ([]session.Summary, error)
	ArchiveAt(ctx context.Context, location string) ([]cq.CompactRecord, error)
	ReplaceArchive(ctx context.Context, location string, records []cq.CompactRecord) error
}

var _ Archives = (*session.Store)(nil)

// PruneByAge removes archived sessions last updated more than maxAgeDays ago
// from every scope the owner holds.
// If dryRun is true, nothing is rewritten; the function only returns the
// session IDs that would be removed. Returns the list of pruned session IDs.
func PruneByAge(ctx context.Context, a Archives, owner string, maxAgeDays int, dryRun bool) ([]string, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	return prune(ctx, a, owner, dryRun, func(records []cq.CompactRecord) (keep, drop []cq.CompactRecord) {
		for _, rec := range records {
			if rec.UpdatedAt.Before(cutoff) {
				drop = append(drop, rec)
			} else {
				keep = append(keep, rec)
			}
		}
		return keep, drop
	})
}

// PruneKeepRecent keeps only the keep most recently updated archived
// sessions in each of the owner's scopes. If dryRun is true, nothing is
// rewritten. Returns the list of pruned session IDs.
func PruneKeepRecent(ctx context.Context, a Archives, owner string, keep int, dryRun bool) ([]string, error) {
	return prune(ctx, a, owner, dryRun, func(records []cq.CompactRecord) ([]cq.CompactRecord, []cq.CompactRecord) {
		if len(records) <= keep {
			return records, nil
		}
		sorted := append([]cq.CompactRecord(nil), records...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
		})
		cut := len(sorted) - keep
		return sorted[cut:], sorted[:cut]
	})
}

type splitFunc func([]cq.CompactRecord) (keep, drop []cq.CompactRecord)

func prune(ctx context.Context, a Archives, owner string, dryRun bool, split splitFunc) ([]string, error) {
	scopes, err := a.ListScopes(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}

	var pruned []string
	for _, scope := range scopes {
		if scope.Archived == 0 {
			continue
		}
		records, err := a.ArchiveAt(ctx, scope.Location)
		if err != nil {
			return pruned, fmt.Errorf("reading archive %s: %w", scope.Location, err)
		}
		keep, drop := split(records)
		if len(drop) == 0 {
			continue
		}
		if !dryRun {
			if err := a.ReplaceArchive(ctx, scope.Location, keep); err != nil {
				return pruned, fmt.Errorf("rewriting archive %s: %w", scope.Location, err)
			}
		}
		for _, rec := range drop {
			pruned = append(pruned, rec.SessionID)
		}
	}

	return pruned, nil
}
