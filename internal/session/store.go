package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/berth-dev/trivium/internal/cq"
)

// Store provides SQLite-backed persistence for sessions.
// It satisfies cq.Store.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
}

var _ cq.Store = (*Store)(nil)

// NewStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, opts: opts, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cq_scopes (
		location TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		context TEXT NOT NULL,
		sub_scope TEXT NOT NULL DEFAULT '',
		record TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS cq_scopes_owner ON cq_scopes(owner);

	CREATE TABLE IF NOT EXISTS cq_index (
		owner TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// readScope loads a scope record. Missing, malformed or foreign-version
// records come back as the empty record.
func (s *Store) readScope(ctx context.Context, q queryer, location string) (scopeRecord, error) {
	empty := scopeRecord{SchemaVersion: SchemaVersion}
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM cq_scopes WHERE location = ?`, location).Scan(&raw)
	if err == sql.ErrNoRows {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("query scope %s: %w", location, err)
	}

	var rec scopeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("malformed scope record treated as empty", zap.String("location", location), zap.Error(err))
		return empty, nil
	}
	if rec.SchemaVersion != SchemaVersion {
		s.logger.Warn("unsupported scope record version treated as empty",
			zap.String("location", location), zap.Int("schema_version", rec.SchemaVersion))
		return empty, nil
	}
	return rec, nil
}

func (s *Store) writeScope(ctx context.Context, tx *sql.Tx, loc cq.Location, rec scopeRecord) error {
	rec.SchemaVersion = SchemaVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal scope record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cq_scopes (location, owner, context, sub_scope, record, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(location) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		loc.Key(), loc.Owner, string(loc.Context), loc.SubScope, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write scope %s: %w", loc.Key(), err)
	}
	return nil
}

// readIndex loads an owner's index record, treating bad data as empty.
func (s *Store) readIndex(ctx context.Context, q queryer, owner string) (indexRecord, error) {
	empty := indexRecord{SchemaVersion: SchemaVersion}
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM cq_index WHERE owner = ?`, owner).Scan(&raw)
	if err == sql.ErrNoRows {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("query index for %s: %w", owner, err)
	}

	var rec indexRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("malformed index record treated as empty", zap.String("owner", owner), zap.Error(err))
		return empty, nil
	}
	if rec.SchemaVersion != SchemaVersion {
		s.logger.Warn("unsupported index record version treated as empty",
			zap.String("owner", owner), zap.Int("schema_version", rec.SchemaVersion))
		return empty, nil
	}
	return rec, nil
}

func (s *Store) writeIndex(ctx context.Context, tx *sql.Tx, owner string, rec indexRecord) error {
	rec.SchemaVersion = SchemaVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal index record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cq_index (owner, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		owner, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write index for %s: %w", owner, err)
	}
	return nil
}

// ActiveIndex lists the owner's active index records.
func (s *Store) ActiveIndex(ctx context.Context, owner string) ([]cq.IndexRecord, error) {
	rec, err := s.readIndex(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}
	return rec.Active, nil
}

// Load returns the active session rec points at, or nil if the scope no
// longer holds it.
func (s *Store) Load(ctx context.Context, rec cq.IndexRecord) (*cq.Session, error) {
	location := rec.StoreLocation
	if location == "" {
		location = rec.Location().Key()
	}
	scope, err := s.readScope(ctx, s.db, location)
	if err != nil {
		return nil, err
	}
	for _, sess := range scope.ActiveSessions {
		if sess != nil && sess.ID == rec.SessionID {
			return sess, nil
		}
	}
	return nil, nil
}

// Save upserts an active session into its scope and the owner index in one
// transaction.
func (s *Store) Save(ctx context.Context, sess *cq.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsert(ctx, tx, sess)
	})
}

// Insert saves a new session only if guard accepts the owner's live active
// index records, read in the same transaction. The database is opened with
// immediate transactions, so the check and the write are serialized against
// every other process sharing the file.
func (s *Store) Insert(ctx context.Context, sess *cq.Session, guard func(active []cq.IndexRecord) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		idx, err := s.readIndex(ctx, tx, sess.Owner)
		if err != nil {
			return err
		}
		var live []cq.IndexRecord
		for _, rec := range idx.Active {
			ok, err := s.holds(ctx, tx, rec)
			if err != nil {
				return err
			}
			if ok {
				live = append(live, rec)
			}
		}
		if err := guard(live); err != nil {
			return err
		}
		return s.upsert(ctx, tx, sess)
	})
}

// holds reports whether rec's scope still holds a non-terminal session.
func (s *Store) holds(ctx context.Context, q queryer, rec cq.IndexRecord) (bool, error) {
	location := rec.StoreLocation
	if location == "" {
		location = rec.Location().Key()
	}
	scope, err := s.readScope(ctx, q, location)
	if err != nil {
		return false, err
	}
	for _, sess := range scope.ActiveSessions {
		if sess != nil && sess.ID == rec.SessionID {
			return !sess.Status.Terminal(), nil
		}
	}
	return false, nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, sess *cq.Session) error {
	loc := sess.Location()
	scope, err := s.readScope(ctx, tx, loc.Key())
	if err != nil {
		return err
	}
	scope.ActiveSessions = upsertSession(scope.ActiveSessions, sess)
	if err := s.writeScope(ctx, tx, loc, scope); err != nil {
		return err
	}

	idx, err := s.readIndex(ctx, tx, sess.Owner)
	if err != nil {
		return err
	}
	idx.Active = upsertIndex(idx.Active, cq.IndexRecord{
		SessionID:     sess.ID,
		Owner:         sess.Owner,
		Context:       sess.Context,
		SubScope:      sess.SubScope,
		Status:        sess.Status,
		StoreLocation: loc.Key(),
		UpdatedAt:     sess.UpdatedAt,
	})
	return s.writeIndex(ctx, tx, sess.Owner, idx)
}

// Archive removes a finished session from its scope's active set and the
// owner index, appending compact records to both archives, in one
// transaction.
func (s *Store) Archive(ctx context.Context, sess *cq.Session) error {
	loc := sess.Location()
	compact := cq.Compact(sess, s.opts.RecentHistory)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		scope, err := s.readScope(ctx, tx, loc.Key())
		if err != nil {
			return err
		}
		scope.ActiveSessions = removeSession(scope.ActiveSessions, sess.ID)
		scope.Archive = trimTail(append(scope.Archive, compact), s.opts.ArchiveLimit)
		if err := s.writeScope(ctx, tx, loc, scope); err != nil {
			return err
		}

		idx, err := s.readIndex(ctx, tx, sess.Owner)
		if err != nil {
			return err
		}
		idx.Active = removeIndex(idx.Active, sess.ID)
		idx.History = trimTail(append(idx.History, compact), s.opts.IndexHistoryLimit)
		return s.writeIndex(ctx, tx, sess.Owner, idx)
	})
}

// ArchiveFor returns the compact records archived for a lock scope, oldest
// first.
func (s *Store) ArchiveFor(ctx context.Context, loc cq.Location) ([]cq.CompactRecord, error) {
	return s.ArchiveAt(ctx, loc.Key())
}

// ArchiveAt returns the archive of the scope stored under location.
func (s *Store) ArchiveAt(ctx context.Context, location string) ([]cq.CompactRecord, error) {
	scope, err := s.readScope(ctx, s.db, location)
	if err != nil {
		return nil, err
	}
	return scope.Archive, nil
}

// ReplaceArchive overwrites the archive of an existing scope, leaving its
// active sessions untouched.
func (s *Store) ReplaceArchive(ctx context.Context, location string, records []cq.CompactRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		scope, err := s.readScope(ctx, tx, location)
		if err != nil {
			return err
		}
		scope.Archive = records
		scope.SchemaVersion = SchemaVersion
		data, err := json.Marshal(scope)
		if err != nil {
			return fmt.Errorf("marshal scope record: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE cq_scopes SET record = ?, updated_at = ? WHERE location = ?`,
			string(data), time.Now().UTC(), location,
		)
		if err != nil {
			return fmt.Errorf("update scope %s: %w", location, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update scope %s: no such scope", location)
		}
		return nil
	})
}

// History returns the owner-wide history of finished sessions, oldest first.
func (s *Store) History(ctx context.Context, owner string) ([]cq.CompactRecord, error) {
	idx, err := s.readIndex(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}
	return idx.History, nil
}

// ListScopes summarizes every lock scope held for owner.
func (s *Store) ListScopes(ctx context.Context, owner string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT location, context, sub_scope, updated_at FROM cq_scopes
		 WHERE owner = ? ORDER BY location`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var context string
		if err := rows.Scan(&sum.Location, &context, &sum.SubScope, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		sum.Owner = owner
		sum.Context = cq.ContextType(context)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}

	for i := range summaries {
		scope, err := s.readScope(ctx, s.db, summaries[i].Location)
		if err != nil {
			return nil, err
		}
		summaries[i].Active = len(scope.ActiveSessions)
		summaries[i].Archived = len(scope.Archive)
	}
	return summaries, nil
}

func upsertSession(list []*cq.Session, sess *cq.Session) []*cq.Session {
	for i, existing := range list {
		if existing != nil && existing.ID == sess.ID {
			list[i] = sess
			return list
		}
	}
	return append(list, sess)
}

func removeSession(list []*cq.Session, id string) []*cq.Session {
	out := make([]*cq.Session, 0, len(list))
	for _, existing := range list {
		if existing != nil && existing.ID != id {
			out = append(out, existing)
		}
	}
	return out
}

func upsertIndex(list []cq.IndexRecord, rec cq.IndexRecord) []cq.IndexRecord {
	for i, existing := range list {
		if existing.SessionID == rec.SessionID {
			list[i] = rec
			return list
		}
	}
	return append(list, rec)
}

func removeIndex(list []cq.IndexRecord, id string) []cq.IndexRecord {
	out := make([]cq.IndexRecord, 0, len(list))
	for _, existing := range list {
		if existing.SessionID != id {
			out = append(out, existing)
		}
	}
	return out
}

// trimTail keeps the last limit records. A non-positive limit keeps all.
func trimTail(list []cq.CompactRecord, limit int) []cq.CompactRecord {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	return append([]cq.CompactRecord(nil), list[len(list)-limit:]...)
}
