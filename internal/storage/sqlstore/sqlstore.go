// Package sqlstore is the SQLite backed storage.Storage.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id   TEXT NOT NULL,
	phase    TEXT NOT NULL,
	data     BLOB NOT NULL,
	saved_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, phase)
);
CREATE TABLE IF NOT EXISTS dlq_entries (
	job_id     TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, item_id)
);
CREATE TABLE IF NOT EXISTS locks (
	name        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);`

// Options tunes the store.
type Options struct {
	// LockStaleAfter lets a lock row older than this be taken over. Default 2m.
	LockStaleAfter time.Duration
	// BusyTimeout is handed to SQLite. Default 5s.
	BusyTimeout time.Duration
}

// Store keeps checkpoints, DLQ entries and locks in one SQLite database.
type Store struct {
	db     *sql.DB
	opts   Options
	closed atomic.Bool
	// done stops every lock heartbeat on Close
	done chan struct{}
}

var _ storage.Storage = (*Store)(nil)

// Open creates or opens the database file at path and applies the schema.
func Open(path string, opts Options) (*Store, error) {
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = 2 * time.Minute
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	// one writer at a time; SQLite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: apply schema: %w", err)
	}
	return &Store{db: db, opts: opts, done: make(chan struct{})}, nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// SaveCheckpoint upserts the (job, phase) row in one statement.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, phase, data, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, phase) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		string(jobID), string(phase), data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlstore: save checkpoint %s/%s: %w", jobID, phase, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE job_id = ? AND phase = ?`,
		string(jobID), string(phase)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load checkpoint %s/%s: %w", jobID, phase, err)
	}
	return data, nil
}

func (s *Store) ListCheckpointPhases(ctx context.Context, jobID types.JobID) ([]types.Phase, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase FROM checkpoints WHERE job_id = ? ORDER BY phase`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list phases: %w", err)
	}
	defer rows.Close()

	var phases []types.Phase
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phases = append(phases, types.Phase(p))
	}
	return phases, rows.Err()
}

func (s *Store) ListJobs(ctx context.Context) ([]types.JobID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM checkpoints
		UNION
		SELECT job_id FROM dlq_entries
		ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		jobs = append(jobs, types.JobID(id))
	}
	return jobs, rows.Err()
}

func (s *Store) AppendDLQEntry(ctx context.Context, jobID types.JobID, itemID types.ItemID, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (job_id, item_id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, item_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(jobID), string(itemID), data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlstore: append dlq %s/%s: %w", jobID, itemID, err)
	}
	return nil
}

func (s *Store) QueryDLQ(ctx context.Context, jobID types.JobID) (map[types.ItemID][]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, data FROM dlq_entries WHERE job_id = ?`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query dlq %s: %w", jobID, err)
	}
	defer rows.Close()

	out := make(map[types.ItemID][]byte)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[types.ItemID(id)] = data
	}
	return out, rows.Err()
}

func (s *Store) RemoveDLQEntry(ctx context.Context, jobID types.JobID, itemID types.ItemID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE job_id = ? AND item_id = ?`, string(jobID), string(itemID))
	if err != nil {
		return fmt.Errorf("sqlstore: remove dlq %s/%s: %w", jobID, itemID, err)
	}
	return nil
}

// TryLock inserts a lock row owned by a fresh id. A primary key conflict
// means another holder; rows older than LockStaleAfter are reclaimed first.
// While held, the row's acquired_at is refreshed every LockStaleAfter/3.
func (s *Store) TryLock(ctx context.Context, name string) (storage.Unlock, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	now := time.Now()
	owner := uuid.NewString()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND acquired_at < ?`,
		name, now.Add(-s.opts.LockStaleAfter).UnixMilli()); err != nil {
		return nil, fmt.Errorf("sqlstore: reclaim lock %s: %w", name, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, owner, acquired_at) VALUES (?, ?, ?)`,
		name, owner, now.UnixMilli())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return nil, storage.ErrLocked
		}
		return nil, fmt.Errorf("sqlstore: lock %s: %w", name, err)
	}

	stop := make(chan struct{})
	go s.heartbeat(name, owner, stop)

	var released atomic.Bool
	return func() error {
		if !released.CompareAndSwap(false, true) {
			return nil
		}
		close(stop)
		// the owner check keeps a reclaimed lock from being dropped by its old holder
		_, err := s.db.Exec(`DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
		return err
	}, nil
}

// heartbeat keeps a held lock row fresh until it is released, the store
// closes or another holder reclaims it.
func (s *Store) heartbeat(name, owner string, stop <-chan struct{}) {
	ticker := time.NewTicker(max(s.opts.LockStaleAfter/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
		res, err := s.db.Exec(`UPDATE locks SET acquired_at = ? WHERE name = ? AND owner = ?`,
			time.Now().UnixMilli(), name, owner)
		if err != nil {
			if s.closed.Load() {
				return
			}
			log.Warn("sqlstore: failed to refresh lock", "lock", name, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.Warn("sqlstore: lock was taken over", "lock", name)
			return
		}
	}
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return s.db.Close()
}
