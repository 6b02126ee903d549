package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultDBFileName is the flow server database under the data directory.
	DefaultDBFileName = "flowkvm.db"
	// DefaultCheckpointInterval bounds how long the WAL grows while a server runs.
	DefaultCheckpointInterval = 6 * time.Hour
	// DefaultSecurityEventRetention keeps a month of pairing and auth history.
	DefaultSecurityEventRetention = 30 * 24 * time.Hour
)

// Schema steps, applied in order and tracked through PRAGMA user_version.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS auth_tokens (
  name          TEXT PRIMARY KEY,
  token_digest  TEXT NOT NULL,
  created_at    INTEGER NOT NULL,
  updated_at    INTEGER NOT NULL,
  last_used_at  INTEGER
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_auth_tokens_digest
ON auth_tokens (token_digest);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  peer_name   TEXT,
  remote_addr TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_peer
ON security_events (peer_name, timestamp DESC, id DESC);
`,
}

// Options configures Open.
type Options struct {
	Logger *zap.Logger
	// Retention is how long security events are kept. Zero uses
	// DefaultSecurityEventRetention.
	Retention time.Duration
	// CheckpointInterval is the WAL truncation period. Zero uses
	// DefaultCheckpointInterval, a negative value disables the loop.
	CheckpointInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Retention <= 0 {
		o.Retention = DefaultSecurityEventRetention
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	return o
}

// Store holds the tokens issued to paired clients and the security
// audit trail of a flow server.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	retention time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens flowkvm.db under dir, creating it when missing, and brings
// its schema up to date. It returns the database path.
func Open(dir string, opts Options) (*Store, string, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create database directory: %w", err)
	}

	path := filepath.Join(dir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("open database %s: %w", path, err)
	}

	s := &Store{
		db:        db,
		log:       opts.Logger,
		retention: opts.Retention,
		stop:      make(chan struct{}),
	}
	for _, step := range []func() error{s.useWAL, s.migrate, s.checkpoint} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, "", err
		}
	}
	if opts.CheckpointInterval > 0 {
		s.wg.Add(1)
		go s.checkpointLoop(opts.CheckpointInterval)
	}

	return s, path, nil
}

// Close stops the checkpoint loop and closes the database. It is safe to
// call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	// PRAGMA takes no bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version %d: %w", len(migrations), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.log.Debug("database schema migrated", zap.Int("from", version), zap.Int("to", len(migrations)))
	return nil
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("checkpoint WAL: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				s.log.Warn("periodic WAL checkpoint failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}
