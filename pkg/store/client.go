package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
)

// Config configures the sqlite-backed message store, mirroring the field
// set of the teacher's
// _examples/certenIO-certen-validator/accumulate-lite-client-2/liteclient/storage/sqlite
// Config.
type Config struct {
	Path            string
	MaxConnections  int
	BusyTimeout     time.Duration
	CacheSize       int
	JournalMode     string
	SynchronousMode string
	ForeignKeys     bool
}

// DefaultConfig returns the configuration spec.md section 6 requires:
// WAL journaling with foreign keys enforced.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:            path,
		MaxConnections:  1,
		BusyTimeout:     5 * time.Second,
		CacheSize:       10000,
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		ForeignKeys:     true,
	}
}

// Store is the Message Store: a single sqlite connection plus the mutex
// that serializes write transactions (section 5's concurrency model) and
// a notifier that the sequencer and fetcher block on for new arrivals.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	log    zerolog.Logger
	notify *Notifier
}

// Open opens (creating if absent) the sqlite database at cfg.Path,
// applies the configured pragmas and schema, and returns a ready Store.
func Open(cfg *Config, log zerolog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: nil config")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	if err := configurePragmas(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{
		db:     db,
		log:    log.With().Str("component", "store").Logger(),
		notify: NewNotifier(),
	}, nil
}

func configurePragmas(db *sql.DB, cfg *Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(cfg.BusyTimeout.Milliseconds())),
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSize),
		fmt.Sprintf("PRAGMA journal_mode = %s", cfg.JournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.SynchronousMode),
	}
	if cfg.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Notifier exposes the store's new-envelope notifier so the sequencer and
// fetch pipeline can block until something arrives, per spec.md section
// 4.E point 5.
func (s *Store) Notifier() *Notifier {
	return s.notify
}
