// Package store is the typed Session Store: prepared
// queries over servers, server-users, sessions, rules, and violations,
// backed by an embedded pure-Go SQLite database. SQLite has no SERIALIZABLE
// isolation level of its own; WithSerializableTx below provides equivalent
// transactional guarantees with BEGIN IMMEDIATE (a write-intent lock taken
// up front, so two concurrent writers never both proceed past BEGIN) plus
// the driver's busy-timeout retry, and callers additionally retry on
// SQLITE_BUSY the way a Postgres caller retries a serialization failure.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB

	// advisoryLocks stands in for a transaction-scoped Postgres advisory
	// lock: no example repo in the pack imports a Postgres
	// driver, so the per-key in-process mutex below reproduces the same
	// "only one transaction touches this (serverUserID, ruleType) pair at a
	// time" guarantee over the embedded database (see DESIGN.md).
	advisoryLocks sync.Map // key string -> *sync.Mutex
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

// Migrate applies every embedded *.sql migration in lexical order.
func (s *Store) Migrate() error {
	return s.migrateFS(migrationsFS, "migrations")
}

// MaxSerializationRetries and the backoff schedule bound the retry loop for
// busy/serialization conflicts: 3 attempts at 50/100/200ms.
const MaxSerializationRetries = 3

var serializationBackoff = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// WithSerializableTx runs fn inside a BEGIN IMMEDIATE transaction bound by a
// 10s statement timeout, retrying on SQLITE_BUSY/"database
// is locked" with exponential backoff up to MaxSerializationRetries times.
// Any other error propagates immediately without retry.
func (s *Store) WithSerializableTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= MaxSerializationRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(serializationBackoff[attempt-1])
		}
		txCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.runTx(txCtx, fn)
		cancel()
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("serialization failure after %d retries: %w", MaxSerializationRetries, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// BeginTx has already begun the transaction (as BEGIN IMMEDIATE for
		// file databases, through _txlock=immediate in New), so SQLite rejects
		// this nested BEGIN with "cannot start a transaction within a
		// transaction"; that error is ignored.
		if !strings.Contains(err.Error(), "transaction") {
			tx.Rollback()
			return err
		}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy") || strings.Contains(msg, "serialize")
}

// AdvisoryLockKey hashes (serverUserID, ruleType) into a 64-bit key, the
// same shape pg_advisory_xact_lock takes.
func AdvisoryLockKey(serverUserID string, ruleType string) int64 {
	sum := sha256.Sum256([]byte(serverUserID + "|" + ruleType))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// WithAdvisoryLock emulates a transaction-scoped advisory lock keyed by
// AdvisoryLockKey: it serializes concurrent callers for the same key so that
// two SERIALIZABLE transactions can never both observe an empty dedup
// window and both insert. The lock is held for the
// duration of fn and released unconditionally afterward — "transaction
// scoped" here means "held for exactly the critical section it protects".
func (s *Store) WithAdvisoryLock(key int64, fn func() error) error {
	v, _ := s.advisoryLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
