// Package store is the kernel's persistent key-value layer: a single
// embedded SQL database (modernc.org/sqlite, pure Go, no cgo) holding one
// wide key-value table. Every higher-level table the kernel needs — the
// object table, the promise table, the clist, the run queue — is encoded
// as a key prefix over this one table, the same way the teacher layered
// typed bucket accessors over a single BoltDB file. Unlike BoltDB, this
// store additionally exposes ExecuteQuery for ad-hoc inspection, which the
// Facade's `executeDBQuery` method requires directly.
package store

import (
	"database/sql"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
)

// Replicator receives every key-value mutation the store applies, for
// replication onto HA standbys. pkg/harft implements this over a raft
// log; SetReplicator is a no-op hook when HA replication is disabled.
type Replicator interface {
	ReplicateSet(key string, value []byte) error
	ReplicateDelete(key string) error
}

// Store is the embedded SQL-backed key-value store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes writes; sqlite allows one writer at a time
	repl Replicator
}

// SetReplicator attaches r so that every subsequent Set/Delete (but not
// ApplyReplicated/ApplyReplicatedDelete, which pkg/harft's FSM uses to
// rehydrate a standby without feeding its own write back into raft) is
// also replicated. Pass nil to detach.
func (s *Store) SetReplicator(r Replicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repl = r
}

// Open creates or opens the kernel's sqlite database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "ocapkernel.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.TransactionFailure, "open sqlite store", err)
	}
	// sqlite allows only one writer; a single connection avoids SQLITE_BUSY
	// under our own mutex rather than relying on busy_timeout retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, kernelerr.Wrap(kernelerr.SchemaViolation, "create kv table", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get fetches the value for key. The bool is false if the key is absent.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kernelerr.Wrap(kernelerr.TransactionFailure, "get key", err)
	}
	return value, true, nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Set upserts key to value.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	repl := s.repl
	s.mu.Unlock()
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "set key", err)
	}
	if repl != nil {
		return repl.ReplicateSet(key, value)
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	repl := s.repl
	s.mu.Unlock()
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "delete key", err)
	}
	if repl != nil {
		return repl.ReplicateDelete(key)
	}
	return nil
}

// ApplyReplicated writes key/value directly, bypassing the replicator
// hook. pkg/harft's FSM calls this to materialize a committed raft log
// entry onto a standby's store without re-entering raft.Apply.
func (s *Store) ApplyReplicated(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "apply replicated set", err)
	}
	return nil
}

// ApplyReplicatedDelete removes key directly, bypassing the replicator hook.
func (s *Store) ApplyReplicatedDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "apply replicated delete", err)
	}
	return nil
}

// DumpAll returns every key-value pair in the store, for pkg/harft's
// full-state raft snapshot.
func (s *Store) DumpAll() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.IteratePrefix("", func(key string, value []byte) error {
		out[key] = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

// LoadAll replaces the store's entire contents with kv, for pkg/harft's
// raft snapshot restore. It does not go through the replicator hook.
func (s *Store) LoadAll(kv map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "clear kv table", err)
	}
	for k, v := range kv {
		if _, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, k, v); err != nil {
			return kernelerr.Wrap(kernelerr.TransactionFailure, "restore kv row", err)
		}
	}
	return nil
}

// IteratePrefix calls fn for every key with the given prefix, in
// lexicographic key order. fn returning an error stops iteration and
// that error is returned.
func (s *Store) IteratePrefix(prefix string, fn func(key string, value []byte) error) error {
	// escape % and _ since sqlite LIKE treats them as wildcards
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escaped+"%")
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "iterate prefix", err)
	}
	defer rows.Close()

	type kv struct {
		key   string
		value []byte
	}
	var all []kv
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return kernelerr.Wrap(kernelerr.TransactionFailure, "scan row", err)
		}
		all = append(all, kv{k, v})
	}
	if err := rows.Err(); err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "iterate rows", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	for _, item := range all {
		if err := fn(item.key, item.value); err != nil {
			return err
		}
	}
	return nil
}

// Tx is an open write transaction.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction. All writes made through the returned Tx are
// invisible to other readers until Commit.
func (s *Store) Begin() (*Tx, error) {
	s.mu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, kernelerr.Wrap(kernelerr.TransactionFailure, "begin transaction", err)
	}
	return &Tx{tx: tx}, nil
}

// Set upserts key to value within the transaction.
func (t *Tx) Set(key string, value []byte) error {
	_, err := t.tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "set key in transaction", err)
	}
	return nil
}

// Delete removes key within the transaction.
func (t *Tx) Delete(key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "delete key in transaction", err)
	}
	return nil
}

// Get fetches key's value within the transaction, observing its own writes.
func (t *Tx) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kernelerr.Wrap(kernelerr.TransactionFailure, "get key in transaction", err)
	}
	return value, true, nil
}

// IteratePrefix calls fn for every key with the given prefix, in
// lexicographic key order, observing the transaction's own writes.
func (t *Tx) IteratePrefix(prefix string, fn func(key string, value []byte) error) error {
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)
	rows, err := t.tx.Query(`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escaped+"%")
	if err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "iterate prefix in transaction", err)
	}
	defer rows.Close()

	type kv struct {
		key   string
		value []byte
	}
	var all []kv
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return kernelerr.Wrap(kernelerr.TransactionFailure, "scan row in transaction", err)
		}
		all = append(all, kv{k, v})
	}
	if err := rows.Err(); err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "iterate rows in transaction", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	for _, item := range all {
		if err := fn(item.key, item.value); err != nil {
			return err
		}
	}
	return nil
}

// Commit commits the transaction and releases the store's write lock.
func (s *Store) Commit(tx *Tx) error {
	defer s.mu.Unlock()
	if err := tx.tx.Commit(); err != nil {
		return kernelerr.Wrap(kernelerr.TransactionFailure, "commit transaction", err)
	}
	return nil
}

// Rollback aborts the transaction and releases the store's write lock.
func (s *Store) Rollback(tx *Tx) error {
	defer s.mu.Unlock()
	return tx.tx.Rollback()
}

// QueryResult is one result set from ExecuteQuery: column names plus rows
// of column values rendered as strings (matching the Facade's
// executeDBQuery wire contract, which returns text for display/inspection
// rather than typed values).
type QueryResult struct {
	Columns []string
	Rows    [][]string
}

// ExecuteQuery runs an arbitrary read-only SQL statement against the
// store and returns its result set. It backs the Facade's executeDBQuery
// method from spec §6 (operator inspection / debugging), and is
// deliberately restricted to SELECT/PRAGMA/EXPLAIN statements: mutating
// the kv table outside the typed accessors above would desynchronize it
// from in-memory kernel state that isn't re-read per crank.
func (s *Store) ExecuteQuery(query string) (*QueryResult, error) {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "PRAGMA") && !strings.HasPrefix(trimmed, "EXPLAIN") {
		return nil, kernelerr.New(kernelerr.InvalidEnvelope, "executeQuery only permits SELECT, PRAGMA, or EXPLAIN statements")
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.TransactionFailure, "execute query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.TransactionFailure, "read columns", err)
	}

	result := &QueryResult{Columns: cols}
	scanDest := make([]any, len(cols))
	scanBuf := make([]sql.NullString, len(cols))
	for i := range scanBuf {
		scanDest[i] = &scanBuf[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return nil, kernelerr.Wrap(kernelerr.TransactionFailure, "scan row", err)
		}
		row := make([]string, len(cols))
		for i, v := range scanBuf {
			if v.Valid {
				row[i] = v.String
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.TransactionFailure, "iterate query rows", err)
	}

	return result, nil
}
