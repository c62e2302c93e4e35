package driftsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

var errStoreClosed = errors.New("store is closed")

// SQLiteStoreConfig configures the SQLite-backed store.
type SQLiteStoreConfig struct {
	// Path is the database file path. Required.
	Path string

	// JournalMode sets the SQLite journal mode. Default: "WAL".
	JournalMode string

	// Synchronous sets the SQLite synchronous level. Default: "NORMAL".
	Synchronous string

	// BusyTimeout is the lock wait in milliseconds before a busy error.
	// Default: 5000.
	BusyTimeout int

	// MaxConnections caps the connection pool. The default of 1 serializes
	// all access through one connection, which sidesteps busy errors under
	// concurrent writers.
	MaxConnections int

	// Cipher, when set, encrypts node state and queued delta payloads at
	// rest. Stamps and cursors stay plaintext; ordering needs them.
	Cipher *ValueCipher
}

// DefaultSQLiteStoreConfig returns a config with sensible defaults for the
// given database path.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 1,
	}
}

// SQLiteStore implements Store, ClockStore and NodeLister on a single
// SQLite file. Several clients, and several processes, may share one file;
// SQLite's locking plus per-collection transactions keep them consistent.
type SQLiteStore struct {
	config SQLiteStoreConfig
	db     *sql.DB

	mu     sync.RWMutex
	closed bool

	selectPending *sql.Stmt
	selectCursor  *sql.Stmt
	selectNode    *sql.Stmt
	selectNodes   *sql.Stmt
	insertPending *sql.Stmt
	deletePending *sql.Stmt
	upsertNode    *sql.Stmt
	upsertCursor  *sql.Stmt
}

// NewSQLiteStore opens or creates the database at cfg.Path and prepares the
// schema.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		cfg.Path, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)

	s := &SQLiteStore{config: cfg, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS node_data (
		collection TEXT NOT NULL,
		node TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_ms INTEGER NOT NULL,
		PRIMARY KEY (collection, node)
	);

	CREATE TABLE IF NOT EXISTS pending_deltas (
		collection TEXT NOT NULL,
		stamp TEXT NOT NULL,
		node TEXT NOT NULL,
		delta BLOB NOT NULL,
		queued_ms INTEGER NOT NULL,
		PRIMARY KEY (collection, stamp)
	);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		collection TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		updated_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clock_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		client TEXT NOT NULL,
		wall_ms INTEGER NOT NULL,
		counter INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_deltas_node ON pending_deltas(collection, node);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.selectPending, `SELECT node, delta, stamp FROM pending_deltas WHERE collection = ? ORDER BY stamp`},
		{&s.selectCursor, `SELECT cursor FROM sync_cursors WHERE collection = ?`},
		{&s.selectNode, `SELECT data FROM node_data WHERE collection = ? AND node = ?`},
		{&s.selectNodes, `SELECT node, data FROM node_data WHERE collection = ?`},
		{&s.insertPending, `INSERT OR REPLACE INTO pending_deltas (collection, stamp, node, delta, queued_ms) VALUES (?, ?, ?, ?, ?)`},
		{&s.deletePending, `DELETE FROM pending_deltas WHERE collection = ? AND stamp <= ?`},
		{&s.upsertNode, `INSERT OR REPLACE INTO node_data (collection, node, data, updated_ms) VALUES (?, ?, ?, ?)`},
		{&s.upsertCursor, `INSERT OR REPLACE INTO sync_cursors (collection, cursor, updated_ms) VALUES (?, ?, ?)`},
	}
	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.query)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		*st.target = prepared
	}
	return nil
}

// EnsureCollections registers collections, creating missing rows. Call it
// once at provisioning time; Collections reads the registered set back.
func (s *SQLiteStore) EnsureCollections(ctx context.Context, ids ...CollectionID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collections (id) VALUES (?)`, string(id)); err != nil {
			return fmt.Errorf("register collection %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// Collections implements Store.
func (s *SQLiteStore) Collections(ctx context.Context) ([]CollectionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var cols []CollectionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		cols = append(cols, CollectionID(id))
	}
	return cols, rows.Err()
}

// PendingDeltas implements Store.
func (s *SQLiteStore) PendingDeltas(ctx context.Context, col CollectionID) ([]PendingDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	rows, err := s.selectPending.QueryContext(ctx, string(col))
	if err != nil {
		return nil, fmt.Errorf("query pending deltas: %w", err)
	}
	defer rows.Close()

	var pending []PendingDelta
	for rows.Next() {
		var (
			node  string
			blob  []byte
			stamp string
		)
		if err := rows.Scan(&node, &blob, &stamp); err != nil {
			return nil, fmt.Errorf("scan pending delta: %w", err)
		}
		delta, err := s.open(blob)
		if err != nil {
			return nil, err
		}
		pending = append(pending, PendingDelta{Node: NodeID(node), Delta: delta, Stamp: Stamp(stamp)})
	}
	return pending, rows.Err()
}

// ServerCursor implements Store.
func (s *SQLiteStore) ServerCursor(ctx context.Context, col CollectionID) (Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, errStoreClosed
	}
	var cursor string
	err := s.selectCursor.QueryRowContext(ctx, string(col)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query cursor: %w", err)
	}
	return Cursor(cursor), true, nil
}

// ApplyDeltas implements Store.
func (s *SQLiteStore) ApplyDeltas(ctx context.Context, col CollectionID, deltas []PendingDelta, cursor Cursor, merge MergeFunc) (map[NodeID]NodeData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	merged, err := s.mergeTx(ctx, tx, col, deltas, merge)
	if err != nil {
		return nil, err
	}
	if cursor != "" {
		if _, err := tx.StmtContext(ctx, s.upsertCursor).ExecContext(ctx, string(col), string(cursor), time.Now().UnixMilli()); err != nil {
			return nil, fmt.Errorf("record cursor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return merged, nil
}

// EnqueueDeltas implements Store.
func (s *SQLiteStore) EnqueueDeltas(ctx context.Context, col CollectionID, deltas []PendingDelta, merge MergeFunc) (map[NodeID]NodeData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	merged, err := s.mergeTx(ctx, tx, col, deltas, merge)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	insert := tx.StmtContext(ctx, s.insertPending)
	for _, d := range deltas {
		blob, err := s.seal(d.Delta)
		if err != nil {
			return nil, err
		}
		if _, err := insert.ExecContext(ctx, string(col), string(d.Stamp), string(d.Node), blob, now); err != nil {
			return nil, fmt.Errorf("queue delta: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return merged, nil
}

// mergeTx folds deltas into node state inside tx and returns the merged
// plaintext per changed node.
func (s *SQLiteStore) mergeTx(ctx context.Context, tx *sql.Tx, col CollectionID, deltas []PendingDelta, merge MergeFunc) (map[NodeID]NodeData, error) {
	selectNode := tx.StmtContext(ctx, s.selectNode)
	upsertNode := tx.StmtContext(ctx, s.upsertNode)
	now := time.Now().UnixMilli()

	merged := make(map[NodeID]NodeData, len(deltas))
	for _, d := range deltas {
		base, ok := merged[d.Node]
		if !ok {
			var blob []byte
			err := selectNode.QueryRowContext(ctx, string(col), string(d.Node)).Scan(&blob)
			if err != nil && err != sql.ErrNoRows {
				return nil, fmt.Errorf("read node %q: %w", d.Node, err)
			}
			if err == nil {
				base, err = s.open(blob)
				if err != nil {
					return nil, err
				}
			}
		}
		out, err := merge(base, d.Delta)
		if err != nil {
			return nil, fmt.Errorf("merge node %q: %w", d.Node, err)
		}
		merged[d.Node] = out
	}

	for node, data := range merged {
		blob, err := s.seal(data)
		if err != nil {
			return nil, err
		}
		if _, err := upsertNode.ExecContext(ctx, string(col), string(node), blob, now); err != nil {
			return nil, fmt.Errorf("write node %q: %w", node, err)
		}
	}
	return merged, nil
}

// DeleteDeltas implements Store.
func (s *SQLiteStore) DeleteDeltas(ctx context.Context, col CollectionID, upTo Stamp) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if _, err := s.deletePending.ExecContext(ctx, string(col), string(upTo)); err != nil {
		return fmt.Errorf("delete pending deltas: %w", err)
	}
	return nil
}

// Node implements Store.
func (s *SQLiteStore) Node(ctx context.Context, col CollectionID, node NodeID) (NodeData, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, errStoreClosed
	}
	var blob []byte
	err := s.selectNode.QueryRowContext(ctx, string(col), string(node)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read node %q: %w", node, err)
	}
	data, err := s.open(blob)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Nodes implements NodeLister.
func (s *SQLiteStore) Nodes(ctx context.Context, col CollectionID) (map[NodeID]NodeData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	rows, err := s.selectNodes.QueryContext(ctx, string(col))
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[NodeID]NodeData)
	for rows.Next() {
		var (
			node string
			blob []byte
		)
		if err := rows.Scan(&node, &blob); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		data, err := s.open(blob)
		if err != nil {
			return nil, err
		}
		nodes[NodeID(node)] = data
	}
	return nodes, rows.Err()
}

// LoadClock implements ClockStore.
func (s *SQLiteStore) LoadClock(ctx context.Context) (LogicalClock, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return LogicalClock{}, false, errStoreClosed
	}
	var (
		client  string
		wallMS  int64
		counter int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT client, wall_ms, counter FROM clock_state WHERE id = 1`).Scan(&client, &wallMS, &counter)
	if err == sql.ErrNoRows {
		return LogicalClock{}, false, nil
	}
	if err != nil {
		return LogicalClock{}, false, fmt.Errorf("load clock: %w", err)
	}
	return LogicalClock{Client: ClientID(client), WallTime: wallMS, Counter: uint16(counter)}, true, nil
}

// SaveClock implements ClockStore.
func (s *SQLiteStore) SaveClock(ctx context.Context, clock LogicalClock) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO clock_state (id, client, wall_ms, counter) VALUES (1, ?, ?, ?)`,
		string(clock.Client), clock.WallTime, int64(clock.Counter))
	if err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}

// Close releases prepared statements and the database handle. Close the
// clients sharing the store first.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.selectPending, s.selectCursor, s.selectNode, s.selectNodes,
		s.insertPending, s.deletePending, s.upsertNode, s.upsertCursor,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) seal(plain []byte) ([]byte, error) {
	if s.config.Cipher == nil {
		return plain, nil
	}
	sealed, err := s.config.Cipher.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	return sealed, nil
}

func (s *SQLiteStore) open(blob []byte) ([]byte, error) {
	if s.config.Cipher == nil {
		return blob, nil
	}
	plain, err := s.config.Cipher.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plain, nil
}
