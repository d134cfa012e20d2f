/*
Package idbsql implements idbbackend.Backend on top of SQLite files via
github.com/mattn/go-sqlite3. Each logical database lives in its own
single file, named by URL-encoding the database name with a ".sqlite"
suffix, inside the directory the backend is rooted at. The backend keeps
a pool of at most 50 open database handles keyed by database name;
opening a database beyond capacity evicts the least-recently-used handle
no connection currently references.

Each file holds exactly five fixed tables, created once at open time, no
dynamic DDL afterwards:

	_idb_meta           committed version and logical database name
	_idb_stores         one row per object store (id, name UNIQUE, ...)
	_idb_indexes        one row per index (id, store_id FK CASCADE, ...)
	_idb_records        (store_id FK CASCADE, key BLOB, value BLOB)
	_idb_index_entries  (index_id FK CASCADE, key BLOB, primary_key BLOB)

Keys are stored as the idbkey order-preserving encoding, so a BLOB
primary key / index already sorts correctly under SQLite's own BLOB
comparison and range queries translate directly into "key >= ? AND
key <= ?" predicates instead of an application-level sort.
*/
package idbsql

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
	"github.com/cuemby/idb/pkg/idbmetrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS _idb_meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE IF NOT EXISTS _idb_stores (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	key_path       TEXT,
	auto_increment INTEGER NOT NULL DEFAULT 0,
	current_key    REAL NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS _idb_indexes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	store_id    INTEGER NOT NULL REFERENCES _idb_stores(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	store_name  TEXT NOT NULL,
	key_path    TEXT NOT NULL,
	is_unique   INTEGER NOT NULL DEFAULT 0,
	multi_entry INTEGER NOT NULL DEFAULT 0,
	UNIQUE (store_id, name)
);
CREATE TABLE IF NOT EXISTS _idb_records (
	store_id INTEGER NOT NULL REFERENCES _idb_stores(id) ON DELETE CASCADE,
	key      BLOB NOT NULL,
	value    BLOB NOT NULL,
	PRIMARY KEY (store_id, key)
);
CREATE TABLE IF NOT EXISTS _idb_index_entries (
	index_id    INTEGER NOT NULL REFERENCES _idb_indexes(id) ON DELETE CASCADE,
	key         BLOB NOT NULL,
	primary_key BLOB NOT NULL,
	PRIMARY KEY (index_id, key, primary_key)
);
`

const fileSuffix = ".sqlite"

// DatabaseFileName returns the file name a logical database is stored
// under: the URL-encoded database name plus the ".sqlite" suffix.
func DatabaseFileName(name string) string {
	return url.PathEscape(name) + fileSuffix
}

// DatabaseNameFromFile recovers the logical database name from a
// database file path produced by DatabaseFileName.
func DatabaseNameFromFile(path string) (string, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, fileSuffix) {
		return "", fmt.Errorf("idbsql: %s is not a %s file", path, fileSuffix)
	}
	name, err := url.PathUnescape(strings.TrimSuffix(base, fileSuffix))
	if err != nil {
		return "", fmt.Errorf("idbsql: decoding database name from %s: %w", path, err)
	}
	return name, nil
}

// keyPathsToString / stringToKeyPaths encode a store or index's (possibly
// multi-segment, possibly absent) key path as the single TEXT column the
// schema above has room for.
func keyPathsToString(paths []string) sql.NullString {
	if paths == nil {
		return sql.NullString{}
	}
	joined := ""
	for i, p := range paths {
		if i > 0 {
			joined += "\x1f"
		}
		joined += p
	}
	return sql.NullString{String: joined, Valid: true}
}

func stringToKeyPaths(ns sql.NullString) []string {
	if !ns.Valid {
		return nil
	}
	if ns.String == "" {
		return []string{""}
	}
	var out []string
	start := 0
	for i := 0; i < len(ns.String); i++ {
		if ns.String[i] == 0x1f {
			out = append(out, ns.String[start:i])
			start = i + 1
		}
	}
	out = append(out, ns.String[start:])
	return out
}

const defaultMaxPoolSize = 50
const defaultBusyTimeoutMS = 5000

// Backend is the SQLite-file-backed idbbackend.Backend, rooted at one
// directory. Every logical database opened through it gets its own file
// in that directory; the open files are pooled by database name.
type Backend struct {
	dir           string
	maxPoolSize   int
	busyTimeoutMS int

	mu      sync.Mutex
	handles map[string]*dbHandle // keyed by logical database name
	clock   int64                // monotonic LRU counter
}

// dbHandle is one pooled open database file. refs counts the live
// connections holding it; an unreferenced handle stays warm in the pool
// until LRU eviction or Backend.Close.
type dbHandle struct {
	name     string
	db       *sql.DB
	refs     int
	lastUsed int64
}

// Open creates (or attaches to) a SQLite backend rooted at dir, using
// the package defaults for the handle pool size and busy timeout.
func Open(dir string) (*Backend, error) {
	return OpenWithPool(dir, defaultMaxPoolSize, defaultBusyTimeoutMS)
}

// OpenWithPool is Open with the handle pool size and busy_timeout pragma
// overridden, for callers tuning the backend via idbconfig.SQLiteConfig.
// A zero value for either falls back to the package default.
func OpenWithPool(dir string, maxPoolSize, busyTimeoutMS int) (*Backend, error) {
	if maxPoolSize <= 0 {
		maxPoolSize = defaultMaxPoolSize
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = defaultBusyTimeoutMS
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("idbsql: creating directory %s: %w", dir, err)
	}
	return &Backend{
		dir:           dir,
		maxPoolSize:   maxPoolSize,
		busyTimeoutMS: busyTimeoutMS,
		handles:       make(map[string]*dbHandle),
	}, nil
}

// uriPathEscaper protects the characters SQLite's URI filename handling
// would otherwise interpret: the file names this package generates
// legitimately contain '%' from URL-encoding the database name.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// openDatabaseFile brings up one database file: WAL journaling, foreign
// keys on, the busy timeout, a small page cache, the fixed schema, and
// the meta rows a fresh database starts with.
func openDatabaseFile(path, name string, busyTimeoutMS int) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=%d", uriPathEscaper.Replace(path), busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("idbsql: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA cache_size=-2000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("idbsql: setting cache size: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("idbsql: applying schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO _idb_meta (key, value) VALUES ('committed_version', '0')`); err != nil {
		db.Close()
		return nil, fmt.Errorf("idbsql: seeding version: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO _idb_meta (key, value) VALUES ('name', ?)`, name); err != nil {
		db.Close()
		return nil, fmt.Errorf("idbsql: recording database name: %w", err)
	}
	return db, nil
}

// acquire returns the pooled handle for name, opening its file (and
// evicting the LRU unreferenced handle if the pool is at capacity) when
// no handle is open yet.
func (b *Backend) acquire(name string) (*dbHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock++
	if h, ok := b.handles[name]; ok {
		h.refs++
		h.lastUsed = b.clock
		return h, nil
	}
	if len(b.handles) >= b.maxPoolSize {
		b.evictLocked()
	}
	db, err := openDatabaseFile(filepath.Join(b.dir, DatabaseFileName(name)), name, b.busyTimeoutMS)
	if err != nil {
		return nil, err
	}
	h := &dbHandle{name: name, db: db, refs: 1, lastUsed: b.clock}
	b.handles[name] = h
	idbmetrics.SQLitePoolOpenHandles.Inc()
	return h, nil
}

// evictLocked closes the least-recently-used handle no connection still
// references. If every handle is referenced, nothing is evicted and the
// pool temporarily exceeds its cap.
func (b *Backend) evictLocked() {
	var victim *dbHandle
	for _, h := range b.handles {
		if h.refs > 0 {
			continue
		}
		if victim == nil || h.lastUsed < victim.lastUsed {
			victim = h
		}
	}
	if victim == nil {
		return
	}
	_ = victim.db.Close()
	delete(b.handles, victim.name)
	idbmetrics.SQLitePoolOpenHandles.Dec()
}

func (b *Backend) release(h *dbHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	b.clock++
	h.lastUsed = b.clock
}

func (b *Backend) Open(name string) (idbbackend.Connection, error) {
	h, err := b.acquire(name)
	if err != nil {
		return nil, idberr.Wrap(idberr.Unknown, "opening database", err)
	}
	return &connection{backend: b, handle: h, name: name}, nil
}

func (b *Backend) DeleteDatabase(name string) error {
	b.mu.Lock()
	if h, ok := b.handles[name]; ok {
		_ = h.db.Close()
		delete(b.handles, name)
		idbmetrics.SQLitePoolOpenHandles.Dec()
	}
	b.mu.Unlock()

	path := filepath.Join(b.dir, DatabaseFileName(name))
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return idberr.Wrap(idberr.Unknown, "deleting database file", err)
		}
	}
	return nil
}

func (b *Backend) ListDatabases() ([]idbbackend.DatabaseInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, idberr.Wrap(idberr.Unknown, "listing database files", err)
	}
	var out []idbbackend.DatabaseInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		name, err := DatabaseNameFromFile(entry.Name())
		if err != nil {
			continue
		}
		h, err := b.acquire(name)
		if err != nil {
			return nil, err
		}
		version, verr := readCommittedVersion(h.db)
		b.release(h)
		if verr != nil {
			return nil, verr
		}
		out = append(out, idbbackend.DatabaseInfo{Name: name, Version: version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func readCommittedVersion(db *sql.DB) (uint64, error) {
	var raw string
	err := db.QueryRow(`SELECT value FROM _idb_meta WHERE key = 'committed_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "reading database version", err)
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "parsing database version", err)
	}
	return version, nil
}

// Compact runs VACUUM against name's file, reclaiming space left by
// deleted records and rebuilding the file contiguously. It must not be
// called while any transaction is open against that database.
func (b *Backend) Compact(name string) error {
	h, err := b.acquire(name)
	if err != nil {
		return err
	}
	defer b.release(h)
	if _, err := h.db.Exec(`VACUUM`); err != nil {
		return idberr.Wrap(idberr.Unknown, "vacuuming database file", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, h := range b.handles {
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.handles, name)
		idbmetrics.SQLitePoolOpenHandles.Dec()
	}
	return firstErr
}

type connection struct {
	backend *Backend
	handle  *dbHandle
	name    string

	mu     sync.Mutex
	closed bool
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.backend.release(c.handle)
	return nil
}

func (c *connection) Metadata() (idbbackend.DatabaseMeta, error) {
	meta := idbbackend.DatabaseMeta{
		Name:    c.name,
		Stores:  make(map[string]idbbackend.StoreMeta),
		Indexes: make(map[string]idbbackend.IndexMeta),
	}
	version, err := readCommittedVersion(c.handle.db)
	if err != nil {
		return meta, err
	}
	meta.Version = version

	rows, err := c.handle.db.Query(`SELECT name, key_path, auto_increment, current_key FROM _idb_stores`)
	if err != nil {
		return meta, idberr.Wrap(idberr.Unknown, "reading stores", err)
	}
	for rows.Next() {
		var sm idbbackend.StoreMeta
		var kp sql.NullString
		var autoInc int
		if err := rows.Scan(&sm.Name, &kp, &autoInc, &sm.CurrentKey); err != nil {
			rows.Close()
			return meta, idberr.Wrap(idberr.Unknown, "scanning store row", err)
		}
		sm.KeyPath = stringToKeyPaths(kp)
		sm.AutoIncrement = autoInc != 0
		meta.Stores[sm.Name] = sm
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return meta, idberr.Wrap(idberr.Unknown, "reading stores", err)
	}

	irows, err := c.handle.db.Query(`SELECT store_name, name, key_path, is_unique, multi_entry FROM _idb_indexes`)
	if err != nil {
		return meta, idberr.Wrap(idberr.Unknown, "reading indexes", err)
	}
	defer irows.Close()
	for irows.Next() {
		var im idbbackend.IndexMeta
		var kp sql.NullString
		var isUnique, multiEntry int
		if err := irows.Scan(&im.StoreName, &im.Name, &kp, &isUnique, &multiEntry); err != nil {
			return meta, idberr.Wrap(idberr.Unknown, "scanning index row", err)
		}
		im.KeyPath = stringToKeyPaths(kp)
		im.Unique = isUnique != 0
		im.MultiEntry = multiEntry != 0
		meta.Indexes[im.StoreName+"\x00"+im.Name] = im
	}
	return meta, irows.Err()
}

func (c *connection) BeginTransaction(scope []string, mode idbbackend.Mode) (idbbackend.Tx, error) {
	if mode == idbbackend.ReadOnly {
		// Reads take no SQL transaction; every query sees the most
		// recently committed state.
		return &transaction{handle: c.handle, mode: mode, scope: scope}, nil
	}

	ctx := context.Background()
	conn, err := c.handle.db.Conn(ctx)
	if err != nil {
		return nil, idberr.Wrap(idberr.Unknown, "acquiring writer connection", err)
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		conn.Close()
		return nil, idberr.Wrap(idberr.Unknown, "beginning write transaction", err)
	}
	return &transaction{handle: c.handle, mode: mode, scope: scope, rawConn: conn}, nil
}

// transaction is one backend transaction against a single database
// file. Writers hold a dedicated *sql.Conn under BEGIN IMMEDIATE for
// their whole lifetime, so SQLite itself serializes concurrent writers
// at the file level; readers query the shared handle directly with no
// SQL transaction at all.
type transaction struct {
	handle  *dbHandle
	mode    idbbackend.Mode
	scope   []string
	rawConn *sql.Conn // nil for read-only
	done    bool
}

func (tx *transaction) exec(query string, args ...interface{}) (sql.Result, error) {
	if tx.rawConn != nil {
		return tx.rawConn.ExecContext(context.Background(), query, args...)
	}
	return tx.handle.db.Exec(query, args...)
}

func (tx *transaction) query(query string, args ...interface{}) (*sql.Rows, error) {
	if tx.rawConn != nil {
		return tx.rawConn.QueryContext(context.Background(), query, args...)
	}
	return tx.handle.db.Query(query, args...)
}

func (tx *transaction) queryRow(query string, args ...interface{}) *sql.Row {
	if tx.rawConn != nil {
		return tx.rawConn.QueryRowContext(context.Background(), query, args...)
	}
	return tx.handle.db.QueryRow(query, args...)
}

func (tx *transaction) requireWriter() error {
	if tx.mode == idbbackend.ReadOnly {
		return idberr.New(idberr.ReadOnly, "mutating operation on a readonly transaction")
	}
	return nil
}

func (tx *transaction) requireVersionChange() error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "schema operation requires a versionchange transaction")
	}
	return nil
}

func (tx *transaction) storeID(name string) (int64, error) {
	var id int64
	err := tx.queryRow(`SELECT id FROM _idb_stores WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, idberr.Newf(idberr.NotFound, "object store %q not found", name)
	}
	if err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "resolving store id", err)
	}
	return id, nil
}

func (tx *transaction) indexID(storeName, indexName string) (int64, error) {
	var id int64
	err := tx.queryRow(`SELECT i.id FROM _idb_indexes i JOIN _idb_stores s ON s.id = i.store_id WHERE s.name = ? AND i.name = ?`,
		storeName, indexName).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, idberr.Newf(idberr.NotFound, "index %q not found on store %q", indexName, storeName)
	}
	if err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "resolving index id", err)
	}
	return id, nil
}

func (tx *transaction) CreateObjectStore(meta idbbackend.StoreMeta) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	autoInc := 0
	if meta.AutoIncrement {
		autoInc = 1
	}
	if meta.CurrentKey == 0 {
		meta.CurrentKey = 1
	}
	_, err := tx.exec(`INSERT INTO _idb_stores (name, key_path, auto_increment, current_key) VALUES (?, ?, ?, ?)`,
		meta.Name, keyPathsToString(meta.KeyPath), autoInc, meta.CurrentKey)
	if err != nil {
		return idberr.Wrap(idberr.Constraint, fmt.Sprintf("object store %q already exists", meta.Name), err)
	}
	return nil
}

func (tx *transaction) DeleteObjectStore(name string) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	id, err := tx.storeID(name)
	if err != nil {
		return err
	}
	// FK cascades drop the store's indexes, records, and index entries.
	if _, err := tx.exec(`DELETE FROM _idb_stores WHERE id = ?`, id); err != nil {
		return idberr.Wrap(idberr.Unknown, "deleting store", err)
	}
	return nil
}

func (tx *transaction) RenameObjectStore(oldName, newName string) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	id, err := tx.storeID(oldName)
	if err != nil {
		return err
	}
	if _, err := tx.exec(`UPDATE _idb_stores SET name = ? WHERE id = ?`, newName, id); err != nil {
		return idberr.Wrap(idberr.Constraint, fmt.Sprintf("object store %q already exists", newName), err)
	}
	if _, err := tx.exec(`UPDATE _idb_indexes SET store_name = ? WHERE store_id = ?`, newName, id); err != nil {
		return idberr.Wrap(idberr.Unknown, "renaming store's index rows", err)
	}
	return nil
}

func (tx *transaction) CreateIndex(meta idbbackend.IndexMeta) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	sid, err := tx.storeID(meta.StoreName)
	if err != nil {
		return err
	}
	isUnique, multiEntry := 0, 0
	if meta.Unique {
		isUnique = 1
	}
	if meta.MultiEntry {
		multiEntry = 1
	}
	res, err := tx.exec(`INSERT INTO _idb_indexes (store_id, name, store_name, key_path, is_unique, multi_entry) VALUES (?, ?, ?, ?, ?, ?)`,
		sid, meta.Name, meta.StoreName, keyPathsToString(meta.KeyPath), isUnique, multiEntry)
	if err != nil {
		return idberr.Wrap(idberr.Constraint, fmt.Sprintf("index %q already exists on store %q", meta.Name, meta.StoreName), err)
	}
	iid, err := res.LastInsertId()
	if err != nil {
		return idberr.Wrap(idberr.Unknown, "reading new index id", err)
	}

	rows, err := tx.query(`SELECT key, value FROM _idb_records WHERE store_id = ?`, sid)
	if err != nil {
		return idberr.Wrap(idberr.Unknown, "scanning store for index population", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return idberr.Wrap(idberr.Unknown, "scanning record for index population", err)
		}
		keys, has, err := extractIndexKeys(meta, value)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		for _, k := range keys {
			if err := tx.insertIndexEntry(iid, meta.Name, meta.Unique, idbkey.Encode(k), key); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

func (tx *transaction) insertIndexEntry(indexID int64, indexName string, unique bool, encodedKey, primaryKey []byte) error {
	if unique {
		var existing []byte
		err := tx.queryRow(`SELECT primary_key FROM _idb_index_entries WHERE index_id = ? AND key = ?`,
			indexID, encodedKey).Scan(&existing)
		if err == nil && idbkey.CompareEncoded(existing, primaryKey) != 0 {
			return idberr.Newf(idberr.Constraint, "index %q: unique constraint violated", indexName)
		}
	}
	_, err := tx.exec(`INSERT OR REPLACE INTO _idb_index_entries (index_id, key, primary_key) VALUES (?, ?, ?)`,
		indexID, encodedKey, primaryKey)
	if err != nil {
		return idberr.Wrap(idberr.Unknown, "writing index entry", err)
	}
	return nil
}

func (tx *transaction) DeleteIndex(storeName, indexName string) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	id, err := tx.indexID(storeName, indexName)
	if err != nil {
		return err
	}
	if _, err := tx.exec(`DELETE FROM _idb_indexes WHERE id = ?`, id); err != nil {
		return idberr.Wrap(idberr.Unknown, "deleting index", err)
	}
	return nil
}

func (tx *transaction) RenameIndex(storeName, oldName, newName string) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	id, err := tx.indexID(storeName, oldName)
	if err != nil {
		return err
	}
	if _, err := tx.exec(`UPDATE _idb_indexes SET name = ? WHERE id = ?`, newName, id); err != nil {
		return idberr.Wrap(idberr.Constraint, fmt.Sprintf("index %q already exists", newName), err)
	}
	return nil
}

func extractIndexKeys(meta idbbackend.IndexMeta, value []byte) ([]idbkey.Key, bool, error) {
	decoded, err := idbvalue.Decode(value)
	if err != nil {
		return nil, false, err
	}
	getter := func(path string) (interface{}, bool) { return idbvalue.Get(decoded, path) }
	if !meta.MultiEntry {
		k, ok, err := idbkey.ExtractFromValue(getter, meta.KeyPath)
		if err != nil || !ok {
			return nil, false, err
		}
		return []idbkey.Key{k}, true, nil
	}
	raw, ok := getter(meta.KeyPath[0])
	if !ok {
		return nil, false, nil
	}
	arr, isArr := raw.([]interface{})
	if !isArr {
		k, err := idbkey.FromGo(raw)
		if err != nil {
			return nil, false, nil
		}
		return []idbkey.Key{k}, true, nil
	}
	var keys []idbkey.Key
	for _, el := range arr {
		k, err := idbkey.FromGo(el)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, false, nil
	}
	idbkey.SortKeys(keys)
	return idbkey.Dedup(keys), true, nil
}

// indexRow pairs an index's row id with its metadata, the shape Put's
// constraint checks and entry rewrites need.
type indexRow struct {
	id   int64
	meta idbbackend.IndexMeta
}

func (tx *transaction) indexesForStore(storeID int64, storeName string) ([]indexRow, error) {
	rows, err := tx.query(`SELECT id, name, key_path, is_unique, multi_entry FROM _idb_indexes WHERE store_id = ?`, storeID)
	if err != nil {
		return nil, idberr.Wrap(idberr.Unknown, "reading indexes for store", err)
	}
	defer rows.Close()
	var out []indexRow
	for rows.Next() {
		var ir indexRow
		var kp sql.NullString
		var isUnique, multiEntry int
		if err := rows.Scan(&ir.id, &ir.meta.Name, &kp, &isUnique, &multiEntry); err != nil {
			return nil, idberr.Wrap(idberr.Unknown, "scanning index row", err)
		}
		ir.meta.StoreName = storeName
		ir.meta.KeyPath = stringToKeyPaths(kp)
		ir.meta.Unique = isUnique != 0
		ir.meta.MultiEntry = multiEntry != 0
		out = append(out, ir)
	}
	return out, rows.Err()
}

func (tx *transaction) Put(storeName string, key, value []byte, overwrite bool) error {
	if err := tx.requireWriter(); err != nil {
		return err
	}
	sid, err := tx.storeID(storeName)
	if err != nil {
		return err
	}
	// A put mutates the record row plus every index on the store; the
	// savepoint makes the compound mutation atomic within the enclosing
	// transaction, so an index-constraint failure unwinds the record
	// write too.
	if _, err := tx.exec(`SAVEPOINT idb_put`); err != nil {
		return idberr.Wrap(idberr.Unknown, "opening put savepoint", err)
	}
	if err := tx.putInSavepoint(sid, storeName, key, value, overwrite); err != nil {
		_, _ = tx.exec(`ROLLBACK TO idb_put`)
		_, _ = tx.exec(`RELEASE idb_put`)
		return err
	}
	if _, err := tx.exec(`RELEASE idb_put`); err != nil {
		return idberr.Wrap(idberr.Unknown, "releasing put savepoint", err)
	}
	return nil
}

func (tx *transaction) putInSavepoint(sid int64, storeName string, key, value []byte, overwrite bool) error {
	indexRows, err := tx.indexesForStore(sid, storeName)
	if err != nil {
		return err
	}
	type pending struct {
		row  indexRow
		keys []idbkey.Key
	}
	var pendings []pending
	for _, ir := range indexRows {
		keys, has, err := extractIndexKeys(ir.meta, value)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		if ir.meta.Unique {
			for _, k := range keys {
				var existing []byte
				err := tx.queryRow(`SELECT primary_key FROM _idb_index_entries WHERE index_id = ? AND key = ?`,
					ir.id, idbkey.Encode(k)).Scan(&existing)
				if err == nil && idbkey.CompareEncoded(existing, key) != 0 {
					return idberr.Newf(idberr.Constraint, "index %q: unique constraint violated", ir.meta.Name)
				}
			}
		}
		pendings = append(pendings, pending{row: ir, keys: keys})
	}

	if _, err := tx.exec(`DELETE FROM _idb_index_entries WHERE primary_key = ? AND index_id IN (SELECT id FROM _idb_indexes WHERE store_id = ?)`, key, sid); err != nil {
		return idberr.Wrap(idberr.Unknown, "clearing old index entries", err)
	}
	if overwrite {
		_, err = tx.exec(`INSERT OR REPLACE INTO _idb_records (store_id, key, value) VALUES (?, ?, ?)`, sid, key, value)
	} else {
		_, err = tx.exec(`INSERT INTO _idb_records (store_id, key, value) VALUES (?, ?, ?)`, sid, key, value)
	}
	if err != nil {
		return idberr.Wrap(idberr.Constraint, "key already exists in object store", err)
	}
	for _, p := range pendings {
		for _, k := range p.keys {
			if _, err := tx.exec(`INSERT OR REPLACE INTO _idb_index_entries (index_id, key, primary_key) VALUES (?, ?, ?)`,
				p.row.id, idbkey.Encode(k), key); err != nil {
				return idberr.Wrap(idberr.Unknown, "writing index entry", err)
			}
		}
	}
	return nil
}

func rangePredicate(r idbbackend.KeyRange, column string) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if r.HasLower {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", column, op))
		args = append(args, r.Lower)
	}
	if r.HasUpper {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", column, op))
		args = append(args, r.Upper)
	}
	if len(clauses) == 0 {
		return "1 = 1", nil
	}
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out, args
}

func (tx *transaction) Get(storeName string, r idbbackend.KeyRange) (idbbackend.Record, bool, error) {
	sid, err := tx.storeID(storeName)
	if err != nil {
		return idbbackend.Record{}, false, err
	}
	pred, args := rangePredicate(r, "key")
	q := fmt.Sprintf(`SELECT key, value FROM _idb_records WHERE store_id = ? AND %s ORDER BY key ASC LIMIT 1`, pred)
	full := append([]interface{}{sid}, args...)
	var rec idbbackend.Record
	err = tx.queryRow(q, full...).Scan(&rec.Key, &rec.Value)
	if err == sql.ErrNoRows {
		return idbbackend.Record{}, false, nil
	}
	if err != nil {
		return idbbackend.Record{}, false, idberr.Wrap(idberr.Unknown, "reading record", err)
	}
	return rec, true, nil
}

func (tx *transaction) GetAll(storeName string, r idbbackend.KeyRange, limit int) ([]idbbackend.Record, error) {
	sid, err := tx.storeID(storeName)
	if err != nil {
		return nil, err
	}
	pred, args := rangePredicate(r, "key")
	q := fmt.Sprintf(`SELECT key, value FROM _idb_records WHERE store_id = ? AND %s ORDER BY key ASC`, pred)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	full := append([]interface{}{sid}, args...)
	rows, err := tx.query(q, full...)
	if err != nil {
		return nil, idberr.Wrap(idberr.Unknown, "scanning records", err)
	}
	defer rows.Close()
	var out []idbbackend.Record
	for rows.Next() {
		var rec idbbackend.Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, idberr.Wrap(idberr.Unknown, "scanning record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (tx *transaction) GetAllKeys(storeName string, r idbbackend.KeyRange, limit int) ([][]byte, error) {
	recs, err := tx.GetAll(storeName, r, limit)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(recs))
	for i, rec := range recs {
		out[i] = rec.Key
	}
	return out, nil
}

func (tx *transaction) Delete(storeName string, r idbbackend.KeyRange) error {
	if err := tx.requireWriter(); err != nil {
		return err
	}
	sid, err := tx.storeID(storeName)
	if err != nil {
		return err
	}
	pred, args := rangePredicate(r, "key")
	full := append([]interface{}{sid}, args...)
	q := fmt.Sprintf(`DELETE FROM _idb_index_entries WHERE primary_key IN (SELECT key FROM _idb_records WHERE store_id = ? AND %s) AND index_id IN (SELECT id FROM _idb_indexes WHERE store_id = ?)`, pred)
	if _, err := tx.exec(q, append(append([]interface{}{}, full...), sid)...); err != nil {
		return idberr.Wrap(idberr.Unknown, "deleting index entries", err)
	}
	q = fmt.Sprintf(`DELETE FROM _idb_records WHERE store_id = ? AND %s`, pred)
	if _, err := tx.exec(q, full...); err != nil {
		return idberr.Wrap(idberr.Unknown, "deleting records", err)
	}
	return nil
}

func (tx *transaction) Clear(storeName string) error {
	if err := tx.requireWriter(); err != nil {
		return err
	}
	sid, err := tx.storeID(storeName)
	if err != nil {
		return err
	}
	if _, err := tx.exec(`DELETE FROM _idb_index_entries WHERE index_id IN (SELECT id FROM _idb_indexes WHERE store_id = ?)`, sid); err != nil {
		return idberr.Wrap(idberr.Unknown, "clearing index entries", err)
	}
	if _, err := tx.exec(`DELETE FROM _idb_records WHERE store_id = ?`, sid); err != nil {
		return idberr.Wrap(idberr.Unknown, "clearing records", err)
	}
	return nil
}

func (tx *transaction) Count(storeName string, r idbbackend.KeyRange) (int, error) {
	sid, err := tx.storeID(storeName)
	if err != nil {
		return 0, err
	}
	pred, args := rangePredicate(r, "key")
	q := fmt.Sprintf(`SELECT COUNT(*) FROM _idb_records WHERE store_id = ? AND %s`, pred)
	full := append([]interface{}{sid}, args...)
	var n int
	if err := tx.queryRow(q, full...).Scan(&n); err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "counting records", err)
	}
	return n, nil
}

func (tx *transaction) IndexGet(storeName, indexName string, r idbbackend.KeyRange) (idbbackend.Record, bool, error) {
	iid, err := tx.indexID(storeName, indexName)
	if err != nil {
		return idbbackend.Record{}, false, err
	}
	pred, args := rangePredicate(r, "key")
	q := fmt.Sprintf(`SELECT primary_key FROM _idb_index_entries WHERE index_id = ? AND %s ORDER BY key ASC, primary_key ASC LIMIT 1`, pred)
	full := append([]interface{}{iid}, args...)
	var pk []byte
	err = tx.queryRow(q, full...).Scan(&pk)
	if err == sql.ErrNoRows {
		return idbbackend.Record{}, false, nil
	}
	if err != nil {
		return idbbackend.Record{}, false, idberr.Wrap(idberr.Unknown, "reading index entry", err)
	}
	rec, ok, err := tx.Get(storeName, idbbackend.Only(pk))
	return rec, ok, err
}

func (tx *transaction) IndexGetAll(storeName, indexName string, r idbbackend.KeyRange, limit int) ([]idbbackend.Record, error) {
	pks, err := tx.IndexGetAllKeys(storeName, indexName, r, limit)
	if err != nil {
		return nil, err
	}
	out := make([]idbbackend.Record, 0, len(pks))
	for _, pk := range pks {
		rec, ok, err := tx.Get(storeName, idbbackend.Only(pk))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (tx *transaction) IndexGetAllKeys(storeName, indexName string, r idbbackend.KeyRange, limit int) ([][]byte, error) {
	iid, err := tx.indexID(storeName, indexName)
	if err != nil {
		return nil, err
	}
	pred, args := rangePredicate(r, "key")
	q := fmt.Sprintf(`SELECT primary_key FROM _idb_index_entries WHERE index_id = ? AND %s ORDER BY key ASC, primary_key ASC`, pred)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	full := append([]interface{}{iid}, args...)
	rows, err := tx.query(q, full...)
	if err != nil {
		return nil, idberr.Wrap(idberr.Unknown, "scanning index entries", err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var pk []byte
		if err := rows.Scan(&pk); err != nil {
			return nil, idberr.Wrap(idberr.Unknown, "scanning index entry", err)
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

func (tx *transaction) IndexCount(storeName, indexName string, r idbbackend.KeyRange) (int, error) {
	iid, err := tx.indexID(storeName, indexName)
	if err != nil {
		return 0, err
	}
	pred, args := rangePredicate(r, "key")
	q := fmt.Sprintf(`SELECT COUNT(*) FROM _idb_index_entries WHERE index_id = ? AND %s`, pred)
	full := append([]interface{}{iid}, args...)
	var n int
	if err := tx.queryRow(q, full...).Scan(&n); err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "counting index entries", err)
	}
	return n, nil
}

// cursor live-requeries one row ahead of its current position each time
// Continue is called, rather than buffering the whole filtered range up
// front: large scans stay memory-flat, at the cost of one extra query per
// step. Chosen over a chunked buffered-fetch cursor.
type cursor struct {
	tx      *transaction
	baseSQL string // selects (key, primary_key, value) — args filled by caller
	args    []interface{}
	keyCol  string // column name for the cursor key in baseSQL's row set
	pkCol   string // column name for the primary key
	forward bool
	unique  bool

	valid      bool
	key        []byte
	primaryKey []byte
	value      []byte
	lastKey    []byte
	lastPK     []byte
	started    bool
}

func (c *cursor) Valid() bool        { return c.valid }
func (c *cursor) Key() []byte        { return c.key }
func (c *cursor) PrimaryKey() []byte { return c.primaryKey }
func (c *cursor) Value() []byte      { return c.value }

func (c *cursor) Continue(targetKey, targetPrimaryKey []byte) (bool, error) {
	strict, orEq := ">", ">="
	order := "ASC"
	if !c.forward {
		strict, orEq = "<", "<="
		order = "DESC"
	}

	var clauses []string
	var args []interface{}
	args = append(args, c.args...)

	switch {
	case targetKey != nil && targetPrimaryKey != nil:
		// continuePrimaryKey: land on (targetKey, targetPrimaryKey) or later.
		clauses = append(clauses, fmt.Sprintf("(%s %s ? OR (%s = ? AND %s %s ?))", c.keyCol, strict, c.keyCol, c.pkCol, orEq))
		args = append(args, targetKey, targetKey, targetPrimaryKey)
	case targetKey != nil:
		clauses = append(clauses, fmt.Sprintf("%s %s ?", c.keyCol, orEq))
		args = append(args, targetKey)
	case c.started && c.unique:
		// nextunique/prevunique: skip the whole group sharing the current key.
		clauses = append(clauses, fmt.Sprintf("%s %s ?", c.keyCol, strict))
		args = append(args, c.lastKey)
	case c.started:
		clauses = append(clauses, fmt.Sprintf("(%s %s ? OR (%s = ? AND %s %s ?))", c.keyCol, strict, c.keyCol, c.pkCol, strict))
		args = append(args, c.lastKey, c.lastKey, c.lastPK)
	}

	q := c.baseSQL
	for _, cl := range clauses {
		q += " AND " + cl
	}
	q += fmt.Sprintf(" ORDER BY %s %s, %s %s LIMIT 1", c.keyCol, order, c.pkCol, order)

	rows, err := c.tx.query(q, args...)
	if err != nil {
		return false, idberr.Wrap(idberr.Unknown, "advancing cursor", err)
	}
	defer rows.Close()
	if !rows.Next() {
		c.valid = false
		return false, rows.Err()
	}
	var key, pk, val []byte
	if err := rows.Scan(&key, &pk, &val); err != nil {
		return false, idberr.Wrap(idberr.Unknown, "scanning cursor row", err)
	}
	c.key, c.primaryKey, c.value = key, pk, val
	c.lastKey, c.lastPK = key, pk
	c.started = true
	c.valid = true
	return true, nil
}

func newCursor(tx *transaction, baseSQL string, args []interface{}, keyCol, pkCol string, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	c := &cursor{
		tx:      tx,
		baseSQL: baseSQL,
		args:    args,
		keyCol:  keyCol,
		pkCol:   pkCol,
		forward: dir.Forward(),
		unique:  dir.Unique(),
	}
	_, err := c.Continue(nil, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (tx *transaction) OpenCursor(storeName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	sid, err := tx.storeID(storeName)
	if err != nil {
		return nil, err
	}
	pred, args := rangePredicate(r, "key")
	base := fmt.Sprintf(`SELECT key, key, value FROM _idb_records WHERE store_id = ? AND %s`, pred)
	return newCursor(tx, base, append([]interface{}{sid}, args...), "key", "key", dir)
}

func (tx *transaction) OpenKeyCursor(storeName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	sid, err := tx.storeID(storeName)
	if err != nil {
		return nil, err
	}
	pred, args := rangePredicate(r, "key")
	base := fmt.Sprintf(`SELECT key, key, NULL FROM _idb_records WHERE store_id = ? AND %s`, pred)
	return newCursor(tx, base, append([]interface{}{sid}, args...), "key", "key", dir)
}

func (tx *transaction) OpenIndexCursor(storeName, indexName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	sid, err := tx.storeID(storeName)
	if err != nil {
		return nil, err
	}
	iid, err := tx.indexID(storeName, indexName)
	if err != nil {
		return nil, err
	}
	pred, args := rangePredicate(r, "e.key")
	base := fmt.Sprintf(`SELECT e.key, e.primary_key, r.value FROM _idb_index_entries e
		JOIN _idb_records r ON r.store_id = ? AND r.key = e.primary_key
		WHERE e.index_id = ? AND %s`, pred)
	return newCursor(tx, base, append([]interface{}{sid, iid}, args...), "e.key", "e.primary_key", dir)
}

func (tx *transaction) OpenIndexKeyCursor(storeName, indexName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	iid, err := tx.indexID(storeName, indexName)
	if err != nil {
		return nil, err
	}
	pred, args := rangePredicate(r, "key")
	base := fmt.Sprintf(`SELECT key, primary_key, NULL FROM _idb_index_entries WHERE index_id = ? AND %s`, pred)
	return newCursor(tx, base, append([]interface{}{iid}, args...), "key", "primary_key", dir)
}

func (tx *transaction) NextAutoIncrementKey(storeName string) (float64, error) {
	var current float64
	err := tx.queryRow(`SELECT current_key FROM _idb_stores WHERE name = ?`, storeName).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, idberr.Newf(idberr.NotFound, "object store %q not found", storeName)
	}
	if err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "reading auto-increment counter", err)
	}
	if current >= idbbackend.MaxGeneratorKey {
		idbmetrics.AutoIncrementExhaustedTotal.Inc()
		return 0, idberr.New(idberr.Constraint, "auto-increment generator exhausted")
	}
	if _, err := tx.exec(`UPDATE _idb_stores SET current_key = ? WHERE name = ?`, current+1, storeName); err != nil {
		return 0, idberr.Wrap(idberr.Unknown, "advancing auto-increment counter", err)
	}
	return current, nil
}

func (tx *transaction) MaybeUpdateKeyGenerator(storeName string, key float64) error {
	var current float64
	err := tx.queryRow(`SELECT current_key FROM _idb_stores WHERE name = ?`, storeName).Scan(&current)
	if err == sql.ErrNoRows {
		return idberr.Newf(idberr.NotFound, "object store %q not found", storeName)
	}
	if err != nil {
		return idberr.Wrap(idberr.Unknown, "reading auto-increment counter", err)
	}
	next := math.Floor(key) + 1
	if next > idbbackend.MaxGeneratorKey {
		next = idbbackend.MaxGeneratorKey
	}
	if next > current {
		if _, err := tx.exec(`UPDATE _idb_stores SET current_key = ? WHERE name = ?`, next, storeName); err != nil {
			return idberr.Wrap(idberr.Unknown, "raising auto-increment counter", err)
		}
	}
	return nil
}

func (tx *transaction) SetVersion(version uint64) error {
	if err := tx.requireVersionChange(); err != nil {
		return err
	}
	if _, err := tx.exec(`INSERT OR REPLACE INTO _idb_meta (key, value) VALUES ('committed_version', ?)`,
		strconv.FormatUint(version, 10)); err != nil {
		return idberr.Wrap(idberr.Unknown, "updating database version", err)
	}
	return nil
}

func (tx *transaction) Commit() error {
	if tx.done {
		return idberr.New(idberr.InvalidState, "transaction already finished")
	}
	tx.done = true
	if tx.rawConn == nil {
		return nil
	}
	_, err := tx.rawConn.ExecContext(context.Background(), `COMMIT`)
	tx.rawConn.Close()
	if err != nil {
		return idberr.Wrap(idberr.Unknown, "committing transaction", err)
	}
	return nil
}

func (tx *transaction) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.rawConn == nil {
		return nil
	}
	_, err := tx.rawConn.ExecContext(context.Background(), `ROLLBACK`)
	tx.rawConn.Close()
	return err
}
