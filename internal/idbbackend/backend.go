/*
Package idbbackend defines the storage-backend trait every concrete
backend (internal/idbmem, internal/idbsql) implements, plus the shared
types (KeyRange, Direction, metadata records) that flow across it. The
request/transaction core in internal/idbengine depends only on this
package, never on a concrete backend, so swapping backends never touches
engine logic.
*/
package idbbackend

import "github.com/cuemby/idb/internal/idbkey"

// Direction is a cursor's iteration direction, matching the four
// IndexedDB cursor directions.
type Direction int

const (
	Next Direction = iota
	NextUnique
	Prev
	PrevUnique
)

// Forward reports whether dir iterates in increasing key order.
func (d Direction) Forward() bool { return d == Next || d == NextUnique }

// Unique reports whether dir skips duplicate keys (the index-cursor
// "...unique" directions).
func (d Direction) Unique() bool { return d == NextUnique || d == PrevUnique }

// Mode is a transaction's access mode.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	VersionChange
)

// KeyRange is a (possibly open-ended, possibly open-bounded) interval
// over encoded keys.
type KeyRange struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool
	UpperOpen bool
	HasLower  bool
	HasUpper  bool
}

// Unbounded matches every key.
func Unbounded() KeyRange { return KeyRange{} }

// Only matches exactly one key.
func Only(k []byte) KeyRange {
	return KeyRange{Lower: k, Upper: k, HasLower: true, HasUpper: true}
}

// LowerBound matches keys >= k (or > k if open).
func LowerBound(k []byte, open bool) KeyRange {
	return KeyRange{Lower: k, HasLower: true, LowerOpen: open}
}

// UpperBound matches keys <= k (or < k if open).
func UpperBound(k []byte, open bool) KeyRange {
	return KeyRange{Upper: k, HasUpper: true, UpperOpen: open}
}

// Bound matches keys between lo and hi.
func Bound(lo, hi []byte, loOpen, hiOpen bool) KeyRange {
	return KeyRange{Lower: lo, Upper: hi, HasLower: true, HasUpper: true, LowerOpen: loOpen, UpperOpen: hiOpen}
}

// Includes reports whether k falls inside the range.
func (r KeyRange) Includes(k []byte) bool {
	if r.HasLower {
		c := idbkey.CompareEncoded(k, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.HasUpper {
		c := idbkey.CompareEncoded(k, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// StoreMeta describes one object store's schema-level attributes.
type StoreMeta struct {
	Name           string
	KeyPath        []string // nil means no in-line key path (out-of-line keys)
	AutoIncrement  bool
	CurrentKey     float64 // smallest integer guaranteed greater than every inserted integer key
}

// IndexMeta describes one index's schema-level attributes.
type IndexMeta struct {
	Name       string
	StoreName  string
	KeyPath    []string
	Unique     bool
	MultiEntry bool
}

// DatabaseMeta is the schema snapshot returned by Connection.Metadata.
type DatabaseMeta struct {
	Name    string
	Version uint64
	Stores  map[string]StoreMeta
	Indexes map[string]IndexMeta // keyed by StoreName + "\x00" + Name
}

// Record is one (key, value) pair as seen by getAll/cursor scans.
type Record struct {
	Key   []byte
	Value []byte
}

// IndexEntry is one (secondary key, primary key) pair.
type IndexEntry struct {
	Key        []byte
	PrimaryKey []byte
}

// Backend opens and deletes whole databases. Each Backend implementation
// owns exactly one storage medium (in-process slices, or a directory of
// per-database SQLite files).
type Backend interface {
	// Open returns a Connection bound to the named database, creating it
	// (at version 0) if it does not already exist.
	Open(name string) (Connection, error)
	// DeleteDatabase removes a database entirely. It is a no-op if the
	// database does not exist.
	DeleteDatabase(name string) error
	// ListDatabases returns the (name, committed version) of every
	// database this backend currently holds.
	ListDatabases() ([]DatabaseInfo, error)
	// Close releases any resources (file handles, pools) held by the
	// backend.
	Close() error
}

// DatabaseInfo is the summary returned by Backend.ListDatabases.
type DatabaseInfo struct {
	Name    string
	Version uint64
}

// Connection is a backend-level handle to one open database. It is the
// backend's view of "Connection" in the spec, scoped well below the
// client-facing idb.Connection, which layers request/transaction
// semantics on top of this.
type Connection interface {
	Metadata() (DatabaseMeta, error)
	BeginTransaction(scope []string, mode Mode) (Tx, error)
	Close() error
}

// Tx is a backend transaction: the set of mutating and read operations
// available once a scope and mode are fixed, plus cursor factories and
// the terminal Commit/Abort.
type Tx interface {
	// Schema (versionchange only).
	CreateObjectStore(meta StoreMeta) error
	DeleteObjectStore(name string) error
	RenameObjectStore(oldName, newName string) error
	CreateIndex(meta IndexMeta) error
	DeleteIndex(storeName, indexName string) error
	RenameIndex(storeName, oldName, newName string) error

	// Data.
	Get(store string, r KeyRange) (Record, bool, error)
	GetAll(store string, r KeyRange, limit int) ([]Record, error)
	GetAllKeys(store string, r KeyRange, limit int) ([][]byte, error)
	Put(store string, key, value []byte, overwrite bool) error
	Delete(store string, r KeyRange) error
	Clear(store string) error
	Count(store string, r KeyRange) (int, error)

	// Index data.
	IndexGet(store, index string, r KeyRange) (Record, bool, error)
	IndexGetAll(store, index string, r KeyRange, limit int) ([]Record, error)
	IndexGetAllKeys(store, index string, r KeyRange, limit int) ([][]byte, error)
	IndexCount(store, index string, r KeyRange) (int, error)

	// Cursors.
	OpenCursor(store string, r KeyRange, dir Direction) (Cursor, error)
	OpenKeyCursor(store string, r KeyRange, dir Direction) (Cursor, error)
	OpenIndexCursor(store, index string, r KeyRange, dir Direction) (Cursor, error)
	OpenIndexKeyCursor(store, index string, r KeyRange, dir Direction) (Cursor, error)

	// Auto-increment.
	NextAutoIncrementKey(store string) (float64, error)
	MaybeUpdateKeyGenerator(store string, key float64) error

	// SetVersion records the database's new committed version. Only valid
	// on a versionchange transaction; takes effect on Commit.
	SetVersion(version uint64) error

	// Lifecycle.
	Commit() error
	Abort() error
}

// Cursor is a backend-level iterator positioned at a single (key,
// primaryKey, value) triple, or exhausted.
type Cursor interface {
	Valid() bool
	Key() []byte
	PrimaryKey() []byte
	Value() []byte
	// Continue advances one step in the cursor's direction, optionally
	// constrained to land on or after (or before) targetKey/targetPrimaryKey
	// when non-nil. It returns whether a record was found.
	Continue(targetKey, targetPrimaryKey []byte) (bool, error)
}

const (
	// MaxGeneratorKey is the largest key an auto-increment generator may
	// produce, matching IndexedDB's 2^53 ceiling (the largest integer
	// exactly representable in a float64).
	MaxGeneratorKey = float64(1 << 53)
)
