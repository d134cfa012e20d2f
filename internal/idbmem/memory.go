/*
Package idbmem implements the in-memory idbbackend.Backend: each object
store is a slice sorted by encoded key, binary-searched for point reads
and in-order inserts; each index is a slice sorted by (index key, primary
key). Every transaction, read-only ones included, copies the owning
database's store and index slices at begin time and works on that copy
— a writer's commit publishes the copy as the new committed state, abort
just discards it and leaves the previously-committed state untouched. This
mirrors the copy-on-write discipline Warren's BoltDB-backed storage gets
for free from bbolt's own B+tree; here it has to be done by hand because
nothing on-disk is backing these slices.
*/
package idbmem

import (
	"math"
	"sort"
	"sync"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
	"github.com/cuemby/idb/pkg/idbmetrics"
)

type record struct {
	key   []byte
	value []byte
}

type indexEntry struct {
	key        []byte
	primaryKey []byte
}

type store struct {
	meta    idbbackend.StoreMeta
	records []record // sorted by key
}

type index struct {
	meta    idbbackend.IndexMeta
	entries []indexEntry // sorted by (key, primaryKey)
}

func (s *store) clone() *store {
	out := &store{meta: s.meta, records: make([]record, len(s.records))}
	copy(out.records, s.records)
	return out
}

func (i *index) clone() *index {
	out := &index{meta: i.meta, entries: make([]indexEntry, len(i.entries))}
	copy(out.entries, i.entries)
	return out
}

// database is the committed state of one logical database.
type database struct {
	mu      sync.Mutex // serializes writer transactions (commit order)
	name    string
	version uint64
	stores  map[string]*store
	indexes map[string]*index // keyed by storeName + "\x00" + indexName
}

func indexKey(storeName, indexName string) string { return storeName + "\x00" + indexName }

func (db *database) snapshot() (map[string]*store, map[string]*index) {
	stores := make(map[string]*store, len(db.stores))
	for k, v := range db.stores {
		stores[k] = v.clone()
	}
	indexes := make(map[string]*index, len(db.indexes))
	for k, v := range db.indexes {
		indexes[k] = v.clone()
	}
	return stores, indexes
}

// Backend is the in-memory idbbackend.Backend implementation.
type Backend struct {
	mu  sync.Mutex
	dbs map[string]*database
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{dbs: make(map[string]*database)}
}

func (b *Backend) Open(name string) (idbbackend.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, ok := b.dbs[name]
	if !ok {
		db = &database{name: name, stores: make(map[string]*store), indexes: make(map[string]*index)}
		b.dbs[name] = db
	}
	return &connection{backend: b, db: db}, nil
}

func (b *Backend) DeleteDatabase(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.dbs, name)
	return nil
}

func (b *Backend) ListDatabases() ([]idbbackend.DatabaseInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]idbbackend.DatabaseInfo, 0, len(b.dbs))
	for _, db := range b.dbs {
		out = append(out, idbbackend.DatabaseInfo{Name: db.name, Version: db.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) Close() error { return nil }

type connection struct {
	backend *Backend
	db      *database
}

func (c *connection) Metadata() (idbbackend.DatabaseMeta, error) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	meta := idbbackend.DatabaseMeta{
		Name:    c.db.name,
		Version: c.db.version,
		Stores:  make(map[string]idbbackend.StoreMeta, len(c.db.stores)),
		Indexes: make(map[string]idbbackend.IndexMeta, len(c.db.indexes)),
	}
	for name, s := range c.db.stores {
		meta.Stores[name] = s.meta
	}
	for key, idx := range c.db.indexes {
		meta.Indexes[key] = idx.meta
	}
	return meta, nil
}

func (c *connection) BeginTransaction(scope []string, mode idbbackend.Mode) (idbbackend.Tx, error) {
	tx := &transaction{conn: c, mode: mode, scope: scope}
	if mode == idbbackend.ReadOnly {
		c.backend.mu.Lock()
		tx.stores, tx.indexes = c.db.snapshot()
		c.backend.mu.Unlock()
		return tx, nil
	}
	c.db.mu.Lock() // serializes writers; released on Commit/Abort
	c.backend.mu.Lock()
	tx.stores, tx.indexes = c.db.snapshot()
	c.backend.mu.Unlock()
	tx.writer = true
	return tx, nil
}

func (c *connection) Close() error { return nil }

type transaction struct {
	conn    *connection
	mode    idbbackend.Mode
	scope   []string
	writer  bool
	done    bool
	stores  map[string]*store
	indexes map[string]*index

	pendingVersion    uint64
	pendingVersionSet bool
}

func (tx *transaction) indexesForStore(storeName string) []idbbackend.IndexMeta {
	var out []idbbackend.IndexMeta
	for _, idx := range tx.indexes {
		if idx.meta.StoreName == storeName {
			out = append(out, idx.meta)
		}
	}
	return out
}

func (tx *transaction) CreateObjectStore(meta idbbackend.StoreMeta) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "createObjectStore requires a versionchange transaction")
	}
	if _, ok := tx.stores[meta.Name]; ok {
		return idberr.Newf(idberr.Constraint, "object store %q already exists", meta.Name)
	}
	if meta.CurrentKey == 0 {
		meta.CurrentKey = 1
	}
	tx.stores[meta.Name] = &store{meta: meta}
	return nil
}

func (tx *transaction) DeleteObjectStore(name string) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "deleteObjectStore requires a versionchange transaction")
	}
	if _, ok := tx.stores[name]; !ok {
		return idberr.Newf(idberr.NotFound, "object store %q not found", name)
	}
	delete(tx.stores, name)
	for key, idx := range tx.indexes {
		if idx.meta.StoreName == name {
			delete(tx.indexes, key)
		}
	}
	return nil
}

func (tx *transaction) RenameObjectStore(oldName, newName string) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "renaming a store requires a versionchange transaction")
	}
	s, ok := tx.stores[oldName]
	if !ok {
		return idberr.Newf(idberr.NotFound, "object store %q not found", oldName)
	}
	if _, exists := tx.stores[newName]; exists {
		return idberr.Newf(idberr.Constraint, "object store %q already exists", newName)
	}
	s.meta.Name = newName
	delete(tx.stores, oldName)
	tx.stores[newName] = s
	for key, idx := range tx.indexes {
		if idx.meta.StoreName == oldName {
			idx.meta.StoreName = newName
			delete(tx.indexes, key)
			tx.indexes[indexKey(newName, idx.meta.Name)] = idx
		}
	}
	return nil
}

func (tx *transaction) CreateIndex(meta idbbackend.IndexMeta) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "createIndex requires a versionchange transaction")
	}
	s, ok := tx.stores[meta.StoreName]
	if !ok {
		return idberr.Newf(idberr.NotFound, "object store %q not found", meta.StoreName)
	}
	key := indexKey(meta.StoreName, meta.Name)
	if _, exists := tx.indexes[key]; exists {
		return idberr.Newf(idberr.Constraint, "index %q already exists on store %q", meta.Name, meta.StoreName)
	}
	idx := &index{meta: meta}
	for _, rec := range s.records {
		keys, has, err := extractIndexKeys(meta, rec.value)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		for _, k := range keys {
			ek := idbkey.Encode(k)
			if meta.Unique && findIndexKey(idx.entries, ek) >= 0 {
				return idberr.Newf(idberr.Constraint, "index %q: duplicate key during population", meta.Name)
			}
			idx.entries = insertIndexEntry(idx.entries, indexEntry{key: ek, primaryKey: rec.key})
		}
	}
	tx.indexes[key] = idx
	return nil
}

func (tx *transaction) DeleteIndex(storeName, indexName string) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "deleteIndex requires a versionchange transaction")
	}
	key := indexKey(storeName, indexName)
	if _, ok := tx.indexes[key]; !ok {
		return idberr.Newf(idberr.NotFound, "index %q not found", indexName)
	}
	delete(tx.indexes, key)
	return nil
}

func (tx *transaction) RenameIndex(storeName, oldName, newName string) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "renaming an index requires a versionchange transaction")
	}
	oldKey := indexKey(storeName, oldName)
	idx, ok := tx.indexes[oldKey]
	if !ok {
		return idberr.Newf(idberr.NotFound, "index %q not found", oldName)
	}
	newKey := indexKey(storeName, newName)
	if _, exists := tx.indexes[newKey]; exists {
		return idberr.Newf(idberr.Constraint, "index %q already exists", newName)
	}
	idx.meta.Name = newName
	delete(tx.indexes, oldKey)
	tx.indexes[newKey] = idx
	return nil
}

func (tx *transaction) requireStore(name string) (*store, error) {
	s, ok := tx.stores[name]
	if !ok {
		return nil, idberr.Newf(idberr.NotFound, "object store %q not found", name)
	}
	return s, nil
}

func findRecord(records []record, key []byte) int {
	return sort.Search(len(records), func(i int) bool {
		return idbkey.CompareEncoded(records[i].key, key) >= 0
	})
}

func findIndexKey(entries []indexEntry, key []byte) int {
	i := sort.Search(len(entries), func(i int) bool {
		return idbkey.CompareEncoded(entries[i].key, key) >= 0
	})
	if i < len(entries) && idbkey.CompareEncoded(entries[i].key, key) == 0 {
		return i
	}
	return -1
}

func insertIndexEntry(entries []indexEntry, e indexEntry) []indexEntry {
	i := sort.Search(len(entries), func(i int) bool {
		c := idbkey.CompareEncoded(entries[i].key, e.key)
		if c != 0 {
			return c >= 0
		}
		return idbkey.CompareEncoded(entries[i].primaryKey, e.primaryKey) >= 0
	})
	entries = append(entries, indexEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func removeIndexEntry(entries []indexEntry, key, primaryKey []byte) []indexEntry {
	i := sort.Search(len(entries), func(i int) bool {
		c := idbkey.CompareEncoded(entries[i].key, key)
		if c != 0 {
			return c >= 0
		}
		return idbkey.CompareEncoded(entries[i].primaryKey, primaryKey) >= 0
	})
	if i < len(entries) && idbkey.CompareEncoded(entries[i].key, key) == 0 && idbkey.CompareEncoded(entries[i].primaryKey, primaryKey) == 0 {
		entries = append(entries[:i], entries[i+1:]...)
	}
	return entries
}

// extractIndexKeys decodes the stored value and extracts the secondary
// key(s) an index's keyPath produces, honoring multiEntry's "one entry
// per distinct array element, invalid elements silently skipped" rule.
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
	keys = idbkey.Dedup(keys)
	return keys, true, nil
}

func (tx *transaction) Put(storeName string, key, value []byte, overwrite bool) error {
	if tx.mode == idbbackend.ReadOnly {
		return idberr.New(idberr.ReadOnly, "put on a readonly transaction")
	}
	s, err := tx.requireStore(storeName)
	if err != nil {
		return err
	}
	i := findRecord(s.records, key)
	exists := i < len(s.records) && idbkey.CompareEncoded(s.records[i].key, key) == 0
	if exists && !overwrite {
		return idberr.New(idberr.Constraint, "key already exists in object store")
	}

	indexMetas := tx.indexesForStore(storeName)
	type pendingInsert struct {
		idx     *index
		entries []indexEntry
	}
	pendings := make([]pendingInsert, 0, len(indexMetas))
	for _, im := range indexMetas {
		keys, has, err := extractIndexKeys(im, value)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		idx := tx.indexes[indexKey(storeName, im.Name)]
		entries := make([]indexEntry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, indexEntry{key: idbkey.Encode(k), primaryKey: key})
		}
		if im.Unique {
			for _, e := range entries {
				existingIdx := findIndexKey(idx.entries, e.key)
				if existingIdx >= 0 && idbkey.CompareEncoded(idx.entries[existingIdx].primaryKey, key) != 0 {
					return idberr.Newf(idberr.Constraint, "index %q: unique constraint violated", im.Name)
				}
			}
		}
		pendings = append(pendings, pendingInsert{idx: idx, entries: entries})
	}

	if exists {
		tx.removeIndexEntriesForPrimaryKey(storeName, key)
		s.records[i].value = value
	} else {
		s.records = append(s.records, record{})
		copy(s.records[i+1:], s.records[i:])
		s.records[i] = record{key: key, value: value}
	}
	for _, p := range pendings {
		for _, e := range p.entries {
			p.idx.entries = insertIndexEntry(p.idx.entries, e)
		}
	}
	return nil
}

func (tx *transaction) removeIndexEntriesForPrimaryKey(storeName string, primaryKey []byte) {
	for _, idx := range tx.indexes {
		if idx.meta.StoreName != storeName {
			continue
		}
		out := idx.entries[:0]
		for _, e := range idx.entries {
			if idbkey.CompareEncoded(e.primaryKey, primaryKey) != 0 {
				out = append(out, e)
			}
		}
		idx.entries = out
	}
}

func (tx *transaction) Get(storeName string, r idbbackend.KeyRange) (idbbackend.Record, bool, error) {
	s, err := tx.requireStore(storeName)
	if err != nil {
		return idbbackend.Record{}, false, err
	}
	for _, rec := range s.records {
		if r.Includes(rec.key) {
			return idbbackend.Record{Key: rec.key, Value: rec.value}, true, nil
		}
		if r.HasUpper && idbkey.CompareEncoded(rec.key, r.Upper) > 0 {
			break
		}
	}
	return idbbackend.Record{}, false, nil
}

func (tx *transaction) GetAll(storeName string, r idbbackend.KeyRange, limit int) ([]idbbackend.Record, error) {
	s, err := tx.requireStore(storeName)
	if err != nil {
		return nil, err
	}
	var out []idbbackend.Record
	for _, rec := range s.records {
		if !r.Includes(rec.key) {
			if r.HasUpper && idbkey.CompareEncoded(rec.key, r.Upper) > 0 {
				break
			}
			continue
		}
		out = append(out, idbbackend.Record{Key: rec.key, Value: rec.value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
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
	if tx.mode == idbbackend.ReadOnly {
		return idberr.New(idberr.ReadOnly, "delete on a readonly transaction")
	}
	s, err := tx.requireStore(storeName)
	if err != nil {
		return err
	}
	out := s.records[:0]
	for _, rec := range s.records {
		if r.Includes(rec.key) {
			tx.removeIndexEntriesForPrimaryKey(storeName, rec.key)
			continue
		}
		out = append(out, rec)
	}
	s.records = out
	return nil
}

func (tx *transaction) Clear(storeName string) error {
	if tx.mode == idbbackend.ReadOnly {
		return idberr.New(idberr.ReadOnly, "clear on a readonly transaction")
	}
	s, err := tx.requireStore(storeName)
	if err != nil {
		return err
	}
	s.records = nil
	for _, idx := range tx.indexes {
		if idx.meta.StoreName == storeName {
			idx.entries = nil
		}
	}
	return nil
}

func (tx *transaction) Count(storeName string, r idbbackend.KeyRange) (int, error) {
	recs, err := tx.GetAll(storeName, r, 0)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (tx *transaction) requireIndex(storeName, indexName string) (*index, error) {
	idx, ok := tx.indexes[indexKey(storeName, indexName)]
	if !ok {
		return nil, idberr.Newf(idberr.NotFound, "index %q not found on store %q", indexName, storeName)
	}
	return idx, nil
}

func (tx *transaction) lookupValue(storeName string, primaryKey []byte) ([]byte, bool) {
	s, ok := tx.stores[storeName]
	if !ok {
		return nil, false
	}
	i := findRecord(s.records, primaryKey)
	if i < len(s.records) && idbkey.CompareEncoded(s.records[i].key, primaryKey) == 0 {
		return s.records[i].value, true
	}
	return nil, false
}

func (tx *transaction) IndexGet(storeName, indexName string, r idbbackend.KeyRange) (idbbackend.Record, bool, error) {
	idx, err := tx.requireIndex(storeName, indexName)
	if err != nil {
		return idbbackend.Record{}, false, err
	}
	for _, e := range idx.entries {
		if r.Includes(e.key) {
			v, ok := tx.lookupValue(storeName, e.primaryKey)
			if !ok {
				continue
			}
			return idbbackend.Record{Key: e.primaryKey, Value: v}, true, nil
		}
	}
	return idbbackend.Record{}, false, nil
}

func (tx *transaction) IndexGetAll(storeName, indexName string, r idbbackend.KeyRange, limit int) ([]idbbackend.Record, error) {
	idx, err := tx.requireIndex(storeName, indexName)
	if err != nil {
		return nil, err
	}
	var out []idbbackend.Record
	for _, e := range idx.entries {
		if !r.Includes(e.key) {
			continue
		}
		v, ok := tx.lookupValue(storeName, e.primaryKey)
		if !ok {
			continue
		}
		out = append(out, idbbackend.Record{Key: e.primaryKey, Value: v})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (tx *transaction) IndexGetAllKeys(storeName, indexName string, r idbbackend.KeyRange, limit int) ([][]byte, error) {
	idx, err := tx.requireIndex(storeName, indexName)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, e := range idx.entries {
		if !r.Includes(e.key) {
			continue
		}
		out = append(out, e.primaryKey)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (tx *transaction) IndexCount(storeName, indexName string, r idbbackend.KeyRange) (int, error) {
	idx, err := tx.requireIndex(storeName, indexName)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range idx.entries {
		if r.Includes(e.key) {
			n++
		}
	}
	return n, nil
}

func (tx *transaction) OpenCursor(storeName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	s, err := tx.requireStore(storeName)
	if err != nil {
		return nil, err
	}
	var rows []cursorRow
	for _, rec := range s.records {
		if r.Includes(rec.key) {
			rows = append(rows, cursorRow{key: rec.key, primaryKey: rec.key, value: rec.value})
		}
	}
	return newMemCursor(rows, dir), nil
}

func (tx *transaction) OpenKeyCursor(storeName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	return tx.OpenCursor(storeName, r, dir)
}

func (tx *transaction) OpenIndexCursor(storeName, indexName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	idx, err := tx.requireIndex(storeName, indexName)
	if err != nil {
		return nil, err
	}
	var rows []cursorRow
	for _, e := range idx.entries {
		if !r.Includes(e.key) {
			continue
		}
		v, ok := tx.lookupValue(storeName, e.primaryKey)
		if !ok {
			continue
		}
		rows = append(rows, cursorRow{key: e.key, primaryKey: e.primaryKey, value: v})
	}
	return newMemCursor(rows, dir), nil
}

func (tx *transaction) OpenIndexKeyCursor(storeName, indexName string, r idbbackend.KeyRange, dir idbbackend.Direction) (idbbackend.Cursor, error) {
	idx, err := tx.requireIndex(storeName, indexName)
	if err != nil {
		return nil, err
	}
	var rows []cursorRow
	for _, e := range idx.entries {
		if r.Includes(e.key) {
			rows = append(rows, cursorRow{key: e.key, primaryKey: e.primaryKey})
		}
	}
	return newMemCursor(rows, dir), nil
}

func (tx *transaction) NextAutoIncrementKey(storeName string) (float64, error) {
	s, err := tx.requireStore(storeName)
	if err != nil {
		return 0, err
	}
	if s.meta.CurrentKey >= idbbackend.MaxGeneratorKey {
		idbmetrics.AutoIncrementExhaustedTotal.Inc()
		return 0, idberr.New(idberr.Constraint, "auto-increment generator exhausted")
	}
	key := s.meta.CurrentKey
	if key < 1 {
		key = 1
	}
	s.meta.CurrentKey = key + 1
	return key, nil
}

func (tx *transaction) MaybeUpdateKeyGenerator(storeName string, key float64) error {
	s, err := tx.requireStore(storeName)
	if err != nil {
		return err
	}
	next := math.Floor(key) + 1
	if next > idbbackend.MaxGeneratorKey {
		next = idbbackend.MaxGeneratorKey
	}
	if next > s.meta.CurrentKey {
		s.meta.CurrentKey = next
	}
	return nil
}

func (tx *transaction) SetVersion(version uint64) error {
	if tx.mode != idbbackend.VersionChange {
		return idberr.New(idberr.ReadOnly, "setVersion requires a versionchange transaction")
	}
	tx.pendingVersion = version
	tx.pendingVersionSet = true
	return nil
}

func (tx *transaction) Commit() error {
	if tx.done {
		return idberr.New(idberr.InvalidState, "transaction already finished")
	}
	tx.done = true
	if !tx.writer {
		return nil
	}
	db := tx.conn.db
	tx.conn.backend.mu.Lock()
	db.stores = tx.stores
	db.indexes = tx.indexes
	if tx.pendingVersionSet {
		db.version = tx.pendingVersion
	}
	tx.conn.backend.mu.Unlock()
	db.mu.Unlock()
	return nil
}

func (tx *transaction) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.writer {
		tx.conn.db.mu.Unlock()
	}
	return nil
}

type cursorRow struct {
	key        []byte
	primaryKey []byte
	value      []byte
}

type memCursor struct {
	rows    []cursorRow
	pos     int // index of the next unread row
	current int // index of the current row, -1 if not positioned
	dir     idbbackend.Direction
}

// newMemCursor builds a cursor over rows and positions it at the first
// matching record, matching idbsql's OpenCursor contract: a freshly
// opened cursor is already positioned, not pre-advance.
func newMemCursor(rows []cursorRow, dir idbbackend.Direction) *memCursor {
	if !dir.Forward() {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if dir.Unique() {
		rows = collapseUnique(rows)
	}
	c := &memCursor{rows: rows, current: -1, dir: dir}
	c.Continue(nil, nil)
	return c
}

func collapseUnique(rows []cursorRow) []cursorRow {
	if len(rows) == 0 {
		return rows
	}
	out := rows[:1]
	for _, r := range rows[1:] {
		if idbkey.CompareEncoded(out[len(out)-1].key, r.key) != 0 {
			out = append(out, r)
		}
	}
	return out
}

func (c *memCursor) Valid() bool { return c.current >= 0 && c.current < len(c.rows) }

func (c *memCursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.rows[c.current].key
}

func (c *memCursor) PrimaryKey() []byte {
	if !c.Valid() {
		return nil
	}
	return c.rows[c.current].primaryKey
}

func (c *memCursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.rows[c.current].value
}

func (c *memCursor) Continue(targetKey, targetPrimaryKey []byte) (bool, error) {
	start := c.pos
	if c.current < 0 {
		start = 0
	}
	for i := start; i < len(c.rows); i++ {
		if !rowSatisfies(c.rows[i], targetKey, targetPrimaryKey, c.dir.Forward()) {
			continue
		}
		c.current = i
		c.pos = i + 1
		return true, nil
	}
	c.current = len(c.rows)
	c.pos = len(c.rows)
	return false, nil
}

// rowSatisfies reports whether row is at or past the continuation target
// in iteration order. Rows between the cursor's old position and the
// target must be skipped, so a bare "key differs" is never enough.
func rowSatisfies(row cursorRow, targetKey, targetPrimaryKey []byte, forward bool) bool {
	if targetKey == nil {
		return true
	}
	c := idbkey.CompareEncoded(row.key, targetKey)
	if !forward {
		c = -c
	}
	if c != 0 {
		return c > 0
	}
	if targetPrimaryKey == nil {
		return true
	}
	pc := idbkey.CompareEncoded(row.primaryKey, targetPrimaryKey)
	if !forward {
		pc = -pc
	}
	return pc >= 0
}
