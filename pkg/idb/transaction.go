package idb

import (
	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbengine"
)

// TxMode is a transaction's access mode.
type TxMode = idbbackend.Mode

const (
	ReadOnly      = idbbackend.ReadOnly
	ReadWrite     = idbbackend.ReadWrite
	VersionChange = idbbackend.VersionChange
)

// Transaction is a scoped, schema-aware view over one engine
// transaction. Its object-store/index metadata cache is seeded at
// creation and kept current as CreateObjectStore/CreateIndex/etc. are
// called through it, so ObjectStore lookups see stores created earlier
// in the same versionchange transaction.
type Transaction struct {
	conn *Connection
	tx   *idbengine.Transaction
	meta idbbackend.DatabaseMeta
}

func newTransaction(conn *Connection, tx *idbengine.Transaction, meta idbbackend.DatabaseMeta) *Transaction {
	if meta.Stores == nil {
		meta.Stores = make(map[string]idbbackend.StoreMeta)
	}
	if meta.Indexes == nil {
		meta.Indexes = make(map[string]idbbackend.IndexMeta)
	}
	return &Transaction{conn: conn, tx: tx, meta: meta}
}

func (t *Transaction) Mode() TxMode      { return t.tx.Mode() }
func (t *Transaction) Scope() []string   { return t.tx.Scope() }
func (t *Transaction) Connection() *Connection { return t.conn }

// ObjectStoreNames lists every store visible to this transaction.
func (t *Transaction) ObjectStoreNames() []string {
	names := make([]string, 0, len(t.meta.Stores))
	for name := range t.meta.Stores {
		names = append(names, name)
	}
	return names
}

// ObjectStore returns a handle to the named store, scoped to this
// transaction. Outside a versionchange transaction the store must be in
// the transaction's scope.
func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	meta, ok := t.meta.Stores[name]
	if !ok {
		return nil, idberr.Newf(idberr.NotFound, "object store %q does not exist", name)
	}
	if t.tx.Mode() != VersionChange && !t.inScope(name) {
		return nil, idberr.Newf(idberr.NotFound, "object store %q is not in this transaction's scope", name)
	}
	return &ObjectStore{tx: t, meta: meta}, nil
}

func (t *Transaction) inScope(name string) bool {
	for _, s := range t.tx.Scope() {
		if s == name {
			return true
		}
	}
	return false
}

// CreateObjectStore creates a new store; valid only inside a
// versionchange transaction.
func (t *Transaction) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	if t.tx.Mode() != VersionChange {
		return nil, idberr.New(idberr.InvalidState, "createObjectStore requires a versionchange transaction")
	}
	if _, exists := t.meta.Stores[name]; exists {
		return nil, idberr.Newf(idberr.Constraint, "object store %q already exists", name)
	}
	sm := idbbackend.StoreMeta{Name: name, KeyPath: opts.KeyPath, AutoIncrement: opts.AutoIncrement}
	if err := t.tx.Backend().CreateObjectStore(sm); err != nil {
		return nil, err
	}
	t.meta.Stores[name] = sm
	return &ObjectStore{tx: t, meta: sm}, nil
}

// DeleteObjectStore removes a store; valid only inside a versionchange
// transaction.
func (t *Transaction) DeleteObjectStore(name string) error {
	if t.tx.Mode() != VersionChange {
		return idberr.New(idberr.InvalidState, "deleteObjectStore requires a versionchange transaction")
	}
	if _, exists := t.meta.Stores[name]; !exists {
		return idberr.Newf(idberr.NotFound, "object store %q does not exist", name)
	}
	if err := t.tx.Backend().DeleteObjectStore(name); err != nil {
		return err
	}
	delete(t.meta.Stores, name)
	for key, im := range t.meta.Indexes {
		if im.StoreName == name {
			delete(t.meta.Indexes, key)
		}
	}
	return nil
}

// Commit ends the transaction once every outstanding request resolves;
// no further requests may be placed after this call.
func (t *Transaction) Commit() { t.tx.Commit() }

// Abort rolls the transaction back immediately.
func (t *Transaction) Abort() { t.tx.Abort() }

func (t *Transaction) AddEventListener(eventType string, fn func(err error)) {
	t.tx.AddEventListener(idbengine.EventType(eventType), func(e *idbengine.Event) {
		fn(e.Err)
	})
}
