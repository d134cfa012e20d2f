package idb

import (
	"github.com/cuemby/idb/internal/idbengine"
)

// Connection is a client's open handle to one database.
type Connection struct {
	engine *Engine
	conn   *idbengine.Connection
}

func (c *Connection) Name() string    { return c.conn.Name() }
func (c *Connection) Version() uint64 { return c.conn.Version() }

// ObjectStoreNames lists every store currently defined on this
// database, read fresh from the backend.
func (c *Connection) ObjectStoreNames() ([]string, error) {
	meta, err := c.conn.Metadata()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(meta.Stores))
	for name := range meta.Stores {
		names = append(names, name)
	}
	return names, nil
}

// Transaction runs fn as one read-only or read-write transaction over
// scope, returning once fn has returned and every request it placed has
// resolved (committed or, on error/abort, rolled back).
func (c *Connection) Transaction(scope []string, mode TxMode, fn func(tx *Transaction) error) error {
	meta, err := c.conn.Metadata()
	if err != nil {
		return err
	}
	_, runErr := c.conn.RunTransaction(scope, mode, func(engineTx *idbengine.Transaction) error {
		return fn(newTransaction(c, engineTx, meta))
	})
	return runErr
}

// Close closes the connection, aborting any transactions still
// registered against it and unblocking coordinator operations waiting on
// this database name.
func (c *Connection) Close() {
	c.conn.Close()
}

func (c *Connection) AddEventListener(eventType string, fn func()) {
	c.conn.AddEventListener(idbengine.EventType(eventType), func(e *idbengine.Event) {
		fn()
	})
}

// StoreOptions configures a new object store.
type StoreOptions struct {
	KeyPath       []string
	AutoIncrement bool
}

// IndexOptions configures a new index.
type IndexOptions struct {
	KeyPath    []string
	Unique     bool
	MultiEntry bool
}
