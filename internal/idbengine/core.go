package idbengine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
)

// Core is the engine's request/transaction/event machinery, independent
// of which backend or which database is in play. A pkg/idb.Engine holds
// exactly one Core plus the backend registry that picks a idbbackend.Backend
// per DSN scheme.
type Core struct {
	mu   sync.Mutex
	cond *sync.Cond

	scheduler  *Scheduler
	dispatcher *Dispatcher
	logger     zerolog.Logger

	connections *arena[*Connection]
	byName      map[string][]*Connection
	nextHandle  Handle
}

func NewCore(logger zerolog.Logger) *Core {
	c := &Core{
		scheduler:   NewScheduler(),
		connections: newArena[*Connection](),
		byName:      make(map[string][]*Connection),
		logger:      logger,
	}
	c.cond = sync.NewCond(&c.mu)
	c.dispatcher = NewDispatcher(func(eventType EventType, target Handle, r interface{}) {
		c.logger.Error().
			Str("event", string(eventType)).
			Int64("target_handle", int64(target)).
			Interface("panic", r).
			Msg("event listener panicked; swallowed")
	})
	return c
}

func (c *Core) allocHandle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	return c.nextHandle
}

// RunTask runs fn as one top-level engine task and drains the resulting
// microtasks before returning.
func (c *Core) RunTask(fn func()) {
	c.scheduler.RunTask(fn)
}

// Connection is the engine-level view of one open database: a backend
// connection plus the set of transactions currently running against it.
// Its handle is the bubble target for its transactions' "abort" and
// "complete" events, and the dispatch target for "versionchange" and
// "close".
type Connection struct {
	handle  Handle
	core    *Core
	backend idbbackend.Connection
	name    string
	version uint64

	mu           sync.Mutex
	closePending bool
	closed       bool
	transactions map[Handle]*Transaction
}

func (conn *Connection) Handle() Handle   { return conn.handle }
func (conn *Connection) Name() string     { return conn.name }
func (conn *Connection) Version() uint64  { return conn.version }

// Metadata returns the backend's current schema snapshot for this
// database: object stores, indexes, and their key paths.
func (conn *Connection) Metadata() (idbbackend.DatabaseMeta, error) {
	return conn.backend.Metadata()
}
func (conn *Connection) ClosePending() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.closePending
}

func (conn *Connection) AddEventListener(t EventType, fn Listener) {
	conn.core.dispatcher.AddEventListener(conn.handle, t, false, fn)
}

// RunTransaction begins a backend transaction, runs fn against it inside
// a single engine task, and returns once the transaction has finished
// (committed or aborted). This mirrors db.Update/db.View from bbolt:
// the callback owns a working transaction for its entire body, and the
// engine takes care of committing or rolling back around it.
func (conn *Connection) RunTransaction(scope []string, mode idbbackend.Mode, fn func(tx *Transaction) error) (*Transaction, error) {
	if conn.ClosePending() {
		return nil, idberr.New(idberr.InvalidState, "connection is closing")
	}
	backendTx, err := conn.backend.BeginTransaction(scope, mode)
	if err != nil {
		return nil, err
	}

	var tx *Transaction
	var fnErr error
	conn.core.RunTask(func() {
		h := conn.core.allocHandle()
		tx = &Transaction{
			handle:  h,
			core:    conn.core,
			conn:    conn,
			mode:    mode,
			scope:   scope,
			backend:   backendTx,
			active:    true,
			startedAt: time.Now(),
		}
		conn.core.dispatcher.Register(h, conn.handle, true)
		conn.addTransaction(tx)
		tx.scheduleDeactivation()
		fnErr = fn(tx)
		if fnErr != nil {
			tx.Abort()
		}
	})
	conn.removeTransaction(tx)

	if tx.aborted {
		if fnErr != nil {
			return tx, fnErr
		}
		return tx, tx.lastError
	}
	return tx, fnErr
}

func (conn *Connection) addTransaction(tx *Transaction) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.transactions[tx.handle] = tx
}

func (conn *Connection) removeTransaction(tx *Transaction) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	delete(conn.transactions, tx.handle)
}

// Close marks the connection closing, forcibly aborts any transactions
// still registered against it, unblocks coordinator operations waiting
// on this database name, and dispatches "close".
func (conn *Connection) Close() {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.closePending = true
	pending := make([]*Transaction, 0, len(conn.transactions))
	for _, tx := range conn.transactions {
		pending = append(pending, tx)
	}
	conn.mu.Unlock()

	for _, tx := range pending {
		tx.Abort()
	}

	conn.core.unregisterConnection(conn)
	_ = conn.backend.Close()
	conn.core.dispatcher.Dispatch(conn.handle, &Event{Type: EventClose})
}

// connectionAborted and transactionFinished are hooks a Transaction calls
// on commit/abort; Core currently uses them only as dispatch points for
// future housekeeping (e.g. metrics), kept as no-ops here deliberately
// narrow so Transaction never needs to reach into Connection directly.
func (c *Core) connectionAborted(tx *Transaction)   {}
func (c *Core) transactionFinished(tx *Transaction) {}
