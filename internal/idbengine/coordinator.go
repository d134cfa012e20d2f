package idbengine

import (
	"time"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
)

// OpenDatabase implements the version-negotiation algorithm: read the
// committed version, resolve requestedVersion (defaulting to the
// committed version, or 1 for a brand-new database), reject a request
// below the committed version, and otherwise run a versionchange
// transaction through onUpgradeNeeded if the requested version is
// higher.
//
// If other connections to the same database are already open,
// onBlocked is invoked (mirroring the "blocked" event) and OpenDatabase
// waits for them to Close before the upgrade proceeds — a real wait, not
// a retry signal, since Go callers can legitimately hold a connection on
// one goroutine while opening a new one from another.
func (c *Core) OpenDatabase(
	backend idbbackend.Backend,
	name string,
	requestedVersion *uint64,
	onUpgradeNeeded func(tx *Transaction, meta idbbackend.DatabaseMeta, oldVersion, newVersion uint64) error,
	onBlocked func(),
) (*Connection, error) {
	backendConn, err := backend.Open(name)
	if err != nil {
		return nil, err
	}
	meta, err := backendConn.Metadata()
	if err != nil {
		_ = backendConn.Close()
		return nil, err
	}
	committed := meta.Version

	var want uint64
	if requestedVersion != nil {
		want = *requestedVersion
	} else {
		want = committed
		if want < 1 {
			want = 1
		}
	}
	if want < committed {
		_ = backendConn.Close()
		return nil, idberr.Newf(idberr.Version, "requested version %d is lower than committed version %d", want, committed)
	}

	if want > committed {
		c.notifyVersionChange(name)
		c.waitUntilUnblocked(name, onBlocked)

		backendTx, err := backendConn.BeginTransaction(nil, idbbackend.VersionChange)
		if err != nil {
			_ = backendConn.Close()
			return nil, err
		}
		var tx *Transaction
		var upgradeErr error
		c.RunTask(func() {
			h := c.allocHandle()
			tx = &Transaction{handle: h, core: c, mode: idbbackend.VersionChange, backend: backendTx, active: true, startedAt: time.Now()}
			c.dispatcher.Register(h, 0, false)
			tx.scheduleDeactivation()
			upgradeErr = onUpgradeNeeded(tx, meta, committed, want)
			if upgradeErr == nil {
				upgradeErr = backendTx.SetVersion(want)
			}
			if upgradeErr != nil {
				tx.Abort()
			}
		})
		if tx.aborted {
			_ = backendConn.Close()
			if upgradeErr != nil {
				return nil, upgradeErr
			}
			return nil, tx.lastError
		}
		committed = want
	}

	return c.registerConnection(backendConn, name, committed), nil
}

// DeleteDatabase waits for every live connection to the named database
// to close, then deletes it.
func (c *Core) DeleteDatabase(backend idbbackend.Backend, name string, onBlocked func()) error {
	c.notifyVersionChange(name)
	c.waitUntilUnblocked(name, onBlocked)
	return backend.DeleteDatabase(name)
}

// notifyVersionChange dispatches "versionchange" on every live connection
// to name, giving their owners the chance to close before the pending
// upgrade or delete starts waiting on them.
func (c *Core) notifyVersionChange(name string) {
	for _, conn := range c.LiveConnections(name) {
		c.dispatcher.Dispatch(conn.handle, &Event{Type: EventVersionChange})
	}
}

func (c *Core) waitUntilUnblocked(name string, onBlocked func()) {
	c.mu.Lock()
	if len(c.byName[name]) == 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if onBlocked != nil {
		onBlocked()
	}

	c.mu.Lock()
	for len(c.byName[name]) > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *Core) registerConnection(backendConn idbbackend.Connection, name string, version uint64) *Connection {
	h := c.allocHandle()
	conn := &Connection{
		handle:       h,
		core:         c,
		backend:      backendConn,
		name:         name,
		version:      version,
		transactions: make(map[Handle]*Transaction),
	}
	c.mu.Lock()
	c.connections.put(h, conn)
	c.byName[name] = append(c.byName[name], conn)
	c.mu.Unlock()
	c.dispatcher.Register(h, 0, false)
	return conn
}

func (c *Core) unregisterConnection(conn *Connection) {
	c.mu.Lock()
	c.connections.delete(conn.handle)
	list := c.byName[conn.name]
	for i, cc := range list {
		if cc == conn {
			c.byName[conn.name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// LiveConnections returns every connection currently registered against
// name, used by notifyVersionChange to dispatch "versionchange" to peers
// before an upgrade or delete waits on them.
func (c *Core) LiveConnections(name string) []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Connection, len(c.byName[name]))
	copy(out, c.byName[name])
	return out
}
