/*
Package idb is the public facade over the database engine: a narrow,
value-returning API wrapping the wide internal/idbengine request and
transaction core.

An Engine is configured with one or more storage backends (in-memory,
SQLite-file) and opened databases are addressed by a DSN: "mem://cart"
for an in-memory database named "cart", or "sqlite:///var/lib/app?name=cart"
for a database named "cart" stored in its own file under the directory
/var/lib/app — the file is named by URL-encoding the database name with
a ".sqlite" suffix, so this one lives at /var/lib/app/cart.sqlite.

	e := idb.New()
	conn, err := e.Open("sqlite:///var/lib/app?name=cart", idb.OpenOptions{
		Version: idb.Ptr(uint64(2)),
		OnUpgradeNeeded: func(tx *idb.Transaction, oldVersion, newVersion uint64) error {
			_, err := tx.CreateObjectStore("items", idb.StoreOptions{KeyPath: []string{"id"}})
			return err
		},
	})

Every store/index/cursor operation returns a *Request: call its
OnSuccess/OnError to observe the eventual result, the same way the spec
this engine implements describes them — this engine just never blocks a
goroutine waiting on one, since Connection.Transaction runs the whole
transaction body as one task and does not return until every request
placed against it has resolved.
*/
package idb
