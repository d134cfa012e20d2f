package idbbackend_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbmem"
	"github.com/cuemby/idb/internal/idbsql"
	"github.com/cuemby/idb/internal/idbvalue"
)

// backendFactory builds a fresh, empty idbbackend.Backend for one test.
// Parameterizing scenarios over this lets the same table of cases run
// against both the memory and SQLite backends.
type backendFactory struct {
	name string
	new  func(t *testing.T) idbbackend.Backend
}

func backendFactories(t *testing.T) []backendFactory {
	return []backendFactory{
		{name: "memory", new: func(t *testing.T) idbbackend.Backend { return idbmem.New() }},
		{name: "sqlite", new: func(t *testing.T) idbbackend.Backend {
			b, err := idbsql.Open(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		}},
	}
}

func encVal(t *testing.T, v interface{}) []byte {
	b, err := idbvalue.Encode(v)
	require.NoError(t, err)
	return b
}

func TestBackendsCreateStoreAndPutGet(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("orders")
			require.NoError(t, err)

			vtx, err := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, err)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "widgets"}))
			require.NoError(t, vtx.Commit())

			wtx, err := conn.BeginTransaction([]string{"widgets"}, idbbackend.ReadWrite)
			require.NoError(t, err)
			key := idbkey.Encode(idbkey.Number(1))
			val := encVal(t, "first")
			require.NoError(t, wtx.Put("widgets", key, val, false))
			require.NoError(t, wtx.Commit())

			rtx, err := conn.BeginTransaction([]string{"widgets"}, idbbackend.ReadOnly)
			require.NoError(t, err)
			rec, ok, err := rtx.Get("widgets", idbbackend.Only(key))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, val, rec.Value)
			require.NoError(t, rtx.Abort())
		})
	}
}

func TestBackendsPutRejectsDuplicateWithoutOverwrite(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			vtx, _ := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "s"}))
			require.NoError(t, vtx.Commit())

			key := idbkey.Encode(idbkey.String("k"))
			wtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadWrite)
			require.NoError(t, wtx.Put("s", key, encVal(t, 1.0), false))
			err = wtx.Put("s", key, encVal(t, 2.0), false)
			assert.Error(t, err)
			require.NoError(t, wtx.Abort())
		})
	}
}

func TestBackendsUniqueIndexRejectsDuplicateKey(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			vtx, _ := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "people"}))
			require.NoError(t, vtx.CreateIndex(idbbackend.IndexMeta{
				Name:      "by_email",
				StoreName: "people",
				KeyPath:   []string{"email"},
				Unique:    true,
			}))
			require.NoError(t, vtx.Commit())

			wtx, _ := conn.BeginTransaction([]string{"people"}, idbbackend.ReadWrite)
			alice := &idbvalue.Object{Keys: []string{"email"}, Values: []interface{}{"a@example.com"}}
			bob := &idbvalue.Object{Keys: []string{"email"}, Values: []interface{}{"a@example.com"}}

			aliceVal, err := idbvalue.Encode(alice)
			require.NoError(t, err)
			bobVal, err := idbvalue.Encode(bob)
			require.NoError(t, err)

			require.NoError(t, wtx.Put("people", idbkey.Encode(idbkey.Number(1)), aliceVal, false))
			err = wtx.Put("people", idbkey.Encode(idbkey.Number(2)), bobVal, false)
			assert.Error(t, err)
			require.NoError(t, wtx.Abort())
		})
	}
}

func TestBackendsCursorVisitsEveryRecordInOrder(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			vtx, _ := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "s"}))
			require.NoError(t, vtx.Commit())

			wtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadWrite)
			for _, n := range []float64{3, 1, 2} {
				require.NoError(t, wtx.Put("s", idbkey.Encode(idbkey.Number(n)), encVal(t, n), true))
			}
			require.NoError(t, wtx.Commit())

			rtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadOnly)
			cur, err := rtx.OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
			require.NoError(t, err)

			var seen []float64
			for cur.Valid() {
				k, err := idbkey.Decode(cur.Key())
				require.NoError(t, err)
				seen = append(seen, k.Num)
				if _, err := cur.Continue(nil, nil); err != nil {
					require.NoError(t, err)
					break
				}
			}
			assert.Equal(t, []float64{1, 2, 3}, seen)
		})
	}
}

func TestBackendsCursorContinueWithTargetKey(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			vtx, _ := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "s"}))
			require.NoError(t, vtx.Commit())

			wtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadWrite)
			for _, n := range []float64{1, 3, 5, 7} {
				require.NoError(t, wtx.Put("s", idbkey.Encode(idbkey.Number(n)), encVal(t, n), true))
			}
			require.NoError(t, wtx.Commit())

			rtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadOnly)
			cur, err := rtx.OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
			require.NoError(t, err)
			require.True(t, cur.Valid())

			// A target between records lands on the next one past it, not
			// on a record behind the target.
			found, err := cur.Continue(idbkey.Encode(idbkey.Number(4)), nil)
			require.NoError(t, err)
			require.True(t, found)
			k, err := idbkey.Decode(cur.Key())
			require.NoError(t, err)
			assert.Equal(t, float64(5), k.Num)

			found, err = cur.Continue(idbkey.Encode(idbkey.Number(6)), nil)
			require.NoError(t, err)
			require.True(t, found)
			k, err = idbkey.Decode(cur.Key())
			require.NoError(t, err)
			assert.Equal(t, float64(7), k.Num)

			found, err = cur.Continue(nil, nil)
			require.NoError(t, err)
			assert.False(t, found, "a cursor past the last record must report exhaustion")
			require.NoError(t, rtx.Abort())
		})
	}
}

func TestBackendsBackwardCursorContinueWithTargetKey(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			vtx, _ := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "s"}))
			require.NoError(t, vtx.Commit())

			wtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadWrite)
			for _, n := range []float64{1, 3, 5, 7} {
				require.NoError(t, wtx.Put("s", idbkey.Encode(idbkey.Number(n)), encVal(t, n), true))
			}
			require.NoError(t, wtx.Commit())

			rtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadOnly)
			cur, err := rtx.OpenCursor("s", idbbackend.Unbounded(), idbbackend.Prev)
			require.NoError(t, err)
			require.True(t, cur.Valid())
			k, err := idbkey.Decode(cur.Key())
			require.NoError(t, err)
			assert.Equal(t, float64(7), k.Num)

			found, err := cur.Continue(idbkey.Encode(idbkey.Number(4)), nil)
			require.NoError(t, err)
			require.True(t, found)
			k, err = idbkey.Decode(cur.Key())
			require.NoError(t, err)
			assert.Equal(t, float64(3), k.Num)
			require.NoError(t, rtx.Abort())
		})
	}
}

func TestBackendsAutoIncrementMonotonic(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			vtx, _ := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, vtx.CreateObjectStore(idbbackend.StoreMeta{Name: "s", AutoIncrement: true}))
			require.NoError(t, vtx.Commit())

			wtx, _ := conn.BeginTransaction([]string{"s"}, idbbackend.ReadWrite)
			first, err := wtx.NextAutoIncrementKey("s")
			require.NoError(t, err)
			assert.Equal(t, float64(1), first, "a fresh store's generator must start at 1")
			require.NoError(t, wtx.MaybeUpdateKeyGenerator("s", first))
			second, err := wtx.NextAutoIncrementKey("s")
			require.NoError(t, err)

			assert.Greater(t, second, first)

			// A fractional explicit key bumps the counter past its floor.
			require.NoError(t, wtx.MaybeUpdateKeyGenerator("s", 10.7))
			bumped, err := wtx.NextAutoIncrementKey("s")
			require.NoError(t, err)
			assert.Equal(t, float64(11), bumped)
			require.NoError(t, wtx.Commit())
		})
	}
}

func TestBackendsVersionPersistsAcrossReopen(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("versioned")
			require.NoError(t, err)

			vtx, err := conn.BeginTransaction(nil, idbbackend.VersionChange)
			require.NoError(t, err)
			require.NoError(t, vtx.SetVersion(3))
			require.NoError(t, vtx.Commit())

			conn2, err := backend.Open("versioned")
			require.NoError(t, err)
			meta, err := conn2.Metadata()
			require.NoError(t, err)
			assert.EqualValues(t, 3, meta.Version)
		})
	}
}

func TestBackendsSetVersionRequiresVersionChange(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			conn, err := backend.Open("db")
			require.NoError(t, err)

			rtx, err := conn.BeginTransaction(nil, idbbackend.ReadOnly)
			require.NoError(t, err)
			assert.Error(t, rtx.SetVersion(1))
		})
	}
}

func TestBackendsListAndDeleteDatabase(t *testing.T) {
	for _, bf := range backendFactories(t) {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			_, err := backend.Open("alpha")
			require.NoError(t, err)
			_, err = backend.Open("beta")
			require.NoError(t, err)

			dbs, err := backend.ListDatabases()
			require.NoError(t, err)
			names := make([]string, len(dbs))
			for i, d := range dbs {
				names[i] = d.Name
			}
			assert.ElementsMatch(t, []string{"alpha", "beta"}, names)

			require.NoError(t, backend.DeleteDatabase("alpha"))
			dbs, err = backend.ListDatabases()
			require.NoError(t, err)
			assert.Len(t, dbs, 1)
			assert.Equal(t, "beta", dbs[0].Name)
		})
	}
}
