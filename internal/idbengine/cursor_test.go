package idbengine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
)

func seedStore(t *testing.T, conn *Connection, rows map[float64]string) {
	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadWrite, func(tx *Transaction) error {
		for k, v := range rows {
			val, encErr := idbvalue.Encode(v)
			require.NoError(t, encErr)
			if err := tx.Backend().Put("s", idbkey.Encode(idbkey.Number(k)), val, false); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNewCursorIsPositionedAtFirstRecordImmediately(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one", 2: "two", 3: "three"})

	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		require.True(t, cur.GotValue())
		k, decErr := idbkey.Decode(cur.Key())
		require.NoError(t, decErr)
		assert.Equal(t, float64(1), k.Num)
		return nil
	})
	require.NoError(t, err)
}

func TestContinueSnapshotsUntilRequestResolvesThenAdvances(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one", 2: "two"})

	var keyBeforeContinue, keyDuringFlight []byte
	var resolvedKey []byte
	var resolved bool

	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		keyBeforeContinue = append([]byte(nil), cur.Key()...)
		req, contErr := cur.Continue(nil)
		require.NoError(t, contErr)

		assert.False(t, cur.GotValue(), "gotValue must flip false the instant Continue is requested")
		keyDuringFlight = append([]byte(nil), cur.Key()...)

		req.OnSuccess(func(result interface{}) {
			resolved = true
			resolvedKey = append([]byte(nil), cur.Key()...)
		})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, keyBeforeContinue, keyDuringFlight, "Key() must keep returning the pre-advance snapshot while the request is outstanding")
	assert.True(t, resolved)

	decoded, decErr := idbkey.Decode(resolvedKey)
	require.NoError(t, decErr)
	assert.Equal(t, float64(2), decoded.Num, "once resolved, the cursor must report the new position")
}

func TestContinueRejectsNonAdvancingTargetKey(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one", 2: "two"})

	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		behind := idbkey.Encode(idbkey.Number(0))
		_, contErr := cur.Continue(behind)
		assert.Error(t, contErr)
		return nil
	})
	require.NoError(t, err)
}

func TestContinuePrimaryKeyRequiresNonUniqueIndexCursor(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one"})

	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		_, cpkErr := cur.ContinuePrimaryKey(nil, nil)
		assert.Error(t, cpkErr, "continuePrimaryKey on a plain object-store cursor must be rejected")
		return nil
	})
	require.NoError(t, err)
}

func TestAdvanceStepsMultipleRecords(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one", 2: "two", 3: "three"})

	var resolvedKey []byte
	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		req, advErr := cur.Advance(2)
		require.NoError(t, advErr)
		req.OnSuccess(func(result interface{}) {
			resolvedKey = append([]byte(nil), cur.Key()...)
		})
		return nil
	})
	require.NoError(t, err)

	decoded, decErr := idbkey.Decode(resolvedKey)
	require.NoError(t, decErr)
	assert.Equal(t, float64(3), decoded.Num)
}

func TestAdvanceRejectsNonPositiveCount(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one"})

	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		_, advErr := cur.Advance(0)
		assert.Error(t, advErr)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorDeleteRejectedOnReadOnlyTransaction(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one"})

	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		_, delErr := cur.Delete()
		assert.Error(t, delErr)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorDeleteRemovesCurrentRecord(t *testing.T) {
	c := NewCore(zerolog.Nop())
	conn := openTestConnection(t, c)
	seedStore(t, conn, map[float64]string{1: "one", 2: "two"})

	var deleted bool
	_, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadWrite, func(tx *Transaction) error {
		backendCur, err := tx.Backend().OpenCursor("s", idbbackend.Unbounded(), idbbackend.Next)
		require.NoError(t, err)
		cur := NewCursor(tx, backendCur, idbbackend.Next, "s", "", false, false)

		req, delErr := cur.Delete()
		require.NoError(t, delErr)
		req.OnSuccess(func(result interface{}) { deleted = true })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, deleted)

	rtx, err := conn.RunTransaction([]string{"s"}, idbbackend.ReadOnly, func(tx *Transaction) error {
		rec, ok, getErr := tx.Backend().Get("s", idbbackend.Only(idbkey.Encode(idbkey.Number(1))))
		require.NoError(t, getErr)
		assert.False(t, ok, "deleted record must no longer be present")
		_ = rec
		return nil
	})
	require.NoError(t, err)
	_ = rtx
}
