package idbengine

import (
	"time"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/pkg/idbmetrics"
)

func modeLabel(m idbbackend.Mode) string {
	switch m {
	case idbbackend.ReadOnly:
		return "readonly"
	case idbbackend.ReadWrite:
		return "readwrite"
	default:
		return "versionchange"
	}
}

// Transaction is the engine-level wrapper around a backend.Tx, adding
// the activation/request-queue/auto-commit state machine the spec
// describes: active while its initiating task runs, then deactivated by a
// microtask queued when that task's body returns (so requests queued
// before it still run first), then finalized (committed or aborted) once
// every request placed against it has resolved.
type Transaction struct {
	handle  Handle
	core    *Core
	conn    *Connection
	mode    idbbackend.Mode
	scope   []string
	backend idbbackend.Tx

	active    bool
	finished  bool
	aborted   bool
	holds     int
	pending   []*Request
	startedAt time.Time

	lastError error
}

func (tx *Transaction) Handle() Handle            { return tx.handle }
func (tx *Transaction) Mode() idbbackend.Mode      { return tx.mode }
func (tx *Transaction) Scope() []string            { return tx.scope }
func (tx *Transaction) Backend() idbbackend.Tx     { return tx.backend }
func (tx *Transaction) Connection() *Connection    { return tx.conn }
func (tx *Transaction) Active() bool               { return tx.active }
func (tx *Transaction) Aborted() bool              { return tx.aborted }
func (tx *Transaction) Finished() bool             { return tx.finished }
func (tx *Transaction) LastError() error           { return tx.lastError }

func (tx *Transaction) AddEventListener(t EventType, fn Listener) {
	tx.core.dispatcher.AddEventListener(tx.handle, t, false, fn)
}

// NewRequest creates a request whose bubble parent is this transaction.
func (tx *Transaction) NewRequest(source interface{}) *Request {
	h := tx.core.allocHandle()
	req := &Request{handle: h, core: tx.core, tx: tx, source: source, readyState: Pending}
	tx.core.dispatcher.Register(h, tx.handle, true)
	return req
}

// ExecuteRequest schedules op to run as a microtask and resolve req with
// its result. If the transaction is not active the request fails
// synchronously with TransactionInactiveError, matching "requests placed
// against an inactive transaction fail immediately."
func (tx *Transaction) ExecuteRequest(req *Request, op func() (interface{}, error)) {
	if tx.finished || !tx.active {
		req.fail(idberr.New(idberr.TransactionInactive, "transaction is not active"), false)
		return
	}
	tx.holds++
	tx.pending = append(tx.pending, req)
	tx.core.scheduler.QueueMicrotask(func() {
		tx.deliverRequest(req, op)
	})
}

func (tx *Transaction) deliverRequest(req *Request, op func() (interface{}, error)) {
	if req.done {
		return
	}
	tx.removePending(req)
	if tx.aborted {
		req.fail(idberr.New(idberr.Abort, "transaction aborted"), false)
		tx.finishHold()
		return
	}
	result, err := op()
	if err != nil {
		req.fail(err, true)
	} else {
		req.succeed(result)
	}
	tx.finishHold()
}

func (tx *Transaction) removePending(req *Request) {
	for i, r := range tx.pending {
		if r == req {
			tx.pending = append(tx.pending[:i], tx.pending[i+1:]...)
			return
		}
	}
}

func (tx *Transaction) finishHold() {
	tx.holds--
	tx.maybeFinalize()
}

// scheduleDeactivation registers the end-of-task hook that turns off
// tx.active, matching the point in the spec where a transaction's
// initiating task has finished running.
func (tx *Transaction) scheduleDeactivation() {
	tx.core.scheduler.OnTaskEnd(func() {
		tx.core.scheduler.QueueMicrotask(tx.deactivate)
	})
}

func (tx *Transaction) deactivate() {
	tx.active = false
	tx.maybeFinalize()
}

func (tx *Transaction) maybeFinalize() {
	if tx.finished || tx.active || tx.holds > 0 {
		return
	}
	tx.commit()
}

func (tx *Transaction) commit() {
	tx.finished = true
	timer := idbmetrics.NewTimer()
	err := tx.backend.Commit()
	timer.ObserveDuration(idbmetrics.CommitDuration)
	if err != nil {
		tx.aborted = true
		tx.lastError = idberr.Wrap(idberr.Unknown, "commit failed", err)
		tx.core.dispatcher.Dispatch(tx.handle, &Event{Type: EventAbort, Err: tx.lastError})
		tx.core.connectionAborted(tx)
		tx.recordOutcome("abort")
		return
	}
	tx.core.dispatcher.Dispatch(tx.handle, &Event{Type: EventComplete})
	tx.core.transactionFinished(tx)
	tx.recordOutcome("commit")
}

func (tx *Transaction) recordOutcome(outcome string) {
	label := modeLabel(tx.mode)
	idbmetrics.TransactionsTotal.WithLabelValues(label, outcome).Inc()
	idbmetrics.TransactionDuration.WithLabelValues(label).Observe(time.Since(tx.startedAt).Seconds())
}

// Abort rolls back the backend transaction, fails every still-pending
// request in LIFO order with AbortError, then dispatches "abort",
// bubbling to the owning connection.
func (tx *Transaction) Abort() {
	if tx.finished {
		return
	}
	tx.finished = true
	tx.aborted = true
	for i := len(tx.pending) - 1; i >= 0; i-- {
		r := tx.pending[i]
		if !r.done {
			r.fail(idberr.New(idberr.Abort, "transaction aborted"), false)
		}
	}
	tx.pending = nil
	if tx.backend != nil {
		_ = tx.backend.Abort()
	}
	tx.core.dispatcher.Dispatch(tx.handle, &Event{Type: EventAbort, Err: tx.lastError})
	tx.core.connectionAborted(tx)
	tx.recordOutcome("abort")
}

// Commit ends the transaction early: no further requests may be placed,
// and it finalizes as soon as outstanding requests resolve.
func (tx *Transaction) Commit() {
	if tx.finished {
		return
	}
	tx.active = false
	tx.maybeFinalize()
}
