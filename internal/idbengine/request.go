package idbengine

import "github.com/cuemby/idb/pkg/idbmetrics"

// ReadyState is a request's lifecycle position.
type ReadyState int

const (
	Pending ReadyState = iota
	Done
)

// Request is one asynchronous operation placed against a transaction. It
// starts Pending and is resolved exactly once, either by Result or by
// Error, at which point it dispatches a success or error event that
// bubbles to its owning Transaction.
type Request struct {
	handle Handle
	core   *Core
	tx     *Transaction
	source interface{}

	Result interface{}
	Error  error

	readyState ReadyState
	done       bool
}

func (r *Request) Handle() Handle          { return r.handle }
func (r *Request) Source() interface{}     { return r.source }
func (r *Request) Transaction() *Transaction { return r.tx }
func (r *Request) ReadyState() ReadyState  { return r.readyState }

// OnSuccess registers a listener invoked once, when the request
// resolves successfully.
func (r *Request) OnSuccess(fn func(result interface{})) {
	r.core.dispatcher.AddEventListener(r.handle, EventSuccess, false, func(e *Event) {
		fn(r.Result)
	})
}

// OnError registers a listener invoked once, when the request resolves
// with an error. Calling e.PreventDefault() inside fn stops the error
// from aborting the owning transaction.
func (r *Request) OnError(fn func(e *Event, err error)) {
	r.core.dispatcher.AddEventListener(r.handle, EventError, false, func(e *Event) {
		fn(e, r.Error)
	})
}

func (r *Request) succeed(result interface{}) {
	if r.done {
		return
	}
	r.done = true
	r.Result = result
	r.readyState = Done
	idbmetrics.RequestsTotal.WithLabelValues("success").Inc()
	r.core.dispatcher.Dispatch(r.handle, &Event{Type: EventSuccess})
}

// fail resolves the request with err and dispatches an error event. When
// mayAbort is true and no listener prevented the default action, the
// owning transaction is aborted — this is the normal "unhandled request
// error kills the transaction" path. mayAbort is false when the request
// is being failed *because* the transaction already aborted, so there is
// nothing left to abort.
func (r *Request) fail(err error, mayAbort bool) {
	if r.done {
		return
	}
	r.done = true
	r.Error = err
	r.readyState = Done
	idbmetrics.RequestsTotal.WithLabelValues("error").Inc()
	evt := &Event{Type: EventError, Err: err}
	proceed := r.core.dispatcher.Dispatch(r.handle, evt)
	if mayAbort && proceed {
		r.tx.lastError = err
		r.tx.Abort()
	}
}
