package idb

import "github.com/cuemby/idb/internal/idbengine"

// Request is one pending asynchronous operation placed against a
// transaction. Register OnSuccess/OnError before the enclosing
// Connection.Transaction call returns; by the time it returns, every
// request placed inside it has already resolved and fired its event.
type Request struct {
	req *idbengine.Request
}

func newRequest(r *idbengine.Request) *Request { return &Request{req: r} }

// OnSuccess registers fn to run once, when the request resolves
// successfully. result's concrete type depends on the operation: a
// record, a key, a count, or a *Cursor.
func (r *Request) OnSuccess(fn func(result interface{})) {
	r.req.OnSuccess(func(result interface{}) {
		if ec, ok := result.(*idbengine.Cursor); ok {
			result = newCursor(ec)
		}
		fn(result)
	})
}

// OnError registers fn to run once, when the request fails.
func (r *Request) OnError(fn func(err error)) {
	r.req.OnError(func(_ *idbengine.Event, err error) {
		fn(err)
	})
}

// ReadyState reports whether the request has resolved yet.
func (r *Request) ReadyState() idbengine.ReadyState { return r.req.ReadyState() }
