// doc.go
package collab

import (
	json "github.com/goccy/go-json"
)

// Doc is the document collaborator the connection multiplexes. The connection
// never looks inside a document; it only routes replies to these handlers and
// asks about pending work. Implementations are expected to re-issue their
// subscriptions from OnConnectionStateChanged when the connection reports a
// connected state.
type Doc interface {
	Collection() string
	ID() string
	// Version returns the locally known version, or nil when unknown.
	Version() *int64

	// OnConnectionStateChanged is invoked inside a bulk window on every
	// accepted connection state transition.
	OnConnectionStateChanged()

	HandleFetch(err error, snapshot json.RawMessage)
	HandleSubscribe(err error, snapshot json.RawMessage)
	HandleUnsubscribe(err error)
	// HandleOp receives op replies and remote ops. An op message carrying an
	// error envelope is still delivered here; the document decides what to do
	// with it.
	HandleOp(err error, msg *DocMessage)

	HasPending() bool
	HasWritePending() bool
	// OnceNothingPending registers a one-shot callback fired when the document
	// next reports no pending work.
	OnceNothingPending(fn func())
}

// Query is the query collaborator registered under a connection-assigned id.
type Query interface {
	ID() int64

	// OnConnectionStateChanged is invoked inside a bulk window on every
	// accepted connection state transition, before any document is notified.
	OnConnectionStateChanged()

	// HandleResponse receives the reply to the query's initial qf/qs send.
	HandleResponse(err error, data json.RawMessage, extra json.RawMessage)
	HandleError(err error)
	HandleDiff(diff json.RawMessage)
	HandleExtra(extra json.RawMessage)

	HasPending() bool
	// OnceReady registers a one-shot callback fired when the query next
	// becomes ready.
	OnceReady(fn func())
}

// DocFactory constructs the document for a (collection, id) pair on first Get.
type DocFactory func(c *Connection, collection, id string) Doc

// QueryFactory constructs a query for a freshly allocated id. The action is
// ActionQueryFetch for one-shot queries and ActionQuerySubscribe for
// subscriptions.
type QueryFactory func(c *Connection, id int64, action, collection string, query json.RawMessage) Query

// Op is a locally submitted operation handed to SendOp. Exactly one of Op,
// Create, and Del is expected to be set; the fields are carried verbatim.
type Op struct {
	Src    string
	Seq    int64
	Op     json.RawMessage
	Create json.RawMessage
	Del    json.RawMessage
}

// OpSink observes every op frame the connection sends, e.g. a durable op
// journal.
type OpSink interface {
	RecordOp(src string, seq int64, collection, id string, op json.RawMessage)
}
