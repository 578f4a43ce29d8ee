// stream.go
package pubsub

import (
	"log"
	"sync"

	json "github.com/goccy/go-json"
)

// streamBufferSize bounds each subscriber's delivery queue. A slow consumer
// drops ops rather than blocking the fan-out.
const streamBufferSize = 256

// StreamOp is one payload delivered to a subscriber stream.
type StreamOp struct {
	Collection string
	DocID      string
	Payload    json.RawMessage
}

// Stream is a per-subscriber delivery queue on a channel. Consumers range
// over Ops, selecting on Done to observe shutdown.
type Stream struct {
	id        int64
	ops       chan StreamOp
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newStream(id int64) *Stream {
	return &Stream{
		id:   id,
		ops:  make(chan StreamOp, streamBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the stream's PubSub-instance-unique id.
func (s *Stream) ID() int64 { return s.id }

// Ops is the delivery queue.
func (s *Stream) Ops() <-chan StreamOp { return s.ops }

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// PushOp queues one op for the subscriber. Ops pushed after close, or while
// the queue is full, are dropped.
func (s *Stream) PushOp(collection, docID string, payload json.RawMessage) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ops <- StreamOp{Collection: collection, DocID: docID, Payload: payload}:
	case <-s.done:
	default:
		log.Printf("[pubsub] stream %d queue full, dropping op for %s/%s", s.id, collection, docID)
	}
}

// Close shuts the stream down and detaches it from its channel. It is
// idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Destroy closes the stream and discards anything still queued.
func (s *Stream) Destroy() {
	s.Close()
	for {
		select {
		case <-s.ops:
		default:
			return
		}
	}
}
