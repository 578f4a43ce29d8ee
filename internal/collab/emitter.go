// emitter.go
package collab

import "sync"

// Events emitted on the connection.
const (
	EventConnecting      = "connecting"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventClosed          = "closed"
	EventStopped         = "stopped"
	EventState           = "state"
	EventError           = "error"
	EventConnectionError = "connection error"
	EventReceive         = "receive"
	EventSend            = "send"
	EventDoc             = "doc"
)

type eventHandler struct {
	id   int64
	fn   func(args ...any)
	once bool
}

// emitter is a minimal per-event-name subscriber list. Handlers run outside
// the emitter lock, in registration order.
type emitter struct {
	emu      sync.Mutex
	nextID   int64
	handlers map[string][]*eventHandler
}

// On registers fn for event and returns a function that removes it.
func (e *emitter) On(event string, fn func(args ...any)) func() {
	return e.add(event, fn, false)
}

// Once registers fn to run a single time and returns a function that removes
// it early.
func (e *emitter) Once(event string, fn func(args ...any)) func() {
	return e.add(event, fn, true)
}

func (e *emitter) add(event string, fn func(args ...any), once bool) func() {
	e.emu.Lock()
	defer e.emu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string][]*eventHandler)
	}
	e.nextID++
	h := &eventHandler{id: e.nextID, fn: fn, once: once}
	e.handlers[event] = append(e.handlers[event], h)
	id := h.id
	return func() { e.remove(event, id) }
}

func (e *emitter) remove(event string, id int64) {
	e.emu.Lock()
	defer e.emu.Unlock()
	list := e.handlers[event]
	for i, h := range list {
		if h.id == id {
			e.handlers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(event string, args ...any) {
	e.emu.Lock()
	list := e.handlers[event]
	snapshot := append([]*eventHandler(nil), list...)
	kept := list[:0]
	for _, h := range list {
		if !h.once {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(e.handlers, event)
	} else {
		e.handlers[event] = kept
	}
	e.emu.Unlock()

	for _, h := range snapshot {
		h.fn(args...)
	}
}
