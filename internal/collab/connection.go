// connection.go
package collab

import (
	"log"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// DefaultTypeURI is the canonical default operational-transform type the
// server must declare at handshake.
const DefaultTypeURI = "http://sharejs.org/types/JSONv0"

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
	StateStopped      State = "stopped"
)

// Options configures a Connection.
type Options struct {
	// DefaultType is the OT type URI the server must declare at handshake.
	// Defaults to DefaultTypeURI.
	DefaultType string
	// Debug logs every frame sent and received.
	Debug bool

	DocFactory   DocFactory
	QueryFactory QueryFactory

	// OpSink, when set, observes every op frame sent.
	OpSink OpSink
}

// ReceiveEnvelope is the mutable wrapper handed to "receive" event handlers.
// A handler may set Data to nil to suppress dispatch of the frame.
type ReceiveEnvelope struct {
	Data []byte
}

// Connection is a long-lived client session with a collaboration server. It
// multiplexes document and query subscriptions over a single socket, tracks
// the connection state machine, and coalesces subscription traffic into bulk
// frames inside a bulk window.
//
// All state transitions, bulk flushes, and inbound dispatch are driven by the
// socket callbacks and are expected to arrive from a single transport
// goroutine; the internal mutex only guards against concurrent observers.
type Connection struct {
	emitter

	mu      sync.Mutex
	state   State
	canSend bool
	seq     int64
	id      string
	agent   any

	socket Socket

	collections map[string]map[string]Doc

	queries        map[int64]Query
	nextQueryID    int64
	queryKeys      map[int64]uint64
	queryKeyCounts map[uint64]int

	// bulk is nil outside a bulk window.
	bulk bulkOps

	defaultType  string
	debug        bool
	docFactory   DocFactory
	queryFactory QueryFactory
	opSink       OpSink
}

// NewConnection creates a connection bound to socket. A nil opts uses
// defaults.
func NewConnection(socket Socket, opts *Options) *Connection {
	if opts == nil {
		opts = &Options{}
	}
	c := &Connection{
		seq:            1,
		collections:    make(map[string]map[string]Doc),
		queries:        make(map[int64]Query),
		nextQueryID:    1,
		queryKeys:      make(map[int64]uint64),
		queryKeyCounts: make(map[uint64]int),
		defaultType:    opts.DefaultType,
		debug:          opts.Debug,
		docFactory:     opts.DocFactory,
		queryFactory:   opts.QueryFactory,
		opSink:         opts.OpSink,
	}
	if c.defaultType == "" {
		c.defaultType = DefaultTypeURI
	}
	c.BindToSocket(socket)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanSend reports whether the connection is in the connected state.
func (c *Connection) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSend
}

// NextSeq returns the next per-session operation sequence number. Documents
// stamp outgoing ops with it; it restarts at 1 on every disconnect.
func (c *Connection) NextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq
	c.seq++
	return seq
}

// ID returns the server-assigned client id, or "" before the handshake.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetAgent attaches an opaque server-side agent reference. It is cleared on
// every disconnect.
func (c *Connection) SetAgent(agent any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent = agent
}

// Agent returns the attached agent reference, if any.
func (c *Connection) Agent() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// BindToSocket attaches the connection to a socket, replacing any previous
// one. The previous socket's callbacks are cleared and it is closed. The
// state is derived from the new socket's ready-state: opening or open binds
// as connecting, anything else as disconnected.
func (c *Connection) BindToSocket(socket Socket) {
	c.mu.Lock()
	if old := c.socket; old != nil {
		old.OnOpen(nil)
		old.OnMessage(nil)
		old.OnClose(nil)
		old.OnError(nil)
		old.Close()
	}
	c.socket = socket
	switch socket.ReadyState() {
	case ReadyStateConnecting, ReadyStateOpen:
		c.state = StateConnecting
	default:
		c.state = StateDisconnected
	}
	c.canSend = false
	c.mu.Unlock()

	socket.OnOpen(func() {
		c.setState(StateConnecting, "")
	})
	socket.OnMessage(c.handleRawMessage)
	socket.OnError(func(err error) {
		// Transport errors do not move the state machine; the subsequent
		// close callback does.
		c.emit(EventConnectionError, err)
	})
	socket.OnClose(func(reason string) {
		c.setState(stateForCloseReason(reason), reason)
	})
}

// Close closes the underlying socket. The transport's close callback drives
// the state transition.
func (c *Connection) Close() {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket != nil {
		socket.Close()
	}
}

// stateForCloseReason maps a transport close reason onto a lifecycle state.
// Only the four known literals are recognized; any other reason means the
// transport intends to reconnect.
func stateForCloseReason(reason string) State {
	switch reason {
	case "closed", "Closed":
		return StateClosed
	case "stopped", "Stopped by server":
		return StateStopped
	}
	return StateDisconnected
}

func legalTransition(from, to State) bool {
	switch to {
	case StateConnecting:
		return from == StateDisconnected || from == StateStopped || from == StateClosed
	case StateConnected:
		return from == StateConnecting
	case StateDisconnected, StateClosed, StateStopped:
		return true
	}
	return false
}

// setState applies a lifecycle transition. Illegal transitions leave the
// state untouched and surface a 5007 error. Accepted transitions reset the
// session on disconnect, re-notify every query and document inside a bulk
// window, then emit the state-named event followed by the generic state
// event.
func (c *Connection) setState(newState State, reason string) {
	c.mu.Lock()
	old := c.state
	if !legalTransition(old, newState) {
		c.mu.Unlock()
		c.emit(EventError, newError(ErrCodeIllegalStateTransition,
			"Cannot transition directly from %s to %s", old, newState))
		return
	}
	c.state = newState
	c.canSend = newState == StateConnected
	if newState == StateDisconnected || newState == StateClosed || newState == StateStopped {
		c.seq = 1
		c.id = ""
		c.agent = nil
	}
	queries := c.queriesSnapshotLocked()
	docs := c.docsSnapshotLocked()
	c.mu.Unlock()

	c.StartBulk()
	for _, q := range queries {
		q.OnConnectionStateChanged()
	}
	for _, doc := range docs {
		doc.OnConnectionStateChanged()
	}
	c.EndBulk()

	c.emit(string(newState), reason)
	c.emit(EventState, newState, reason)
}

// handleRawMessage is the socket message callback. It emits the mutable
// receive envelope, then dispatches unless a handler suppressed the frame.
func (c *Connection) handleRawMessage(data []byte) {
	if c.debug {
		log.Printf("[collab] RECV %s", data)
	}
	envelope := &ReceiveEnvelope{Data: data}
	c.emit(EventReceive, envelope)
	if envelope.Data == nil {
		return
	}
	if !gjson.ValidBytes(envelope.Data) {
		log.Printf("[collab] dropping undecodable message: %.128s", envelope.Data)
		return
	}
	if err := c.dispatch(envelope.Data); err != nil {
		// Deferred so a dispatch failure cannot be mistaken for a transport
		// decode failure.
		go c.emit(EventError, err)
	}
}

// send marshals a frame and hands it to the socket. The send event carries
// the encoded bytes.
func (c *Connection) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[collab] failed to encode outbound frame: %v", err)
		return
	}
	c.sendBytes(data)
}

func (c *Connection) sendBytes(data []byte) {
	if c.debug {
		log.Printf("[collab] SEND %s", data)
	}
	c.emit(EventSend, data)
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return
	}
	if err := socket.Send(data); err != nil {
		log.Printf("[collab] socket send failed: %v", err)
	}
}
