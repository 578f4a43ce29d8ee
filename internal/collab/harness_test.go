// harness_test.go
package collab

import (
	"sync"

	json "github.com/goccy/go-json"
)

// fakeSocket is a scriptable Socket. Tests call receive/open/closeFrom to
// play the transport side.
type fakeSocket struct {
	mu        sync.Mutex
	state     ReadyState
	sent      [][]byte
	closed    int
	onOpen    func()
	onMessage func(data []byte)
	onClose   func(reason string)
	onError   func(err error)
}

func newFakeSocket(state ReadyState) *fakeSocket {
	return &fakeSocket{state: state}
}

func (s *fakeSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.state = ReadyStateClosed
	return nil
}

func (s *fakeSocket) OnOpen(fn func())              { s.mu.Lock(); s.onOpen = fn; s.mu.Unlock() }
func (s *fakeSocket) OnMessage(fn func(data []byte)) { s.mu.Lock(); s.onMessage = fn; s.mu.Unlock() }
func (s *fakeSocket) OnClose(fn func(reason string)) { s.mu.Lock(); s.onClose = fn; s.mu.Unlock() }
func (s *fakeSocket) OnError(fn func(err error))     { s.mu.Lock(); s.onError = fn; s.mu.Unlock() }

func (s *fakeSocket) open() {
	s.mu.Lock()
	s.state = ReadyStateOpen
	fn := s.onOpen
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fakeSocket) receive(data string) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

func (s *fakeSocket) closeFrom(reason string) {
	s.mu.Lock()
	s.state = ReadyStateClosed
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (s *fakeSocket) sentFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]string, len(s.sent))
	for i, data := range s.sent {
		frames[i] = string(data)
	}
	return frames
}

type docReply struct {
	err  error
	data json.RawMessage
}

// fakeDoc records everything the connection forwards to it.
type fakeDoc struct {
	collection string
	id         string

	mu           sync.Mutex
	version      *int64
	stateChanges int
	fetches      []docReply
	subscribes   []docReply
	unsubscribes []error
	ops          []*DocMessage
	opErrs       []error
	pending      bool
	writePending bool
	pendingFns   []func()

	// onStateChanged, when set, runs on every OnConnectionStateChanged with
	// the fake itself, e.g. to resubscribe.
	onStateChanged func(d *fakeDoc)
}

func newFakeDoc(collection, id string) *fakeDoc {
	return &fakeDoc{collection: collection, id: id}
}

func (d *fakeDoc) Collection() string { return d.collection }
func (d *fakeDoc) ID() string         { return d.id }

func (d *fakeDoc) Version() *int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *fakeDoc) setVersion(v int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = &v
}

func (d *fakeDoc) OnConnectionStateChanged() {
	d.mu.Lock()
	d.stateChanges++
	fn := d.onStateChanged
	d.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (d *fakeDoc) HandleFetch(err error, snapshot json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches = append(d.fetches, docReply{err, snapshot})
}

func (d *fakeDoc) HandleSubscribe(err error, snapshot json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribes = append(d.subscribes, docReply{err, snapshot})
}

func (d *fakeDoc) HandleUnsubscribe(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubscribes = append(d.unsubscribes, err)
}

func (d *fakeDoc) HandleOp(err error, msg *DocMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opErrs = append(d.opErrs, err)
	d.ops = append(d.ops, msg)
}

func (d *fakeDoc) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *fakeDoc) HasWritePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writePending
}

func (d *fakeDoc) OnceNothingPending(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingFns = append(d.pendingFns, fn)
}

// settle clears the pending flag and fires the registered callbacks.
func (d *fakeDoc) settle() {
	d.mu.Lock()
	d.pending = false
	fns := d.pendingFns
	d.pendingFns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type queryReply struct {
	err   error
	data  json.RawMessage
	extra json.RawMessage
}

// fakeQuery records everything the connection forwards to it.
type fakeQuery struct {
	id int64

	mu           sync.Mutex
	stateChanges int
	responses    []queryReply
	errors       []error
	diffs        []json.RawMessage
	extras       []json.RawMessage
	pending      bool
	readyFns     []func()

	onStateChanged func(q *fakeQuery)
}

func (q *fakeQuery) ID() int64 { return q.id }

func (q *fakeQuery) OnConnectionStateChanged() {
	q.mu.Lock()
	q.stateChanges++
	fn := q.onStateChanged
	q.mu.Unlock()
	if fn != nil {
		fn(q)
	}
}

func (q *fakeQuery) HandleResponse(err error, data, extra json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = append(q.responses, queryReply{err, data, extra})
}

func (q *fakeQuery) HandleError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errors = append(q.errors, err)
}

func (q *fakeQuery) HandleDiff(diff json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.diffs = append(q.diffs, diff)
}

func (q *fakeQuery) HandleExtra(extra json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extras = append(q.extras, extra)
}

func (q *fakeQuery) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *fakeQuery) OnceReady(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readyFns = append(q.readyFns, fn)
}

func (q *fakeQuery) ready() {
	q.mu.Lock()
	q.pending = false
	fns := q.readyFns
	q.readyFns = nil
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// newTestConnection builds a connection over an open fake socket with fake
// doc and query factories.
func newTestConnection() (*Connection, *fakeSocket) {
	socket := newFakeSocket(ReadyStateOpen)
	conn := NewConnection(socket, &Options{
		DocFactory: func(c *Connection, collection, id string) Doc {
			return newFakeDoc(collection, id)
		},
		QueryFactory: func(c *Connection, id int64, action, collection string, query json.RawMessage) Query {
			return &fakeQuery{id: id}
		},
	})
	return conn, socket
}

// connect drives the init handshake so the connection reaches connected.
func connect(conn *Connection, socket *fakeSocket, clientID string) {
	socket.receive(`{"a":"init","protocol":1,"type":"` + DefaultTypeURI + `","id":"` + clientID + `"}`)
}
