// socket.go

// Package wsclient adapts a gorilla/websocket connection to the collab
// socket contract.
package wsclient

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-collab/internal/collab"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// ErrSocketClosed is returned by Send after the socket has closed.
var ErrSocketClosed = errors.New("wsclient: socket closed")

// ErrSendBufferFull is returned by Send when the outbound queue is full.
var ErrSendBufferFull = errors.New("wsclient: send buffer full")

// Socket is a collab.Socket over a websocket connection. Reads and writes
// run on their own pumps; Send never blocks.
type Socket struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	state     collab.ReadyState
	onOpen    func()
	onMessage func(data []byte)
	onClose   func(reason string)
	onError   func(err error)

	closeOnce sync.Once
}

// Dial connects to a collaboration server at url (ws:// or wss://) and
// starts the socket pumps. The returned socket is already open.
func Dial(url string) (*Socket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewSocket(conn), nil
}

// NewSocket wraps an already established websocket connection.
func NewSocket(conn *websocket.Conn) *Socket {
	s := &Socket{
		conn:  conn,
		send:  make(chan []byte, 256),
		done:  make(chan struct{}),
		state: collab.ReadyStateOpen,
	}
	go s.writePump()
	go s.readPump()
	return s
}

func (s *Socket) ReadyState() collab.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues one frame for delivery. The queue is bounded; a full queue is
// an error rather than a stall.
func (s *Socket) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the socket down and reports the "closed" reason to the close
// callback, so a bound connection transitions to its closed state.
func (s *Socket) Close() error {
	s.closeWith("closed", nil)
	return nil
}

func (s *Socket) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = fn
}

func (s *Socket) OnMessage(fn func(data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

func (s *Socket) OnClose(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *Socket) OnError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// closeWith tears the socket down exactly once. The reason reaches the close
// callback; the bound connection maps it onto its state machine.
func (s *Socket) closeWith(reason string, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = collab.ReadyStateClosed
		onClose := s.onClose
		onError := s.onError
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()

		if err != nil && onError != nil {
			onError(err)
		}
		if onClose != nil {
			onClose(reason)
		}
	})
}

// readPump delivers inbound frames to the message callback until the
// connection dies. A close frame's text becomes the close reason; any other
// read failure closes with an empty reason, which a bound connection treats
// as disconnected.
func (s *Socket) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			// CloseAbnormalClosure is synthesized locally for a dropped
			// connection; no close frame was received.
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				s.closeWith(closeErr.Text, nil)
			} else {
				s.closeWith("", err)
			}
			return
		}
		s.mu.Lock()
		onMessage := s.onMessage
		s.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.closeWith("", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith("", err)
				return
			}
		case <-s.done:
			return
		}
	}
}
