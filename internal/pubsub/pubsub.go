// pubsub.go

// Package pubsub fans published document operations out to local subscriber
// streams. Channel subscriptions to the underlying transport are reference
// counted: the first stream on a channel subscribes the transport, the last
// stream closing unsubscribes it.
package pubsub

import (
	"errors"
	"log"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrClosed is returned for operations on a closed PubSub.
var ErrClosed = errors.New("pubsub: closed")

// Driver is the underlying channel transport (in-memory, Redis, ...).
// Subscribe returns once the transport subscription is confirmed. Delivery
// happens through the receiver installed with SetReceiver.
type Driver interface {
	SetReceiver(fn func(channel string, payload []byte))
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	Publish(channels []string, payload []byte) error
	Close() error
}

// Options configures a PubSub.
type Options struct {
	// Prefix, when set, is prepended to every channel name.
	Prefix string
}

// PubSub tracks subscriber streams per channel and the transport subscription
// state for each channel.
type PubSub struct {
	prefix string
	driver Driver

	mu           sync.Mutex
	nextStreamID int64
	streamsCount int
	streams      map[string]map[int64]*Stream
	subscribed   map[string]bool
	closed       bool
}

// New creates a PubSub over driver and installs itself as the driver's
// receiver. A nil opts uses defaults.
func New(driver Driver, opts *Options) *PubSub {
	if opts == nil {
		opts = &Options{}
	}
	p := &PubSub{
		prefix:       opts.Prefix,
		driver:       driver,
		nextStreamID: 1,
		streams:      make(map[string]map[int64]*Stream),
		subscribed:   make(map[string]bool),
	}
	driver.SetReceiver(p.Emit)
	return p
}

func (p *PubSub) prefixChannel(channel string) string {
	if p.prefix == "" {
		return channel
	}
	return p.prefix + " " + channel
}

// DocChannel is the channel carrying ops for a single document.
func DocChannel(collection, id string) string {
	return collection + "." + id
}

// StreamsCount returns the number of live subscriber streams.
func (p *PubSub) StreamsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamsCount
}

// Publish sends payload to every subscriber of the given channels, applying
// the configured prefix.
func (p *PubSub) Publish(channels []string, payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()
	prefixed := make([]string, len(channels))
	for i, channel := range channels {
		prefixed[i] = p.prefixChannel(channel)
	}
	return p.driver.Publish(prefixed, payload)
}

// PublishOp stamps the collection and doc id into op and publishes it to the
// document's channel and its collection channel.
func (p *PubSub) PublishOp(collection, id string, op []byte) error {
	stamped, err := sjson.SetBytes(op, "c", collection)
	if err != nil {
		return err
	}
	stamped, err = sjson.SetBytes(stamped, "d", id)
	if err != nil {
		return err
	}
	return p.Publish([]string{DocChannel(collection, id), collection}, stamped)
}

// Subscribe opens a subscriber stream on channel and hands it to cb. When the
// transport subscription for the channel is already confirmed, the stream is
// created on a later tick with no transport call; the callback never fires
// synchronously. Otherwise the transport is subscribed first and the stream
// is created once it confirms.
func (p *PubSub) Subscribe(channel string, cb func(*Stream, error)) {
	ch := p.prefixChannel(channel)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go cb(nil, ErrClosed)
		return
	}
	if p.subscribed[ch] {
		p.mu.Unlock()
		go func() {
			p.mu.Lock()
			stream := p.createStreamLocked(ch)
			p.mu.Unlock()
			cb(stream, nil)
		}()
		return
	}
	p.mu.Unlock()

	go func() {
		if err := p.driver.Subscribe(ch); err != nil {
			cb(nil, err)
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			cb(nil, ErrClosed)
			return
		}
		p.subscribed[ch] = true
		stream := p.createStreamLocked(ch)
		p.mu.Unlock()
		cb(stream, nil)
	}()
}

// createStreamLocked registers a new stream under channel. The stream's close
// handler removes it again.
func (p *PubSub) createStreamLocked(channel string) *Stream {
	stream := newStream(p.nextStreamID)
	p.nextStreamID++
	stream.onClose = func() { p.removeStream(channel, stream) }
	inner := p.streams[channel]
	if inner == nil {
		inner = make(map[int64]*Stream)
		p.streams[channel] = inner
	}
	inner[stream.id] = stream
	p.streamsCount++
	return stream
}

// removeStream drops a closed stream. When the last stream on a channel goes,
// the channel entry is removed and the subscribed flag is cleared
// synchronously, so a subscribe racing the asynchronous transport
// unsubscribe behaves as a fresh subscribe.
func (p *PubSub) removeStream(channel string, stream *Stream) {
	p.mu.Lock()
	inner := p.streams[channel]
	if inner == nil {
		p.mu.Unlock()
		return
	}
	if _, ok := inner[stream.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(inner, stream.id)
	p.streamsCount--
	last := len(inner) == 0
	if last {
		delete(p.streams, channel)
		delete(p.subscribed, channel)
	}
	closed := p.closed
	p.mu.Unlock()

	if last && !closed {
		go func() {
			if err := p.driver.Unsubscribe(channel); err != nil {
				log.Printf("[pubsub] unsubscribe %q failed: %v", channel, err)
			}
		}()
	}
}

// Emit fans a published payload out to every stream on channel. Each stream
// gets its own copy so one subscriber cannot mutate what another observes.
// The payload's c and d fields carry the collection and doc id.
func (p *PubSub) Emit(channel string, payload []byte) {
	p.mu.Lock()
	inner := p.streams[channel]
	streams := make([]*Stream, 0, len(inner))
	for _, stream := range inner {
		streams = append(streams, stream)
	}
	p.mu.Unlock()
	if len(streams) == 0 {
		return
	}

	collection := gjson.GetBytes(payload, "c").String()
	id := gjson.GetBytes(payload, "d").String()
	for _, stream := range streams {
		payloadCopy := append([]byte(nil), payload...)
		stream.PushOp(collection, id, payloadCopy)
	}
}

// Close destroys every live stream and closes the driver.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []*Stream
	for _, inner := range p.streams {
		for _, stream := range inner {
			all = append(all, stream)
		}
	}
	p.mu.Unlock()

	for _, stream := range all {
		stream.Destroy()
	}
	return p.driver.Close()
}
