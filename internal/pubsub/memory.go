// memory.go
package pubsub

import "sync"

// MemoryDriver is a process-local Driver for tests and single-node
// deployments. Published payloads are delivered asynchronously to the
// receiver for every channel with a live transport subscription.
type MemoryDriver struct {
	mu         sync.Mutex
	receiver   func(channel string, payload []byte)
	subscribed map[string]bool
	closed     bool
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{subscribed: make(map[string]bool)}
}

func (d *MemoryDriver) SetReceiver(fn func(channel string, payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = fn
}

func (d *MemoryDriver) Subscribe(channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.subscribed[channel] = true
	return nil
}

func (d *MemoryDriver) Unsubscribe(channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribed, channel)
	return nil
}

func (d *MemoryDriver) Publish(channels []string, payload []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	receiver := d.receiver
	var targets []string
	for _, channel := range channels {
		if d.subscribed[channel] {
			targets = append(targets, channel)
		}
	}
	d.mu.Unlock()
	if receiver == nil {
		return nil
	}
	for _, channel := range targets {
		go receiver(channel, payload)
	}
	return nil
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for channel := range d.subscribed {
		delete(d.subscribed, channel)
	}
	return nil
}
