// redis.go
package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisDriver is a Driver over a Redis pub/sub connection. A single
// subscriber connection carries every channel; the read loop feeds delivered
// messages to the receiver.
type RedisDriver struct {
	client redis.UniversalClient
	sub    *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	receiver func(channel string, payload []byte)
	closed   bool
}

// NewRedisDriver starts a driver over client. The client is not closed by
// the driver; only its subscriber connection is.
func NewRedisDriver(client redis.UniversalClient) *RedisDriver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &RedisDriver{
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
	d.sub = client.Subscribe(ctx)
	go d.readLoop()
	return d
}

func (d *RedisDriver) SetReceiver(fn func(channel string, payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = fn
}

func (d *RedisDriver) readLoop() {
	for msg := range d.sub.Channel() {
		d.mu.Lock()
		receiver := d.receiver
		d.mu.Unlock()
		if receiver != nil {
			receiver(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (d *RedisDriver) Subscribe(channel string) error {
	return d.sub.Subscribe(d.ctx, channel)
}

func (d *RedisDriver) Unsubscribe(channel string) error {
	return d.sub.Unsubscribe(d.ctx, channel)
}

// Publish sends payload to every channel in one pipeline round trip.
func (d *RedisDriver) Publish(channels []string, payload []byte) error {
	pipe := d.client.Pipeline()
	for _, channel := range channels {
		pipe.Publish(d.ctx, channel, payload)
	}
	_, err := pipe.Exec(d.ctx)
	return err
}

func (d *RedisDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	return d.sub.Close()
}
