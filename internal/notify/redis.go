package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries floor events between processes.
const DefaultChannel = "floorops.events"

// RedisBroker publishes events on a Redis pub/sub channel.
type RedisBroker struct {
	client  *redis.Client
	channel string
}

// NewRedisBroker constructs a broker. An empty channel selects DefaultChannel.
func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{client: client, channel: channel}
}

// Publish implements Publisher.
func (b *RedisBroker) Publish(ctx context.Context, evt Event) error {
	if b == nil || b.client == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listener relays events from a Redis channel into a local Publisher,
// typically a Hub serving dashboards.
type Listener struct {
	client  *redis.Client
	channel string
	sink    Publisher
	logger  *slog.Logger
	seen    *seenSet

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener constructs a Listener. Duplicate event IDs are forwarded once.
func NewListener(client *redis.Client, channel string, sink Publisher, logger *slog.Logger) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{client: client, channel: channel, sink: sink, logger: logger, seen: newSeenSet(4096)}
}

// ErrListenerRunning indicates Start was called twice.
var ErrListenerRunning = errors.New("notify: listener already running")

// Start subscribes and relays in the background until Stop or ctx ends. The
// subscription is confirmed before Start returns.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrListenerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	pubsub := l.client.Subscribe(ctx, l.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, pubsub, l.done)
	return nil
}

// Stop ends the subscription and waits for the relay goroutine.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				l.logger.Warn("notify decode", slog.Any("error", err))
				continue
			}
			if !l.seen.add(evt.ID) {
				continue
			}
			if err := l.sink.Publish(ctx, evt); err != nil {
				l.logger.Warn("notify relay", slog.String("id", evt.ID), slog.Any("error", err))
			}
		}
	}
}
