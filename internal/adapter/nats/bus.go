// Package nats implements the event bus port on NATS JetStream, for
// deployments running more than one control-plane instance.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/spritelab/fleetd/internal/port/bus"
)

const (
	streamName    = "FLEETD"
	subjectPrefix = "fleetd."

	subscriberBuffer = 64
)

// Bus implements bus.Bus using NATS JetStream.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger

	mu    sync.Mutex
	stops []func()
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js, log: log}, nil
}

// Publish sends an event on the named channel. Delivery failures are logged,
// not returned: the bus contract is fire-and-forget.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, payload any) {
	ev := bus.Event{Channel: channel, Type: eventType, Payload: payload, At: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("event marshal failed", "channel", channel, "type", eventType, "error", err)
		return
	}
	if _, err := b.js.Publish(ctx, subject(channel), data); err != nil {
		b.log.Error("event publish failed", "channel", channel, "type", eventType, "error", err)
	}
}

// Subscribe opens an ephemeral consumer on the channel's subject. Each
// subscriber gets every event. Events are dropped, not queued, when the
// subscriber's buffer is full.
func (b *Bus) Subscribe(channel string) (<-chan bus.Event, func()) {
	ch := make(chan bus.Event, subscriberBuffer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject(channel),
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		b.log.Error("nats consumer create failed", "channel", channel, "error", err)
		close(ch)
		return ch, func() {}
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev bus.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			b.log.Error("event decode failed", "subject", msg.Subject(), "error", err)
			return
		}
		select {
		case ch <- ev:
		default:
			b.log.Warn("subscriber buffer full, dropping event",
				"channel", channel, "type", ev.Type)
		}
	})
	if err != nil {
		b.log.Error("nats consume failed", "channel", channel, "error", err)
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cons.Stop()
			close(ch)
		})
	}

	b.mu.Lock()
	b.stops = append(b.stops, stop)
	b.mu.Unlock()

	return ch, stop
}

// Close stops all subscriptions and shuts down the NATS connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	b.nc.Close()
	return nil
}

// subject maps a channel name onto the stream's subject space. Channel names
// may contain ':' which is not legal in NATS subjects.
func subject(channel string) string {
	return subjectPrefix + strings.ReplaceAll(channel, ":", ".")
}
