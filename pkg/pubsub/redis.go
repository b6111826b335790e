package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
)

// ChannelPrefix namespaces feed channels on the Redis server.
const ChannelPrefix = "switchboard:feed:"

// RedisBridge fans events out across relay processes. Publish sends to the
// feed's Redis channel; Run pattern-subscribes to every feed channel and
// forwards what arrives into the local Hub. With the bridge installed as the
// relay's Publisher, each process's subscribers see events accepted by any
// process sharing the Redis server.
type RedisBridge struct {
	client  *redis.Client
	hub     *Hub
	timeout time.Duration
	logger  *slog.Logger
	ready   chan struct{}
}

var _ Publisher = (*RedisBridge)(nil)

// NewRedisBridge connects to the server at url (redis://...) and verifies it
// with a PING.
func NewRedisBridge(ctx context.Context, url string, hub *Hub, logger *slog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	b := &RedisBridge{
		client:  redis.NewClient(opts),
		hub:     hub,
		timeout: 5 * time.Second,
		logger:  logging.OrDiscard(logger),
		ready:   make(chan struct{}),
	}
	if err := b.Ping(ctx); err != nil {
		b.client.Close()
		return nil, err
	}
	return b, nil
}

// ChannelFor returns the Redis channel carrying feedID's events.
func ChannelFor(feedID string) string { return ChannelPrefix + feedID }

// feedFromChannel extracts the feed ID from a channel name.
func feedFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefix)
	return id, ok && id != ""
}

// Publish sends ev to the feed's Redis channel.
func (b *RedisBridge) Publish(ctx context.Context, feedID string, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(ctx, ChannelFor(feedID), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", feedID, err)
	}
	return nil
}

// Ready is closed once Run's pattern subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run forwards Redis messages into the hub until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer ps.Close()

	// Receive blocks until the server acknowledges the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	close(b.ready)
	b.logger.Info("redis bridge subscribed", "pattern", ChannelPrefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			feedID, ok := feedFromChannel(msg.Channel)
			if !ok {
				continue
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("redis bridge: undecodable message", "channel", msg.Channel, "error", err)
				continue
			}
			_ = b.hub.Publish(ctx, feedID, ev)
		}
	}
}

// Ping checks the Redis connection.
func (b *RedisBridge) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (b *RedisBridge) Close() error { return b.client.Close() }
