package production

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comalice/statecore/internal/wire"
	"github.com/comalice/statecore/realtime"
)

// PublishedRecord is the broker form of a realtime.Applied record.
type PublishedRecord struct {
	Source  string          `json:"source"`
	Seq     uint64          `json:"seq"`
	Tick    uint64          `json:"tick"`
	At      time.Time       `json:"at"`
	Command wire.Envelope   `json:"command"`
	Events  []wire.Envelope `json:"events"`
}

// NewPublishedRecord encodes rec for publishing.
func NewPublishedRecord(source string, rec realtime.Applied) (PublishedRecord, error) {
	cmd, err := wire.EncodeCommand(rec.Command)
	if err != nil {
		return PublishedRecord{}, err
	}
	events, err := wire.EncodeEvents(rec.Events)
	if err != nil {
		return PublishedRecord{}, err
	}
	return PublishedRecord{
		Source:  source,
		Seq:     rec.Seq,
		Tick:    rec.Tick,
		At:      rec.At,
		Command: cmd,
		Events:  events,
	}, nil
}

// ChannelPublisher forwards records to a Go channel.
// Non-blocking publish with drop on backpressure. The caller owns the channel
// and closes it once the runtime has stopped.
type ChannelPublisher struct {
	ch      chan<- realtime.Applied
	dropped uint64
}

// NewChannelPublisher creates a ChannelPublisher with the given output channel.
func NewChannelPublisher(ch chan<- realtime.Applied) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

// Deliver implements realtime.Sink.
func (p *ChannelPublisher) Deliver(ctx context.Context, rec realtime.Applied) error {
	select {
	case p.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.dropped++ // Non-blocking drop
		return nil
	}
}

// Dropped returns how many records were dropped. Only the delivering
// goroutine may call it while the runtime runs.
func (p *ChannelPublisher) Dropped() uint64 {
	return p.dropped
}

// RedisClient is the part of *redis.Client the publisher needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes every record as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  RedisClient
	channel string
	source  string
}

// NewRedisPublisher publishes on channel, tagging records with source.
func NewRedisPublisher(client RedisClient, channel, source string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, source: source}
}

// DialRedis connects to the Redis server at url (redis://host:port/db) and
// checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Deliver implements realtime.Sink.
func (p *RedisPublisher) Deliver(ctx context.Context, rec realtime.Applied) error {
	pub, err := NewPublishedRecord(p.source, rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("marshal record %d: %w", rec.Seq, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish record %d: %w", rec.Seq, err)
	}
	return nil
}
