package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/platform/websocket"
)

// EventType is the websocket event type used for progress updates.
const EventType = "import.progress"

// HubSink publishes events to websocket subscribers of the job id.
type HubSink struct {
	pub websocket.EventPublisher
}

func NewHubSink(pub websocket.EventPublisher) *HubSink {
	return &HubSink{pub: pub}
}

func (s *HubSink) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return s.pub.Publish(ctx, websocket.Event{
		Type:      EventType,
		Topic:     ev.JobID,
		Timestamp: ev.Timestamp,
		Data:      data,
	})
}

// RedisSink publishes events on a redis channel so that an API process can
// relay progress from worker processes.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

// Relay subscribes to the redis progress channel and forwards every event to
// a local sink, typically a HubSink.
type Relay struct {
	client  *redis.Client
	channel string
	sink    Sink
	log     zerolog.Logger
}

func NewRelay(client *redis.Client, channel string, sink Sink, logger zerolog.Logger) *Relay {
	return &Relay{client: client, channel: channel, sink: sink, log: logger.With().Str("component", "progress-relay").Logger()}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("progress relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Msg("discarding malformed progress message")
				continue
			}
			if err := r.sink.Send(ctx, ev); err != nil {
				r.log.Warn().Err(err).Str("job_id", ev.JobID).Msg("relay delivery failed")
			}
		}
	}
}
