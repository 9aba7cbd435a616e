package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "dago:events"
	allStream     = keyPrefix + ":all"
	decisionsKey  = keyPrefix + ":decisions"
	defaultMaxLen = 100000
)

// StreamsSink persists events published on the event channel to Redis
// Streams. Each run gets its own stream for replay; every event is also
// appended to a capped global stream that consumer groups can follow.
type StreamsSink struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewStreamsSink creates a new Redis Streams sink
func NewStreamsSink(client *redis.Client, logger *zap.Logger) *StreamsSink {
	return &StreamsSink{
		client: client,
		logger: logger,
		maxLen: defaultMaxLen,
	}
}

// Attach subscribes the sink to every event on bus.
func (s *StreamsSink) Attach(ctx context.Context, bus ports.EventBus) (func(), error) {
	return bus.Subscribe(ctx, s.Handle)
}

// Handle appends one event to its run stream and to the global stream.
func (s *StreamsSink) Handle(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	streamKey := getStreamKey(event)
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: allStream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	s.logger.Debug("event persisted",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Uint64("sequence", event.Sequence),
		zap.String("stream", streamKey))

	return nil
}

// Replay returns the persisted events of a run ordered by sequence number.
func (s *StreamsSink) Replay(ctx context.Context, runID string) ([]domain.Event, error) {
	messages, err := s.client.XRange(ctx, runStreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]domain.Event, 0, len(messages))
	for _, message := range messages {
		event, err := decodeMessage(message)
		if err != nil {
			s.logger.Error("skipping undecodable event",
				zap.String("run_id", runID),
				zap.String("message_id", message.ID),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})
	return events, nil
}

// Consume follows the global stream as a member of a consumer group and
// calls handler for each event. Messages are acknowledged only when handler
// succeeds. It blocks until ctx is done.
func (s *StreamsSink) Consume(ctx context.Context, group, consumer string, handler ports.EventHandler) error {
	// Create consumer group if it doesn't exist
	err := s.client.XGroupCreateMkStream(ctx, allStream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.logger.Info("consuming event stream",
		zap.String("stream", allStream),
		zap.String("consumer_group", group),
		zap.String("consumer", consumer))

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{allStream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("failed to read from stream",
				zap.String("stream", allStream),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				s.processMessage(ctx, group, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (s *StreamsSink) processMessage(ctx context.Context, group string, message redis.XMessage, handler ports.EventHandler) {
	event, err := decodeMessage(message)
	if err != nil {
		s.logger.Error("invalid message format",
			zap.String("stream", allStream),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		s.logger.Error("handler error",
			zap.String("stream", allStream),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := s.client.XAck(ctx, allStream, group, message.ID).Err(); err != nil {
		s.logger.Error("failed to acknowledge message",
			zap.String("stream", allStream),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

func decodeMessage(message redis.XMessage) (domain.Event, error) {
	var event domain.Event
	data, ok := message.Values["data"].(string)
	if !ok {
		return event, fmt.Errorf("message %s has no data field", message.ID)
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}

// getStreamKey returns the Redis stream key for an event
func getStreamKey(event domain.Event) string {
	if event.RunID == "" {
		return decisionsKey
	}
	return runStreamKey(event.RunID)
}

func runStreamKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", keyPrefix, runID)
}
