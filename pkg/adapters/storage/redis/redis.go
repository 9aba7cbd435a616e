package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "dago:run:"

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// RunStore implements ports.RunStore using Redis
type RunStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRunStore creates a new Redis run store. A zero ttl keeps records
// forever.
func NewRunStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RunStore {
	return &RunStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveRun stores or replaces a run record
func (s *RunStore) SaveRun(ctx context.Context, record *domain.RunRecord) error {
	if record == nil || record.RunID == "" {
		return fmt.Errorf("run record must have a run id")
	}

	// Serialize record
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	// Save to Redis with TTL
	if err := s.client.Set(ctx, getRunKey(record.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	s.logger.Debug("run saved",
		zap.String("run_id", record.RunID),
		zap.String("status", string(record.Status)))

	return nil
}

// GetRun retrieves a run record from Redis
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	data, err := s.client.Get(ctx, getRunKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	// Deserialize record
	var record domain.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &record, nil
}

// ListRuns returns all stored run ids, sorted
func (s *RunStore) ListRuns(ctx context.Context) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	// Extract run IDs from keys
	runIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(keyPrefix) {
			runIDs = append(runIDs, key[len(keyPrefix):])
		}
	}
	sort.Strings(runIDs)

	return runIDs, nil
}

// DeleteRun removes a run record from Redis
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, getRunKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	s.logger.Debug("run deleted",
		zap.String("run_id", runID))

	return nil
}

// getRunKey returns the Redis key for a run record
func getRunKey(runID string) string {
	return keyPrefix + runID
}
