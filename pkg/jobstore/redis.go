package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix   = "lessonflow"
	defaultStreamLimit = 1000
	readBlock          = 2 * time.Second
	readCount          = 100
)

// RedisStore keeps the latest job snapshot in a key and appends every change to a
// per-resource stream. Subscribers tail the stream with XREAD.
type RedisStore struct {
	client      redis.UniversalClient
	logger      *slog.Logger
	prefix      string
	streamLimit int64
}

// RedisOption customizes the store.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithStreamLimit caps the approximate length of each resource stream.
func WithStreamLimit(limit int64) RedisOption {
	return func(s *RedisStore) {
		s.streamLimit = limit
	}
}

func NewRedisStore(client redis.UniversalClient, logger *slog.Logger, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:      client,
		logger:      logger.With("module", "redis_job_store"),
		prefix:      defaultKeyPrefix,
		streamLimit: defaultStreamLimit,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// NewRedisStoreFromURL connects using a redis:// URL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, url string, logger *slog.Logger, opts ...RedisOption) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return NewRedisStore(client, logger, opts...), nil
}

func (s *RedisStore) jobKey(jobID string) string {
	return s.prefix + ":job:" + jobID
}

func (s *RedisStore) streamKey(resourceID string) string {
	return s.prefix + ":jobs:" + resourceID
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewJobError("Get", jobID, ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}

	return &job, nil
}

// Record writes the snapshot and the stream entry in one MULTI/EXEC.
func (s *RedisStore) Record(ctx context.Context, job *models.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	stored := cloneJob(job)

	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(stored.ID), data, 0)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey(stored.ResourceID),
			MaxLen: s.streamLimit,
			Approx: true,
			Values: map[string]any{"job": string(data)},
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}

	return nil
}

type redisSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	s.once.Do(s.cancel)

	return nil
}

// Subscribe starts tailing after the newest entry that exists right now, so no change
// recorded after Subscribe returns is missed.
func (s *RedisStore) Subscribe(ctx context.Context, resourceID string, handler Handler) (Subscription, error) {
	stream := s.streamKey(resourceID)

	lastID := "0-0"

	latest, err := s.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	subCtx, cancel := context.WithCancel(ctx)

	go s.tail(subCtx, stream, lastID, handler)

	return &redisSubscription{cancel: cancel}, nil
}

func (s *RedisStore) tail(ctx context.Context, stream, lastID string, handler Handler) {
	logger := s.logger.With("stream", stream)

	for ctx.Err() == nil {
		result, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}

			logger.ErrorContext(ctx, "Error reading job stream", "error", err)

			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}

			continue
		}

		for _, entries := range result {
			for _, entry := range entries.Messages {
				lastID = entry.ID

				raw, _ := entry.Values["job"].(string)

				var job models.Job
				if err := json.Unmarshal([]byte(raw), &job); err != nil {
					logger.ErrorContext(ctx, "Skipping malformed job entry", "entry_id", entry.ID, "error", err)

					continue
				}

				handler(ctx, &job)
			}
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
