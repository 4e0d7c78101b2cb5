package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/lessonflow/pkg/eventbus"
	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// NewJobStore builds the job status store named by kind: "memory", "bus" or a redis:// URL.
// subscriber may be nil for write-only processes.
func NewJobStore(
	ctx context.Context,
	kind string,
	p persistence.Persistence,
	bus eventbus.EventPublisher,
	subscriber eventbus.EventSubscriber,
	logger *slog.Logger,
) (jobstore.StoreRecorder, error) {
	switch {
	case kind == "" || kind == "memory":
		return jobstore.NewMemoryStore(), nil
	case kind == "bus":
		store, err := jobstore.NewBusStore(p.JobRepository(), bus, subscriber, logger)
		if err != nil {
			return nil, err
		}

		return store, nil
	case strings.HasPrefix(kind, "redis://"), strings.HasPrefix(kind, "rediss://"):
		store, err := jobstore.NewRedisStoreFromURL(ctx, kind, logger)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unsupported job store: %s", kind)
	}
}
