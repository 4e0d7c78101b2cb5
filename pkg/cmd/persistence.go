package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/lessonflow/pkg/persistence"
	"github.com/dukex/lessonflow/pkg/persistence/file"
	"github.com/dukex/lessonflow/pkg/persistence/postgresql"
)

// NewPersistence picks the backend from the DATABASE_URL scheme. Anything that is not
// postgres is treated as a file:// root directory.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgresql":
		db, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return db, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	default:
		return "file"
	}
}
