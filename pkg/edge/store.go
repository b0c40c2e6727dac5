package edge

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/stats"
)

// OpenStore builds the stats backend named in cfg. With the redis backend the
// three tables are seeded from the local files when the keys are missing.
func OpenStore(ctx context.Context, cfg StatsConfig) (stats.Store, func() error, error) {
	files := stats.NewFileStore(cfg.DevicePath, cfg.EdgePath, cfg.SizesPath)

	switch cfg.Backend {
	case "", StatsBackendFile:
		return files, func() error { return nil }, nil
	case StatsBackendRedis:
	default:
		return nil, nil, &ErrConfigValidation{Field: "stats.backend", Message: "must be file or redis"}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.RedisAddr)
	}

	store := stats.NewRedisStore(client, cfg.RedisKeyPrefix)
	if err := seedStore(ctx, store, files); err != nil {
		client.Close()
		return nil, nil, err
	}

	return store, client.Close, nil
}

func seedStore(ctx context.Context, store *stats.RedisStore, files *stats.FileStore) error {
	exists, err := store.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	table, err := files.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load stats files for seeding")
	}
	if err := store.Save(ctx, table); err != nil {
		return err
	}

	log.Info().Int("num_layers", table.NumLayers()).Msg("Seeded redis stats from files")
	return nil
}
