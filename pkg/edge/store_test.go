package edge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/splitedge/pkg/stats"
)

func writeStatsFiles(t *testing.T) StatsConfig {
	t.Helper()
	dir := t.TempDir()

	cfg := StatsConfig{
		Backend:        StatsBackendFile,
		DevicePath:     filepath.Join(dir, "device.json"),
		EdgePath:       filepath.Join(dir, "edge.json"),
		SizesPath:      filepath.Join(dir, "sizes.json"),
		RedisKeyPrefix: stats.DefaultRedisKeyPrefix,
	}
	require.NoError(t, os.WriteFile(cfg.DevicePath, []byte(`{"layer_0": 1, "layer_1": 2}`), 0600))
	require.NoError(t, os.WriteFile(cfg.EdgePath, []byte(`{"layer_0": 0.5, "layer_1": 0.25}`), 0600))
	require.NoError(t, os.WriteFile(cfg.SizesPath, []byte(`{"layer_0": 100, "layer_1": 10}`), 0600))
	return cfg
}

func TestOpenStoreFile(t *testing.T) {
	cfg := writeStatsFiles(t)

	store, closeStore, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()

	_, ok := store.(*stats.FileStore)
	require.True(t, ok)

	table, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 10}, table.Sizes.Values)
}

func TestOpenStoreRedisSeedsFromFiles(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := writeStatsFiles(t)
	cfg.Backend = StatsBackendRedis
	cfg.RedisAddr = mr.Addr()

	store, closeStore, err := OpenStore(ctx, cfg)
	require.NoError(t, err)

	table, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, table.DeviceTimes.Values)

	_, err = store.MergeDeviceTimes(ctx, []float64{9})
	require.NoError(t, err)
	require.NoError(t, closeStore())

	// existing keys win over the files on the next start
	store, closeStore, err = OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer closeStore()

	table, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 2}, table.DeviceTimes.Values)
}

func TestOpenStoreRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := writeStatsFiles(t)
	cfg.Backend = StatsBackendRedis
	cfg.RedisAddr = addr

	_, _, err := OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, _, err := OpenStore(context.Background(), StatsConfig{Backend: "s3"})
	var validationErr *ErrConfigValidation
	assert.ErrorAs(t, err, &validationErr)
}
