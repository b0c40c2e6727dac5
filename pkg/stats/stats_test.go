package stats

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeColumnKeepsKeyOrder(t *testing.T) {
	col, err := DecodeColumn([]byte(`{"layer_2": 3.5, "layer_0": 1, "layer_1": 2.25}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"layer_2", "layer_0", "layer_1"}, col.Keys)
	assert.Equal(t, []float64{3.5, 1, 2.25}, col.Values)
}

func TestDecodeColumnRejectsNonNumbers(t *testing.T) {
	tests := []string{
		`[1, 2, 3]`,
		`{"layer_0": "fast"}`,
		`{"layer_0": 1,`,
	}
	for _, input := range tests {
		_, err := DecodeColumn([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestEncodeColumnRoundTrip(t *testing.T) {
	col := &Column{Keys: []string{"b", "a"}, Values: []float64{0.25, 10}}

	data, err := EncodeColumn(col)
	require.NoError(t, err)
	assert.Equal(t, `{"b":0.25,"a":10}`, string(data))

	decoded, err := DecodeColumn(data)
	require.NoError(t, err)
	assert.Equal(t, col, decoded)
}

func TestColumnSetAppendsLayerKeys(t *testing.T) {
	col := &Column{Keys: []string{"0"}, Values: []float64{1}}
	col.Set(0, 5)
	col.Set(2, 7)

	assert.Equal(t, []string{"0", "layer_1", "layer_2"}, col.Keys)
	assert.Equal(t, []float64{5, 0, 7}, col.Values)
}

func TestTableValidate(t *testing.T) {
	tests := []struct {
		name  string
		table *Table
		ok    bool
	}{
		{name: "aligned", table: NewTable([]float64{10, 20}, []float64{1, 1}, []float64{2, 2}), ok: true},
		{name: "longer times", table: NewTable([]float64{10}, []float64{1, 1}, []float64{2, 2}), ok: true},
		{name: "short device", table: NewTable([]float64{10, 20}, []float64{1}, []float64{2, 2})},
		{name: "short edge", table: NewTable([]float64{10, 20}, []float64{1, 1}, []float64{2})},
		{name: "empty", table: NewTable(nil, nil, nil)},
		{name: "nil columns", table: &Table{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.table.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var shapeErr *ErrTableShape
			assert.ErrorAs(t, err, &shapeErr)
		})
	}
}

func TestMergeDeviceTimesAndClone(t *testing.T) {
	table := NewTable([]float64{10, 20, 30}, []float64{1, 1, 1}, []float64{5, 5, 5})
	snapshot := table.Clone()

	table.MergeDeviceTimes([]float64{0.2, 0.3})

	assert.Equal(t, []float64{0.2, 0.3, 1}, table.DeviceTimes.Values)
	assert.Equal(t, []float64{1, 1, 1}, snapshot.DeviceTimes.Values)
	assert.Equal(t, 2, table.NumLayers())
}

func writeTables(t *testing.T, dir string) *FileStore {
	t.Helper()
	files := map[string]string{
		"device.json": `{"layer_0": 1, "layer_1": 1, "layer_2": 1}`,
		"edge.json":   `{"layer_0": 5, "layer_1": 5, "layer_2": 5}`,
		"sizes.json":  `{"0": 10, "1": 20, "2": 30}`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return NewFileStore(
		filepath.Join(dir, "device.json"),
		filepath.Join(dir, "edge.json"),
		filepath.Join(dir, "sizes.json"),
	)
}

func TestFileStoreLoad(t *testing.T) {
	store := writeTables(t, t.TempDir())

	table, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, table.Validate())

	assert.Equal(t, []float64{10, 20, 30}, table.Sizes.Values)
	assert.Equal(t, []string{"0", "1", "2"}, table.Sizes.Keys)
	assert.Equal(t, []float64{1, 1, 1}, table.DeviceTimes.Values)
	assert.Equal(t, []float64{5, 5, 5}, table.EdgeTimes.Values)
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := NewFileStore("/nonexistent/device.json", "/nonexistent/edge.json", "/nonexistent/sizes.json")
	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

func TestFileStoreMergeDeviceTimes(t *testing.T) {
	dir := t.TempDir()
	store := writeTables(t, dir)

	merged, err := store.MergeDeviceTimes(context.Background(), []float64{0.2, 0.3})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.3, 1}, merged.Values)

	data, err := os.ReadFile(store.DevicePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"layer_0": 0.2, "layer_1": 0.3, "layer_2": 1}`, string(data))

	// edge and sizes files are untouched
	edge, err := os.ReadFile(store.EdgePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"layer_0": 5, "layer_1": 5, "layer_2": 5}`, string(edge))

	_, err = os.Stat(store.DevicePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func newRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestRedisStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newRedisClient(t), "")

	exists, err := store.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Load(ctx)
	assert.Error(t, err)

	table := NewTable([]float64{10, 20, 30}, []float64{1, 1, 1}, []float64{5, 5, 5})
	require.NoError(t, store.Save(ctx, table))

	exists, err = store.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, table, loaded)

	merged, err := store.MergeDeviceTimes(ctx, []float64{0.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1, 1}, merged.Values)

	reloaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1, 1}, reloaded.DeviceTimes.Values)

	// the merge lock is released
	assert.Equal(t, int64(0), store.client.Exists(ctx, store.lockKey()).Val())
}

func TestRedisStoresKeepEachOthersMerges(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)

	first := NewRedisStore(client, "shared")
	second := NewRedisStore(client, "shared")
	require.NoError(t, first.Save(ctx, NewTable([]float64{10, 20, 30}, []float64{1, 1, 1}, []float64{5, 5, 5})))

	// second loads before first writes, like an edge that started earlier
	stale, err := second.Load(ctx)
	require.NoError(t, err)

	_, err = first.MergeDeviceTimes(ctx, []float64{0.2, 0.3, 0.4})
	require.NoError(t, err)

	merged, err := second.MergeDeviceTimes(ctx, []float64{0.9})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.3, 0.4}, merged.Values)
	assert.Equal(t, []float64{1, 1, 1}, stale.DeviceTimes.Values)

	loaded, err := first.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.3, 0.4}, loaded.DeviceTimes.Values)
}

func TestRedisStoreConcurrentMerges(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	require.NoError(t, NewRedisStore(client, "").Save(ctx, NewTable([]float64{1}, []float64{0}, []float64{1})))

	// writer k reports k layers, all with time k
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for k := 1; k <= writers; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			times := make([]float64, k)
			for i := range times {
				times[i] = float64(k)
			}
			_, err := NewRedisStore(client, "").MergeDeviceTimes(ctx, times)
			errs <- err
		}(k)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	table, err := NewRedisStore(client, "").Load(ctx)
	require.NoError(t, err)
	require.Equal(t, writers, table.DeviceTimes.Len())
	// only the longest report reaches the last layer, and no layer lost its writer
	assert.Equal(t, float64(writers), table.DeviceTimes.Values[writers-1])
	for i, v := range table.DeviceTimes.Values {
		assert.Greater(t, v, float64(i), "layer %d", i)
	}
}

func TestFileStoresKeepEachOthersMerges(t *testing.T) {
	dir := t.TempDir()
	first := writeTables(t, dir)
	second := NewFileStore(first.DevicePath, first.EdgePath, first.SizesPath)

	_, err := first.MergeDeviceTimes(context.Background(), []float64{0.2, 0.3, 0.4})
	require.NoError(t, err)
	merged, err := second.MergeDeviceTimes(context.Background(), []float64{0.9})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.3, 0.4}, merged.Values)
}
