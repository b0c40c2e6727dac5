package stats

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const lockRetryInterval = 10 * time.Millisecond

// FileStore keeps each column in its own JSON object file
type FileStore struct {
	DevicePath string
	EdgePath   string
	SizesPath  string
}

// NewFileStore creates a FileStore over the three table files
func NewFileStore(devicePath, edgePath, sizesPath string) *FileStore {
	return &FileStore{
		DevicePath: devicePath,
		EdgePath:   edgePath,
		SizesPath:  sizesPath,
	}
}

// Load reads all three files
func (s *FileStore) Load(ctx context.Context) (*Table, error) {
	device, err := readColumn(s.DevicePath)
	if err != nil {
		return nil, err
	}
	edge, err := readColumn(s.EdgePath)
	if err != nil {
		return nil, err
	}
	sizes, err := readColumn(s.SizesPath)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("layers", sizes.Len()).
		Str("device", s.DevicePath).
		Str("edge", s.EdgePath).
		Str("sizes", s.SizesPath).
		Msg("Loaded stats tables")

	return &Table{Sizes: sizes, DeviceTimes: device, EdgeTimes: edge}, nil
}

// MergeDeviceTimes re-reads the device file, merges times and rewrites it,
// all under the file lock
func (s *FileStore) MergeDeviceTimes(ctx context.Context, times []float64) (*Column, error) {
	var merged *Column
	err := withFileLock(ctx, s.DevicePath, func() error {
		col, err := readColumn(s.DevicePath)
		if err != nil {
			return err
		}
		col.Merge(times)
		merged = col
		return replaceColumn(s.DevicePath, col)
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Save writes every column
func (s *FileStore) Save(ctx context.Context, table *Table) error {
	for path, col := range map[string]*Column{
		s.DevicePath: table.DeviceTimes,
		s.EdgePath:   table.EdgeTimes,
		s.SizesPath:  table.Sizes,
	} {
		err := withFileLock(ctx, path, func() error {
			return replaceColumn(path, col)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func readColumn(path string) (*Column, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read stats table %s", path)
	}
	col, err := DecodeColumn(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse stats table %s", path)
	}
	return col, nil
}

// withFileLock runs fn holding <path>.lock
func withFileLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create stats directory")
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return errors.Wrapf(err, "failed to lock %s", path)
	}
	if !locked {
		return errors.Errorf("failed to lock %s", path)
	}
	defer lock.Unlock()

	return fn()
}

// replaceColumn writes col next to path and renames it into place; the
// caller holds the lock
func replaceColumn(path string, col *Column) error {
	data, err := EncodeColumn(col)
	if err != nil {
		return errors.Wrapf(err, "failed to encode stats table %s", path)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}
