package stats

import (
	"context"
	"fmt"
)

// Table is the per-layer profile consumed by the offloading decision:
// output size in bytes and last observed compute time on each side.
type Table struct {
	Sizes       *Column
	DeviceTimes *Column
	EdgeTimes   *Column
}

// Store loads a table snapshot and persists device-time updates.
// MergeDeviceTimes merges into the stored device column while holding
// exclusive access to it and returns the column as stored, so edges sharing
// a store keep each other's updates.
type Store interface {
	Load(ctx context.Context) (*Table, error)
	MergeDeviceTimes(ctx context.Context, times []float64) (*Column, error)
}

// ErrTableShape indicates the three columns do not line up
type ErrTableShape struct {
	Sizes       int
	DeviceTimes int
	EdgeTimes   int
}

func (e *ErrTableShape) Error() string {
	return fmt.Sprintf("stats table shape mismatch: %d sizes, %d device times, %d edge times",
		e.Sizes, e.DeviceTimes, e.EdgeTimes)
}

// NewTable builds a table from plain slices, keyed layer_0..layer_N
func NewTable(sizes, deviceTimes, edgeTimes []float64) *Table {
	return &Table{
		Sizes:       columnOf(sizes),
		DeviceTimes: columnOf(deviceTimes),
		EdgeTimes:   columnOf(edgeTimes),
	}
}

func columnOf(values []float64) *Column {
	c := &Column{}
	for i, v := range values {
		c.Set(i, v)
	}
	return c
}

// NumLayers returns N, the highest valid layer index
func (t *Table) NumLayers() int {
	return t.Sizes.Len() - 1
}

// Validate checks that every layer 0..N has a device and edge time
func (t *Table) Validate() error {
	if t.Sizes == nil || t.DeviceTimes == nil || t.EdgeTimes == nil {
		return &ErrTableShape{}
	}
	n := t.Sizes.Len()
	if n == 0 || t.DeviceTimes.Len() < n || t.EdgeTimes.Len() < n {
		return &ErrTableShape{
			Sizes:       n,
			DeviceTimes: t.DeviceTimes.Len(),
			EdgeTimes:   t.EdgeTimes.Len(),
		}
	}
	return nil
}

// MergeDeviceTimes overwrites device times by the layer position reported
func (t *Table) MergeDeviceTimes(times []float64) {
	t.DeviceTimes.Merge(times)
}

// Clone returns a deep copy
func (t *Table) Clone() *Table {
	return &Table{
		Sizes:       t.Sizes.clone(),
		DeviceTimes: t.DeviceTimes.clone(),
		EdgeTimes:   t.EdgeTimes.clone(),
	}
}
