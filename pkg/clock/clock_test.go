package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/splitedge/pkg/types"
)

func newTestSource(maxAttempts int, query func(string) (time.Time, error)) *NTPSource {
	s := NewNTPSource("ntp.test", time.Millisecond, maxAttempts)
	s.query = query
	return s
}

func TestNewNTPSourceDefaults(t *testing.T) {
	s := NewNTPSource("", 0, 0)
	assert.Equal(t, DefaultNTPServer, s.Server)
	assert.Equal(t, DefaultRetryInterval, s.RetryInterval)
	assert.Equal(t, 0, s.MaxAttempts)
}

func TestNTPSourceRetriesUntilSuccess(t *testing.T) {
	want := time.Unix(1700000000, 500000000)
	calls := 0
	s := newTestSource(5, func(host string) (time.Time, error) {
		calls++
		assert.Equal(t, "ntp.test", host)
		if calls < 3 {
			return time.Time{}, errors.New("timeout")
		}
		return want, nil
	})

	ts, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.InDelta(t, 1700000000.5, float64(ts), 1e-6)
}

func TestNTPSourceGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	s := newTestSource(3, func(string) (time.Time, error) {
		calls++
		return time.Time{}, errors.New("unreachable")
	})

	_, err := s.Now(context.Background())

	var unavailable *ErrTimeUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.Equal(t, "ntp.test", unavailable.Server)
}

func TestNTPSourceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s := newTestSource(0, func(string) (time.Time, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return time.Time{}, errors.New("unreachable")
	})

	_, err := s.Now(ctx)

	var unavailable *ErrTimeUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

type staticSource struct {
	ts  types.Timestamp
	err error
}

func (s staticSource) Now(ctx context.Context) (types.Timestamp, error) {
	return s.ts, s.err
}

func TestFallbackSource(t *testing.T) {
	ctx := context.Background()

	ok := &FallbackSource{Primary: staticSource{ts: 10}, Fallback: staticSource{ts: 20}}
	ts, err := ok.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Timestamp(10), ts)

	failing := &FallbackSource{Primary: staticSource{err: errors.New("down")}, Fallback: staticSource{ts: 20}}
	ts, err = failing.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Timestamp(20), ts)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = failing.Now(cancelled)
	assert.Error(t, err)
}

func TestLocalSourceIsCurrent(t *testing.T) {
	before := types.FromTime(time.Now())
	ts, err := LocalSource{}.Now(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, float64(ts), float64(before))
}
