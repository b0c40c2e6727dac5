package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/types"
)

const (
	DefaultNTPServer     = "time.google.com"
	DefaultRetryInterval = time.Second
	DefaultMaxAttempts   = 10
)

// Source supplies comparable timestamps shared by the device and the edge
type Source interface {
	Now(ctx context.Context) (types.Timestamp, error)
}

// ErrTimeUnavailable indicates no timestamp could be acquired
type ErrTimeUnavailable struct {
	Server   string
	Attempts int
	Err      error
}

func (e *ErrTimeUnavailable) Error() string {
	return fmt.Sprintf("time unavailable from %s after %d attempts: %v", e.Server, e.Attempts, e.Err)
}

func (e *ErrTimeUnavailable) Unwrap() error {
	return e.Err
}

// LocalSource reads the system clock
type LocalSource struct{}

func (LocalSource) Now(ctx context.Context) (types.Timestamp, error) {
	return types.FromTime(time.Now()), nil
}

// NTPSource queries an NTP server, retrying with a fixed delay
type NTPSource struct {
	Server        string
	RetryInterval time.Duration
	// MaxAttempts bounds the number of queries; 0 retries until ctx is done
	MaxAttempts int

	query func(host string) (time.Time, error)
}

// NewNTPSource creates an NTPSource with defaults for zero values
func NewNTPSource(server string, retryInterval time.Duration, maxAttempts int) *NTPSource {
	if server == "" {
		server = DefaultNTPServer
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &NTPSource{
		Server:        server,
		RetryInterval: retryInterval,
		MaxAttempts:   maxAttempts,
		query:         ntp.Time,
	}
}

// Now blocks until the server answers, attempts run out or ctx is cancelled
func (s *NTPSource) Now(ctx context.Context) (types.Timestamp, error) {
	var (
		now      time.Time
		attempts int
	)

	op := func() error {
		attempts++
		t, err := s.query(s.Server)
		if err != nil {
			log.Debug().Err(err).Str("server", s.Server).Int("attempt", attempts).Msg("NTP query failed")
			return err
		}
		now = t
		return nil
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(s.RetryInterval)
	if s.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(s.MaxAttempts-1))
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return 0, &ErrTimeUnavailable{Server: s.Server, Attempts: attempts, Err: err}
	}
	return types.FromTime(now), nil
}

// FallbackSource uses Fallback whenever Primary fails
type FallbackSource struct {
	Primary  Source
	Fallback Source
}

func (s *FallbackSource) Now(ctx context.Context) (types.Timestamp, error) {
	ts, err := s.Primary.Now(ctx)
	if err == nil {
		return ts, nil
	}
	if ctx.Err() != nil {
		return 0, err
	}

	log.Warn().Err(err).Msg("Primary time source unavailable, using fallback clock")
	return s.Fallback.Now(ctx)
}
