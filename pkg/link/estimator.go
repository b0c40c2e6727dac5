package link

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/beam-cloud/splitedge/pkg/types"
)

const (
	// Bounds of the injected latency multiplier used to emulate a slower,
	// variable network between device and edge
	DefaultSyntheticLatencyMin = 1.0
	DefaultSyntheticLatencyMax = 1111.0
)

// Estimate is the link speed derived from a single exchanged message
type Estimate struct {
	PayloadBytes     int
	ObservedLatency  float64
	SyntheticLatency float64
	AvgSpeed         float64
}

// Estimator derives link estimates from message timestamps
type Estimator struct {
	min, max float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures an Estimator
type Option func(e *Estimator)

// WithSyntheticLatency sets the bounds of the latency multiplier
func WithSyntheticLatency(min, max float64) Option {
	return func(e *Estimator) {
		e.min = min
		e.max = max
	}
}

// WithRand sets the random source, for reproducible runs
func WithRand(rnd *rand.Rand) Option {
	return func(e *Estimator) {
		e.rnd = rnd
	}
}

// New creates an Estimator
func New(options ...Option) *Estimator {
	e := &Estimator{
		min: DefaultSyntheticLatencyMin,
		max: DefaultSyntheticLatencyMax,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.max < e.min {
		e.min, e.max = e.max, e.min
	}
	return e
}

// Estimate computes the link estimate for a message of payloadBytes sent at
// sent and received at received
func (e *Estimator) Estimate(payloadBytes int, sent, received types.Timestamp) Estimate {
	latency := received.Sub(sent)
	synthetic := e.syntheticLatency()
	return Estimate{
		PayloadBytes:     payloadBytes,
		ObservedLatency:  latency,
		SyntheticLatency: synthetic,
		AvgSpeed:         AvgSpeed(payloadBytes, latency, synthetic),
	}
}

func (e *Estimator) syntheticLatency() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var r float64
	if e.rnd != nil {
		r = e.rnd.Float64()
	} else {
		r = rand.Float64()
	}
	return e.min + r*(e.max-e.min)
}

// AvgSpeed is payload bytes over the scaled latency, 0 when the denominator
// is zero or not a finite number
func AvgSpeed(payloadBytes int, latency, syntheticLatency float64) float64 {
	denominator := latency * syntheticLatency
	if denominator == 0 || math.IsNaN(denominator) || math.IsInf(denominator, 0) {
		return 0
	}
	return float64(payloadBytes) / denominator
}
