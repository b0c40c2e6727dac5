package link

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvgSpeed(t *testing.T) {
	tests := []struct {
		name      string
		payload   int
		latency   float64
		synthetic float64
		expect    float64
	}{
		{name: "plain", payload: 100, latency: 0.5, synthetic: 2, expect: 100},
		{name: "zero latency", payload: 100, latency: 0, synthetic: 10, expect: 0},
		{name: "zero synthetic", payload: 100, latency: 1, synthetic: 0, expect: 0},
		{name: "nan latency", payload: 100, latency: math.NaN(), synthetic: 1, expect: 0},
		{name: "infinite latency", payload: 100, latency: math.Inf(1), synthetic: 1, expect: 0},
		{name: "empty payload", payload: 0, latency: 1, synthetic: 1, expect: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, AvgSpeed(tc.payload, tc.latency, tc.synthetic))
		})
	}
}

func TestEstimateSyntheticLatencyInRange(t *testing.T) {
	e := New(WithRand(rand.New(rand.NewPCG(1, 2))))

	for i := 0; i < 1000; i++ {
		est := e.Estimate(512, 10, 10.25)
		assert.GreaterOrEqual(t, est.SyntheticLatency, DefaultSyntheticLatencyMin)
		assert.LessOrEqual(t, est.SyntheticLatency, DefaultSyntheticLatencyMax)
		assert.Equal(t, 512, est.PayloadBytes)
		assert.InDelta(t, 0.25, est.ObservedLatency, 1e-12)
		assert.InDelta(t, 512/(0.25*est.SyntheticLatency), est.AvgSpeed, 1e-9)
	}
}

func TestEstimateZeroLatency(t *testing.T) {
	e := New()
	est := e.Estimate(512, 10, 10)
	assert.Equal(t, 0.0, est.AvgSpeed)
	assert.Equal(t, 0.0, est.ObservedLatency)
}

func TestWithSyntheticLatency(t *testing.T) {
	e := New(WithSyntheticLatency(1, 1))
	est := e.Estimate(100, 0, 2)
	assert.Equal(t, 1.0, est.SyntheticLatency)
	assert.Equal(t, 50.0, est.AvgSpeed)

	swapped := New(WithSyntheticLatency(5, 2))
	assert.Equal(t, 2.0, swapped.min)
	assert.Equal(t, 5.0, swapped.max)
}
