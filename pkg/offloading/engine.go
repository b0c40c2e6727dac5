package offloading

import (
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/stats"
)

// Speeds below this are treated as this, so a degenerate link estimate
// gives a conservative transfer cost instead of a division by zero. This
// changes the ranking at low speeds.
const minAvgSpeed float64 = 1

// CandidateKind names the three families of split points
type CandidateKind string

const (
	CandidateEdgeOnly   CandidateKind = "edge_only"
	CandidateMixed      CandidateKind = "mixed"
	CandidateDeviceOnly CandidateKind = "device_only"
)

// Candidate is one evaluated split point
type Candidate struct {
	Kind        CandidateKind
	Layer       int
	InitialCost float64
	DataSize    float64
	EdgeCost    float64
	AvgSpeed    float64
	Cost        float64
}

// Plan is the outcome of a decision run
type Plan struct {
	BestLayer int
	Cost      float64

	// Candidates in evaluation order
	Candidates []Candidate
}

// Cost is device compute so far, plus transfer of the split layer's output,
// plus the remaining edge compute
func Cost(initialCost, layerDataSize, edgeCost, avgSpeed float64) float64 {
	if !(avgSpeed >= minAvgSpeed) {
		avgSpeed = minAvgSpeed
	}
	return initialCost + layerDataSize/avgSpeed + edgeCost
}

// Decide picks the layer up to which the device should compute locally.
//
// Candidates are evaluated edge-only first, then every mixed split in
// ascending layer order, then device-only; a candidate only replaces the
// running best when strictly cheaper, so ties go to the earliest one.
func Decide(avgSpeed float64, table *stats.Table) (*Plan, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	var (
		n      = table.NumLayers()
		sizes  = table.Sizes.Values
		device = table.DeviceTimes.Values
		edge   = table.EdgeTimes.Values
	)

	log.Debug().Int("num_layers", n).Float64("avg_speed", avgSpeed).Msg("Evaluating offloading plan")

	plan := &Plan{Candidates: make([]Candidate, 0, n+2)}
	consider := func(kind CandidateKind, layer int, initialCost, dataSize, edgeCost float64) {
		c := Candidate{
			Kind:        kind,
			Layer:       layer,
			InitialCost: initialCost,
			DataSize:    dataSize,
			EdgeCost:    edgeCost,
			AvgSpeed:    avgSpeed,
			Cost:        Cost(initialCost, dataSize, edgeCost, avgSpeed),
		}
		plan.Candidates = append(plan.Candidates, c)

		log.Debug().
			Str("kind", string(kind)).
			Int("layer", layer).
			Float64("data_size", dataSize).
			Float64("initial_cost", initialCost).
			Float64("edge_cost", edgeCost).
			Float64("avg_speed", avgSpeed).
			Float64("cost", c.Cost).
			Msg("Offloading candidate")

		if len(plan.Candidates) == 1 || c.Cost < plan.Cost {
			plan.BestLayer = layer
			plan.Cost = c.Cost
		}
	}

	consider(CandidateEdgeOnly, 0, 0, sizes[0], sum(edge[:n+1]))

	for layer := 0; layer < n-1; layer++ {
		consider(CandidateMixed, layer, sum(device[:layer]), sizes[layer+1], sum(edge[layer:n]))
	}

	consider(CandidateDeviceOnly, n, sum(device[:n+1]), sizes[n], 0)

	log.Info().
		Int("num_layers", n).
		Float64("avg_speed", avgSpeed).
		Float64("lowest_cost", plan.Cost).
		Int("best_layer", plan.BestLayer).
		Msg("Offloading decision complete")

	return plan, nil
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
