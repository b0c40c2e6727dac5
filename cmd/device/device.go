package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/clock"
	"github.com/beam-cloud/splitedge/pkg/edge"
	"github.com/beam-cloud/splitedge/pkg/transport"
	"github.com/beam-cloud/splitedge/pkg/types"
)

// device plays the constrained side of one offloading round at a time
type device struct {
	id        string
	topics    edge.TopicsConfig
	publisher transport.Publisher
	clock     clock.Source
	layerTime time.Duration
	timeout   time.Duration

	inbox chan *types.Message
}

func newDevice(id string, topics edge.TopicsConfig, publisher transport.Publisher, source clock.Source, layerTime, timeout time.Duration) *device {
	return &device{
		id:        id,
		topics:    topics,
		publisher: publisher,
		clock:     source,
		layerTime: layerTime,
		timeout:   timeout,
		inbox:     make(chan *types.Message, 16),
	}
}

// deliver decodes edge replies; anything else on the topics is ignored
func (d *device) deliver(topicName string, payload []byte) {
	kind, ok := d.topics.Topic(topicName)
	if !ok {
		return
	}
	msg, err := types.DecodeMessage(kind, payload)
	if err != nil {
		log.Debug().Err(err).Str("topic", topicName).Msg("Ignoring undecodable message")
		return
	}
	if msg.DeviceID != types.EdgeDeviceID {
		return
	}
	select {
	case d.inbox <- msg:
	default:
		log.Warn().Str("message_id", msg.MessageID).Msg("Device inbox full, reply dropped")
	}
}

// runRound registers, computes the requested layers and waits for the edge
// to close the round
func (d *device) runRound(ctx context.Context) error {
	messageID := uuid.NewString()

	ts, err := d.clock.Now(ctx)
	if err != nil {
		return err
	}
	if err := d.publish(ctx, types.TopicRegistration, types.NewRegistration(d.id, messageID, ts, "Hello from "+d.id)); err != nil {
		return err
	}
	log.Info().Str("device_id", d.id).Str("message_id", messageID).Msg("Registered with edge")

	msg, err := d.await(ctx, messageID, types.TopicDeviceInferenceRequest)
	if err != nil {
		return err
	}
	request := msg.Content.(types.InferenceRequestContent)
	if request.OffloadingLayerIndex < 0 {
		return fmt.Errorf("invalid offloading_layer_index %d on message %s", request.OffloadingLayerIndex, messageID)
	}

	output, times, err := runLayers(request.InputData, request.OffloadingLayerIndex, d.layerTime)
	if err != nil {
		return err
	}

	ts, err = d.clock.Now(ctx)
	if err != nil {
		return err
	}
	result, err := types.NewInferenceResult(d.id, messageID, ts, request.OffloadingLayerIndex, output, times)
	if err != nil {
		return err
	}
	if err := d.publish(ctx, types.TopicDeviceInferenceResult, result); err != nil {
		return err
	}
	log.Info().
		Str("message_id", messageID).
		Int("offloading_layer_index", request.OffloadingLayerIndex).
		Floats64("layers_inference_time", times).
		Msg("Sent inference result")

	if _, err := d.await(ctx, messageID, types.TopicEndComputation); err != nil {
		return err
	}
	log.Info().Str("message_id", messageID).Msg("Edge ended computation")
	return nil
}

func (d *device) publish(ctx context.Context, kind types.Topic, env *types.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, d.topics.Name(kind), payload)
}

func (d *device) await(ctx context.Context, messageID string, kind types.Topic) (*types.Message, error) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-d.inbox:
			if msg.MessageID == messageID && msg.Topic == kind {
				return msg, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for %s on message %s", kind, messageID)
		}
	}
}

// runLayers stands in for the device model: layers 0..lastLayer each
// rescale the previous output. The reported time of a layer is its measured
// time plus layerTime.
func runLayers(input []byte, lastLayer int, layerTime time.Duration) ([]byte, []float64, error) {
	if lastLayer < 0 {
		return nil, nil, fmt.Errorf("invalid last layer %d", lastLayer)
	}
	var data [][]float64
	if len(input) > 0 {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(input, &data); err != nil {
			return nil, nil, fmt.Errorf("invalid input_data: %w", err)
		}
	}

	times := make([]float64, 0, lastLayer+1)
	for layer := 0; layer <= lastLayer; layer++ {
		start := time.Now()
		for _, row := range data {
			for j := range row {
				row[j] = row[j] / 255 * float64(layer+1) / float64(layer+2)
			}
		}
		times = append(times, (time.Since(start) + layerTime).Seconds())
	}

	output, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(data)
	if err != nil {
		return nil, nil, err
	}
	return output, times, nil
}
