package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

// ============================================================================
// Wire Types - Shared across the edge coordinator and the device emulator
// ============================================================================

var (
	wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// Topic is the logical kind of a protocol message. The broker topic names
// each kind is published on are configurable.
type Topic string

const (
	TopicRegistration           Topic = "registration"
	TopicDeviceInferenceRequest Topic = "device_inference_request"
	TopicDeviceInferenceResult  Topic = "device_inference_result"
	TopicEndComputation         Topic = "end_computation"
)

// Default message_content values on edge replies
const (
	ContentAskInference   = "AskInference"
	ContentEndComputation = "EndComputation"
	EdgeDeviceID          = "edge"
)

// Timestamp is a time-source reading in seconds. On the wire it travels as a
// numeric string, but a bare JSON number is accepted as well.
type Timestamp float64

// FromTime converts a wall-clock time into a Timestamp
func FromTime(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixNano()) / float64(time.Second))
}

// Sub returns the latency in seconds between two timestamps
func (t Timestamp) Sub(other Timestamp) float64 {
	return float64(t) - float64(other)
}

// After reports whether t is strictly later than other
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}

func (t Timestamp) String() string {
	return strconv.FormatFloat(float64(t), 'f', -1, 64)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(v)
	return nil
}

// Envelope is the JSON object exchanged on every topic
type Envelope struct {
	DeviceID             string          `json:"device_id" validate:"required"`
	MessageID            string          `json:"message_id" validate:"required"`
	Timestamp            Timestamp       `json:"timestamp" validate:"gt=0"`
	MessageContent       json.RawMessage `json:"message_content" validate:"required"`
	OffloadingLayerIndex *int            `json:"offloading_layer_index,omitempty"`
	LayerOutput          json.RawMessage `json:"layer_output,omitempty"`
	LayersInferenceTime  []float64       `json:"layers_inference_time,omitempty"`
	InputData            json.RawMessage `json:"input_data,omitempty"`
}

// Content is the topic-specific part of a message
type Content interface {
	Topic() Topic
}

// RegistrationContent is sent by a device that wants to start a session
type RegistrationContent struct {
	Text string
	Raw  json.RawMessage
}

func (RegistrationContent) Topic() Topic { return TopicRegistration }

// InferenceRequestContent asks a device to run layers up to OffloadingLayerIndex
type InferenceRequestContent struct {
	OffloadingLayerIndex int
	InputData            json.RawMessage
}

func (InferenceRequestContent) Topic() Topic { return TopicDeviceInferenceRequest }

// InferenceResultContent carries the device's partial computation
type InferenceResultContent struct {
	OffloadingInfo
}

func (InferenceResultContent) Topic() Topic { return TopicDeviceInferenceResult }

// EndComputationContent closes an inference round
type EndComputationContent struct {
	Text string
}

func (EndComputationContent) Topic() Topic { return TopicEndComputation }

// OffloadingInfo holds the optional offloading fields a message may carry.
// Absent fields stay nil. A field of the wrong type is left nil and named in
// Invalid; the other fields are still read.
type OffloadingInfo struct {
	LayerIndex          *int
	LayerOutput         json.RawMessage
	LayersInferenceTime []float64
	Invalid             []string
}

// inboundEnvelope is Envelope as received: the offloading fields stay raw so
// each one is checked on its own
type inboundEnvelope struct {
	DeviceID             string          `json:"device_id" validate:"required"`
	MessageID            string          `json:"message_id" validate:"required"`
	Timestamp            Timestamp       `json:"timestamp" validate:"gt=0"`
	MessageContent       json.RawMessage `json:"message_content" validate:"required"`
	InputData            json.RawMessage `json:"input_data"`
	OffloadingLayerIndex json.RawMessage `json:"offloading_layer_index"`
	LayerOutput          json.RawMessage `json:"layer_output"`
	LayersInferenceTime  json.RawMessage `json:"layers_inference_time"`
}

func (e *inboundEnvelope) offloadingFields() offloadingFields {
	return offloadingFields{
		OffloadingLayerIndex: e.OffloadingLayerIndex,
		LayerOutput:          e.LayerOutput,
		LayersInferenceTime:  e.LayersInferenceTime,
	}
}

type offloadingFields struct {
	OffloadingLayerIndex json.RawMessage `json:"offloading_layer_index"`
	LayerOutput          json.RawMessage `json:"layer_output"`
	LayersInferenceTime  json.RawMessage `json:"layers_inference_time"`
}

// Message is a decoded inbound message
type Message struct {
	Topic     Topic
	DeviceID  string
	MessageID string
	Timestamp Timestamp
	Content   Content

	// Offloading is extracted for every topic so it can be logged
	Offloading OffloadingInfo

	// RawContent is message_content as received (string or object)
	RawContent json.RawMessage
	Payload    []byte
}

// ContentText returns message_content as a plain string when it is a JSON
// string, otherwise its raw JSON text
func (m *Message) ContentText() string {
	var s string
	if err := wireJSON.Unmarshal(m.RawContent, &s); err == nil {
		return s
	}
	return string(m.RawContent)
}

// DecodeMessage parses and validates a raw payload received on the given topic
func DecodeMessage(topic Topic, payload []byte) (*Message, error) {
	var env inboundEnvelope
	if err := wireJSON.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if err := validate.Struct(&env); err != nil {
		return nil, err
	}

	msg := &Message{
		Topic:      topic,
		DeviceID:   env.DeviceID,
		MessageID:  env.MessageID,
		Timestamp:  env.Timestamp,
		Offloading: extractOffloadingInfo(&env),
		RawContent: env.MessageContent,
		Payload:    payload,
	}

	switch topic {
	case TopicRegistration:
		msg.Content = RegistrationContent{Text: msg.ContentText(), Raw: env.MessageContent}
	case TopicDeviceInferenceRequest:
		layer := 0
		if msg.Offloading.LayerIndex != nil {
			layer = *msg.Offloading.LayerIndex
		}
		msg.Content = InferenceRequestContent{OffloadingLayerIndex: layer, InputData: env.InputData}
	case TopicDeviceInferenceResult:
		msg.Content = InferenceResultContent{OffloadingInfo: msg.Offloading}
	case TopicEndComputation:
		msg.Content = EndComputationContent{Text: msg.ContentText()}
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	return msg, nil
}

// extractOffloadingInfo reads the top-level offloading fields, then lets any
// valid field inside message_content override them
func extractOffloadingInfo(env *inboundEnvelope) OffloadingInfo {
	var info OffloadingInfo
	env.offloadingFields().readInto(&info)

	var content offloadingFields
	if err := wireJSON.Unmarshal(env.MessageContent, &content); err == nil {
		content.readInto(&info)
	}
	return info
}

func (f offloadingFields) readInto(info *OffloadingInfo) {
	if raw := nullToNil(f.OffloadingLayerIndex); raw != nil {
		if layer, err := parseLayerIndex(raw); err == nil {
			info.LayerIndex = &layer
		} else {
			info.Invalid = append(info.Invalid, "offloading_layer_index")
		}
	}
	if raw := nullToNil(f.LayerOutput); raw != nil {
		info.LayerOutput = raw
	}
	if raw := nullToNil(f.LayersInferenceTime); raw != nil {
		var times []float64
		if err := wireJSON.Unmarshal(raw, &times); err == nil {
			info.LayersInferenceTime = times
		} else {
			info.Invalid = append(info.Invalid, "layers_inference_time")
		}
	}
}

// parseLayerIndex accepts any JSON number with an integral value, so 1 and
// 1.0 are both layer 1
func parseLayerIndex(raw json.RawMessage) (int, error) {
	var v float64
	if err := wireJSON.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("offloading_layer_index %s is not an integer", raw)
	}
	return int(v), nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return raw
}

// NewInferenceRequest builds the edge reply to a registration
func NewInferenceRequest(messageID string, ts Timestamp, offloadingLayer int, inputData json.RawMessage) *Envelope {
	layer := offloadingLayer
	return &Envelope{
		DeviceID:             EdgeDeviceID,
		MessageID:            messageID,
		Timestamp:            ts,
		MessageContent:       mustString(ContentAskInference),
		OffloadingLayerIndex: &layer,
		InputData:            inputData,
	}
}

// NewEndComputation builds the edge reply to an inference result
func NewEndComputation(messageID string, ts Timestamp) *Envelope {
	return &Envelope{
		DeviceID:       EdgeDeviceID,
		MessageID:      messageID,
		Timestamp:      ts,
		MessageContent: mustString(ContentEndComputation),
	}
}

// Marshal encodes an envelope for publishing
func (e *Envelope) Marshal() ([]byte, error) {
	return wireJSON.Marshal(e)
}

func mustString(s string) json.RawMessage {
	b, _ := wireJSON.Marshal(s)
	return b
}

// NewRegistration builds the message a device sends to open a round
func NewRegistration(deviceID, messageID string, ts Timestamp, content string) *Envelope {
	return &Envelope{
		DeviceID:       deviceID,
		MessageID:      messageID,
		Timestamp:      ts,
		MessageContent: mustString(content),
	}
}

// NewInferenceResult builds a device's report of the layers it computed.
// The offloading fields travel inside message_content.
func NewInferenceResult(deviceID, messageID string, ts Timestamp, layer int, layerOutput json.RawMessage, layerTimes []float64) (*Envelope, error) {
	content, err := wireJSON.Marshal(struct {
		OffloadingLayerIndex int             `json:"offloading_layer_index"`
		LayerOutput          json.RawMessage `json:"layer_output,omitempty"`
		LayersInferenceTime  []float64       `json:"layers_inference_time"`
	}{layer, layerOutput, layerTimes})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		DeviceID:       deviceID,
		MessageID:      messageID,
		Timestamp:      ts,
		MessageContent: content,
	}, nil
}
