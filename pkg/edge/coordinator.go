package edge

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/clock"
	"github.com/beam-cloud/splitedge/pkg/exchangelog"
	"github.com/beam-cloud/splitedge/pkg/link"
	"github.com/beam-cloud/splitedge/pkg/offloading"
	"github.com/beam-cloud/splitedge/pkg/stats"
	"github.com/beam-cloud/splitedge/pkg/transport"
	"github.com/beam-cloud/splitedge/pkg/types"
)

const inboxSize = 64

var errNotStarted = errors.New("coordinator not started")

// 10x10 grayscale image sent to devices with every inference request
var defaultInputData = json.RawMessage(`[` +
	`[255,255,255,255,255,255,255,255,255,255],` +
	`[255,255,255,255,255,255,255,255,255,255],` +
	`[255,255,0,0,0,255,255,255,255,255],` +
	`[255,255,0,0,255,0,0,255,255,255],` +
	`[255,255,0,0,255,0,0,255,255,255],` +
	`[255,255,0,0,255,255,255,255,255,255],` +
	`[255,255,255,255,255,0,0,255,255,255],` +
	`[255,255,0,0,255,0,0,255,255,255],` +
	`[255,255,0,0,255,0,0,255,255,255],` +
	`[255,255,255,255,255,255,255,255,255,255]]`)

// CoordinatorConfig holds the collaborators of a Coordinator
type CoordinatorConfig struct {
	Topics    TopicsConfig
	Clock     clock.Source
	Estimator *link.Estimator
	Store     stats.Store
	Exchanges exchangelog.Log
	Publisher transport.Publisher
	State     *EdgeState

	// InputData is attached to every inference request; nil sends the
	// built-in sample image
	InputData json.RawMessage
}

type inbound struct {
	topic   string
	payload []byte
}

// Coordinator is the edge side of the offloading protocol. Messages are
// handled one at a time in arrival order.
type Coordinator struct {
	topics    TopicsConfig
	clock     clock.Source
	estimator *link.Estimator
	store     stats.Store
	exchanges exchangelog.Log
	publisher transport.Publisher
	state     *EdgeState
	inputData json.RawMessage

	// mu guards the table between decisions and device-time flushes
	mu           sync.Mutex
	table        *stats.Table
	sessionStart types.Timestamp

	inbox   chan inbound
	stopped chan struct{}
	once    sync.Once
}

// NewCoordinator creates a coordinator; call Start before handling messages
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	inputData := cfg.InputData
	if inputData == nil {
		inputData = defaultInputData
	}
	estimator := cfg.Estimator
	if estimator == nil {
		estimator = link.New()
	}

	return &Coordinator{
		topics:    cfg.Topics,
		clock:     cfg.Clock,
		estimator: estimator,
		store:     cfg.Store,
		exchanges: cfg.Exchanges,
		publisher: cfg.Publisher,
		state:     cfg.State,
		inputData: inputData,
		inbox:     make(chan inbound, inboxSize),
		stopped:   make(chan struct{}),
	}
}

// Start loads the stats table and records the session start timestamp.
// Messages sent at or before that timestamp are ignored.
func (c *Coordinator) Start(ctx context.Context) error {
	table, err := c.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load stats table")
	}
	if err := table.Validate(); err != nil {
		return err
	}

	start, err := c.clock.Now(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.table = table
	c.sessionStart = start
	c.mu.Unlock()

	c.state.SetSessionStart(start)

	log.Info().
		Str("session_start", start.String()).
		Int("num_layers", table.NumLayers()).
		Msg("Edge session started")
	return nil
}

// Table returns a copy of the current stats table
func (c *Coordinator) Table() *stats.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil {
		return nil
	}
	return c.table.Clone()
}

// Deliver queues an inbound message for Run. It is the transport handler and
// runs on the client's dispatch goroutine, so it never blocks: once inboxSize
// messages are queued further messages are dropped.
func (c *Coordinator) Deliver(topic string, payload []byte) {
	select {
	case <-c.stopped:
		log.Debug().Str("topic", topic).Msg("Coordinator stopped, message discarded")
		return
	default:
	}

	in := inbound{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case c.inbox <- in:
	default:
		c.drop(dropReasonInboxFull)
		log.Warn().Str("topic", topic).Int("queued", len(c.inbox)).Msg("Inbox full, message dropped")
	}
}

// Run handles queued messages sequentially until ctx is done
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.stopped) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-c.inbox:
			if err := c.HandleMessage(ctx, in.topic, in.payload); err != nil {
				log.WithLevel(unhandledLevel(err)).Err(err).Str("topic", in.topic).Msg("Message not handled")
			}
		}
	}
}

// unhandledLevel picks the log level for a message HandleMessage gave up on.
// Stale traffic is filtered silently and malformed payloads were already
// reported when dropped.
func unhandledLevel(err error) zerolog.Level {
	var (
		stale     ErrStaleMessage
		malformed ErrMalformedMessage
	)
	switch {
	case stale.From(err):
		return zerolog.TraceLevel
	case malformed.From(err):
		return zerolog.DebugLevel
	default:
		return zerolog.WarnLevel
	}
}

// HandleMessage runs a single inbound message through the protocol: decode,
// staleness filter, link estimate, exchange log, then the topic action.
// A non-nil error explains why the message had no or partial effect.
func (c *Coordinator) HandleMessage(ctx context.Context, topicName string, payload []byte) error {
	kind, ok := c.topics.Topic(topicName)
	if !ok {
		c.drop(dropReasonUnknownTopic)
		log.Warn().Str("topic", topicName).Msg("Message on unknown topic")
		return &ErrUnknownTopic{Topic: topicName}
	}

	MessagesReceivedCount.WithLabelValues(string(kind)).Inc()
	c.state.RecordReceived()

	msg, err := types.DecodeMessage(kind, payload)
	if err != nil {
		c.drop(dropReasonMalformed)
		log.Warn().Err(err).Str("topic", topicName).Str("payload", string(payload)).Msg("Received malformed message")
		return &ErrMalformedMessage{Topic: topicName, Err: err}
	}

	c.mu.Lock()
	sessionStart := c.sessionStart
	c.mu.Unlock()

	if !msg.Timestamp.After(sessionStart) {
		c.drop(dropReasonStale)
		return &ErrStaleMessage{MessageID: msg.MessageID, Timestamp: msg.Timestamp, SessionStart: sessionStart}
	}

	if invalid := msg.Offloading.Invalid; len(invalid) > 0 {
		log.Warn().
			Strs("fields", invalid).
			Str("device_id", msg.DeviceID).
			Str("message_id", msg.MessageID).
			Msg("Ignoring offloading fields of the wrong type")
	}

	received, err := c.clock.Now(ctx)
	if err != nil {
		c.drop(dropReasonClock)
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to timestamp message")
		return err
	}

	est := c.estimator.Estimate(len(payload), msg.Timestamp, received)

	log.Debug().
		Str("topic", topicName).
		Str("device_id", msg.DeviceID).
		Str("message_id", msg.MessageID).
		Int("payload_size", est.PayloadBytes).
		Float64("latency", est.ObservedLatency).
		Float64("synthetic_latency", est.SyntheticLatency).
		Float64("avg_speed", est.AvgSpeed).
		Msg("Received valid message")

	if err := c.exchanges.Append(newExchangeRecord(topicName, msg, received, est)); err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to append exchange record")
	}

	LinkAvgSpeedGauge.Set(est.AvgSpeed)
	c.state.TouchSession(msg, est.AvgSpeed)

	switch content := msg.Content.(type) {
	case types.RegistrationContent:
		return c.handleRegistration(ctx, msg, est)
	case types.InferenceResultContent:
		return c.handleInferenceResult(ctx, msg, content)
	}
	return nil
}

func (c *Coordinator) handleRegistration(ctx context.Context, msg *types.Message, est link.Estimate) error {
	start := time.Now()

	c.mu.Lock()
	var (
		plan *offloading.Plan
		err  = errNotStarted
	)
	if c.table != nil {
		plan, err = offloading.Decide(est.AvgSpeed, c.table)
	}
	c.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("Failed to compute offloading plan")
		return err
	}

	DecisionDuration.Observe(time.Since(start).Seconds())
	OffloadingDecisionCount.Inc()
	BestLayerGauge.Set(float64(plan.BestLayer))
	c.state.RecordPlan(msg.DeviceID, plan.BestLayer, plan.Cost)

	ts, err := c.clock.Now(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("device_id", msg.DeviceID).
		Str("message_id", msg.MessageID).
		Int("best_layer", plan.BestLayer).
		Msg("Sending inference request")

	return c.send(ctx, types.TopicDeviceInferenceRequest, types.NewInferenceRequest(msg.MessageID, ts, plan.BestLayer, c.inputData))
}

func (c *Coordinator) handleInferenceResult(ctx context.Context, msg *types.Message, content types.InferenceResultContent) error {
	if times := content.LayersInferenceTime; len(times) > 0 {
		if err := c.mergeDeviceTimes(ctx, times); err != nil {
			log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("Failed to persist device inference times")
		}
	} else {
		log.Warn().Str("device_id", msg.DeviceID).Str("message_id", msg.MessageID).Msg("Inference result without layer times")
	}

	ts, err := c.clock.Now(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("device_id", msg.DeviceID).
		Str("message_id", msg.MessageID).
		Msg("Sending end of computation")

	return c.send(ctx, types.TopicEndComputation, types.NewEndComputation(msg.MessageID, ts))
}

// mergeDeviceTimes updates the in-memory table, then merges into the store
// and adopts the stored column, which carries merges made by other edges
// sharing it
func (c *Coordinator) mergeDeviceTimes(ctx context.Context, times []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.table == nil {
		return errNotStarted
	}
	c.table.MergeDeviceTimes(times)

	stored, err := c.store.MergeDeviceTimes(ctx, times)
	if err != nil {
		return err
	}
	if stored.Len() >= c.table.Sizes.Len() {
		c.table.DeviceTimes = stored
	}
	return nil
}

func (c *Coordinator) send(ctx context.Context, kind types.Topic, env *types.Envelope) error {
	topic := c.topics.Name(kind)

	payload, err := env.Marshal()
	if err == nil {
		err = c.publisher.Publish(ctx, topic, payload)
	}
	if err != nil {
		PublishFailureCount.WithLabelValues(string(kind)).Inc()
		c.state.RecordPublish(false)
		log.Error().Err(err).Str("topic", topic).Str("message_id", env.MessageID).Msg("Failed to publish message")
		return err
	}

	c.state.RecordPublish(true)
	return nil
}

func (c *Coordinator) drop(reason string) {
	MessagesDroppedCount.WithLabelValues(reason).Inc()
	c.state.RecordDropped()
}

func newExchangeRecord(topicName string, msg *types.Message, received types.Timestamp, est link.Estimate) *exchangelog.Record {
	record := &exchangelog.Record{
		Topic:             topicName,
		DeviceID:          msg.DeviceID,
		MessageID:         msg.MessageID,
		MessageContent:    msg.ContentText(),
		Timestamp:         msg.Timestamp.String(),
		ReceivedTimestamp: received.String(),
		PayloadSize:       est.PayloadBytes,
		SyntheticLatency:  est.SyntheticLatency,
		Latency:           est.ObservedLatency,
		AvgSpeed:          est.AvgSpeed,
		LayerOutput:       string(msg.Offloading.LayerOutput),
	}
	if msg.Offloading.LayerIndex != nil {
		record.OffloadingLayerIndex = strconv.Itoa(*msg.Offloading.LayerIndex)
	}
	if times := msg.Offloading.LayersInferenceTime; times != nil {
		if data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(times); err == nil {
			record.DeviceLayersInferenceTime = string(data)
		}
	}
	return record
}
