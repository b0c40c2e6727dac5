package edge

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/beam-cloud/splitedge/pkg/clock"
	"github.com/beam-cloud/splitedge/pkg/exchangelog"
	"github.com/beam-cloud/splitedge/pkg/link"
	"github.com/beam-cloud/splitedge/pkg/transport"
)

const (
	Version = "0.1.0"

	hostMetricsInterval = 15 * time.Second
	dashboardInterval   = time.Second
)

// Edge wires the coordinator to the broker, the stats backend and the
// control server
type Edge struct {
	config      *Config
	state       *EdgeState
	mqtt        *transport.MQTT
	coordinator *Coordinator
	control     *ControlServer
	collector   *MetricsCollector
	dashboard   *Dashboard
	closeStore  func() error
}

// New builds an edge from cfg. Nothing is dialled except the redis backend.
func New(ctx context.Context, cfg *Config) (*Edge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	state, err := NewEdgeState(cfg.Broker.ClientID, cfg.Broker.URL, cfg.Sessions.Max)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := OpenStore(ctx, cfg.Stats)
	if err != nil {
		return nil, err
	}

	exchanges, err := exchangelog.NewCSVLog(cfg.ExchangeLog.Path)
	if err != nil {
		closeStore()
		return nil, err
	}

	mqtt := transport.NewMQTT(transport.Config{
		BrokerURL:      cfg.Broker.URL,
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		QoS:            cfg.Broker.QoS,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		PublishTimeout: cfg.Broker.PublishTimeout,
	})

	coordinator := NewCoordinator(CoordinatorConfig{
		Topics:    cfg.Topics,
		Clock:     newTimeSource(cfg.Clock),
		Estimator: link.New(link.WithSyntheticLatency(cfg.Link.SyntheticLatencyMin, cfg.Link.SyntheticLatencyMax)),
		Store:     store,
		Exchanges: exchanges,
		Publisher: mqtt,
		State:     state,
	})

	e := &Edge{
		config:      cfg,
		state:       state,
		mqtt:        mqtt,
		coordinator: coordinator,
		collector:   NewMetricsCollector(),
		closeStore:  closeStore,
	}
	if cfg.Control.Listen != "" {
		e.control = NewControlServer(cfg.Control.Listen, state, coordinator, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	}
	return e, nil
}

// EnableDashboard draws a live session table to out while Run is active
func (e *Edge) EnableDashboard(out io.Writer) {
	e.dashboard = NewDashboard(out)
}

func newTimeSource(cfg ClockConfig) clock.Source {
	var source clock.Source = clock.NewNTPSource(cfg.NTPServer, cfg.RetryInterval, cfg.MaxAttempts)
	if cfg.FallbackToLocal {
		source = &clock.FallbackSource{Primary: source, Fallback: clock.LocalSource{}}
	}
	return source
}

// Run starts the edge lifecycle and blocks until shutdown or a fatal error
func (e *Edge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.Shutdown()

	log.Info().
		Str("version", Version).
		Str("broker", e.config.Broker.URL).
		Str("client_id", e.config.Broker.ClientID).
		Str("stats_backend", e.config.Stats.Backend).
		Bool("debug", e.config.Debug).
		Msg("Edge coordinator starting")

	e.setupSignalHandlers(cancel)

	// Step 1: load stats and take the session start timestamp
	if err := e.coordinator.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.coordinator.Run(ctx) })

	// Step 2: connect and subscribe to every protocol topic
	if err := e.mqtt.Subscribe(ctx, e.config.Topics.All(), e.coordinator.Deliver); err != nil {
		cancel()
		g.Wait()
		return err
	}
	if err := e.mqtt.Connect(ctx); err != nil {
		cancel()
		g.Wait()
		return err
	}
	e.state.SetStatus(StatusConnected)

	// Step 3: reporting
	g.Go(func() error { return e.collector.Run(ctx, e.state, hostMetricsInterval) })
	if e.control != nil {
		g.Go(func() error { return e.control.Run(ctx) })
	}
	if e.dashboard != nil {
		g.Go(func() error { return e.dashboard.Run(ctx, e.state, dashboardInterval) })
	}

	return g.Wait()
}

func (e *Edge) setupSignalHandlers(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()
}

// Shutdown releases the broker connection and the stats backend
func (e *Edge) Shutdown() {
	log.Info().Msg("Shutting down edge coordinator...")

	e.mqtt.Close()
	if err := e.closeStore(); err != nil {
		log.Warn().Err(err).Msg("Failed to close stats backend")
	}
	e.state.SetStatus(StatusStopped)

	log.Info().Msg("Edge coordinator shutdown complete")
}
