package edge

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/stats"
)

const DefaultControlListen = "127.0.0.1:9999"

// ControlServer exposes health, status, the stats table and metrics over HTTP
type ControlServer struct {
	listen      string
	state       *EdgeState
	coordinator *Coordinator
	collector   *MetricsCollector
	echo        *echo.Echo
}

// NewControlServer creates a new control server registering its request
// metrics with registerer and serving gatherer on /metrics
func NewControlServer(listen string, state *EdgeState, coordinator *Coordinator, registerer prometheus.Registerer, gatherer prometheus.Gatherer) *ControlServer {
	if listen == "" {
		listen = DefaultControlListen
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	c := &ControlServer{
		listen:      listen,
		state:       state,
		coordinator: coordinator,
		collector:   NewMetricsCollector(),
		echo:        e,
	}

	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  metricsNamespace,
		Subsystem:  "control",
		Registerer: registerer,
	}))

	e.GET("/health", c.handleHealth)
	e.GET("/status", c.handleStatus)
	e.GET("/stats", c.handleStats)
	e.GET("/sessions/:device_id", c.handleSession)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return c
}

// Run serves until ctx is done
func (c *ControlServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", c.listen).Msg("Control server starting")
		if err := c.echo.Start(c.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.echo.Shutdown(shutdownCtx)
}

func (c *ControlServer) handleHealth(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (c *ControlServer) handleStatus(ctx echo.Context) error {
	snapshot := c.state.GetSnapshot()
	host := c.collector.Collect(ctx.Request().Context())

	return ctx.JSON(http.StatusOK, map[string]any{
		"client_id":        snapshot.ClientID,
		"broker":           snapshot.Broker,
		"status":           snapshot.Status,
		"session_start":    snapshot.SessionStart.String(),
		"uptime_seconds":   int(snapshot.Uptime().Seconds()),
		"received":         snapshot.Received,
		"dropped":          snapshot.Dropped,
		"published":        snapshot.Published,
		"publish_failures": snapshot.PublishFailures,
		"sessions":         snapshot.Sessions,
		"host":             host,
	})
}

func (c *ControlServer) handleStats(ctx echo.Context) error {
	table := c.coordinator.Table()
	if table == nil {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "stats table not loaded",
		})
	}

	body, err := encodeTable(table)
	if err != nil {
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return ctx.JSONBlob(http.StatusOK, body)
}

func (c *ControlServer) handleSession(ctx echo.Context) error {
	session, ok := c.state.Session(ctx.Param("device_id"))
	if !ok {
		return ctx.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown device",
		})
	}
	return ctx.JSON(http.StatusOK, session)
}

// encodeTable writes the three columns with their keys in stored order
func encodeTable(table *stats.Table) ([]byte, error) {
	stream := jsoniter.ConfigDefault.BorrowStream(nil)
	defer jsoniter.ConfigDefault.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField("num_layers")
	stream.WriteInt(table.NumLayers())

	columns := []struct {
		name string
		col  *stats.Column
	}{
		{"sizes", table.Sizes},
		{"device_times", table.DeviceTimes},
		{"edge_times", table.EdgeTimes},
	}
	for _, column := range columns {
		data, err := stats.EncodeColumn(column.col)
		if err != nil {
			return nil, err
		}
		stream.WriteMore()
		stream.WriteObjectField(column.name)
		stream.WriteRaw(string(data))
	}
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return nil, stream.Error
	}
	return append([]byte(nil), stream.Buffer()...), nil
}
