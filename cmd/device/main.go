package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/clock"
	"github.com/beam-cloud/splitedge/pkg/edge"
	"github.com/beam-cloud/splitedge/pkg/transport"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("EDGE_CONFIG"), "Edge config file to read broker and topics from")
	brokerURL := flag.String("broker-url", os.Getenv("EDGE_BROKER_URL"), "MQTT broker URL")
	deviceID := flag.String("device-id", "device_01", "Device ID sent with every message")
	layerTime := flag.Duration("layer-time", 10*time.Millisecond, "Extra compute time reported per layer")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for each edge reply")
	useNTP := flag.Bool("ntp", false, "Timestamp messages with the configured NTP server instead of the local clock")
	rounds := flag.Int("rounds", 1, "Number of inference rounds to run")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("splitedge-device version %s\n", version)
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := edge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *brokerURL != "" {
		cfg.Broker.URL = *brokerURL
	}

	var source clock.Source = clock.LocalSource{}
	if *useNTP {
		source = clock.NewNTPSource(cfg.Clock.NTPServer, cfg.Clock.RetryInterval, cfg.Clock.MaxAttempts)
	}

	client := transport.NewMQTT(transport.Config{
		BrokerURL:      cfg.Broker.URL,
		ClientID:       fmt.Sprintf("%s-%s", *deviceID, uuid.NewString()[:8]),
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		QoS:            cfg.Broker.QoS,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		PublishTimeout: cfg.Broker.PublishTimeout,
	})

	d := newDevice(*deviceID, cfg.Topics, client, source, *layerTime, *timeout)

	ctx := context.Background()
	if err := client.Subscribe(ctx, []string{cfg.Topics.InferenceRequest, cfg.Topics.EndComputation}, d.deliver); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe")
	}
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer client.Close()

	for i := 0; i < *rounds; i++ {
		if err := d.runRound(ctx); err != nil {
			log.Error().Err(err).Int("round", i).Msg("Inference round failed")
			client.Close()
			os.Exit(1)
		}
	}
}
