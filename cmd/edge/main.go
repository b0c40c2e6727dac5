package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/splitedge/pkg/edge"
)

func main() {
	configPath := flag.String("config", os.Getenv("EDGE_CONFIG"), "Path to a YAML or JSON config file")
	brokerURL := flag.String("broker-url", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	clientID := flag.String("client-id", "", "MQTT client ID")
	controlListen := flag.String("control-listen", "", "Control server listen address")
	writeConfig := flag.String("write-config", "", "Write the effective config to this path and exit")
	dashboard := flag.Bool("dashboard", false, "Show a live device session table instead of info logs")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("splitedge-edge version %s\n", edge.Version)
		return
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: edge.Version,
		})
		if err != nil {
			log.Error().Err(err).Msg("sentry.Init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	cfg, err := edge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.ApplyEnv()

	if *brokerURL != "" {
		cfg.Broker.URL = *brokerURL
	}
	if *clientID != "" {
		cfg.Broker.ClientID = *clientID
	}
	if *controlListen != "" {
		cfg.Control.Listen = *controlListen
	}
	if *debug {
		cfg.Debug = true
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if *dashboard {
		// stdout belongs to the dashboard; only warnings reach stderr
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if !cfg.Debug {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
	}

	if *writeConfig != "" {
		if err := edge.WriteConfig(cfg, *writeConfig); err != nil {
			log.Fatal().Err(err).Msg("Failed to write config")
		}
		log.Info().Str("path", *writeConfig).Msg("Config written")
		return
	}

	ctx := context.Background()

	e, err := edge.New(ctx, cfg)
	if err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		log.Fatal().Err(err).Msg("Failed to create edge coordinator")
	}
	if *dashboard {
		e.EnableDashboard(os.Stdout)
	}

	if err := e.Run(ctx); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		log.Fatal().Err(err).Msg("Edge coordinator failed")
	}
}
