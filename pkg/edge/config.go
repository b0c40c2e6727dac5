package edge

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/beam-cloud/splitedge/pkg/types"
)

//go:embed config.default.yaml
var defaultConfig []byte

const (
	StatsBackendFile  = "file"
	StatsBackendRedis = "redis"
)

// Config holds all configuration for the edge coordinator
type Config struct {
	Broker      BrokerConfig      `koanf:"broker" yaml:"broker"`
	Topics      TopicsConfig      `koanf:"topics" yaml:"topics"`
	Clock       ClockConfig       `koanf:"clock" yaml:"clock"`
	Stats       StatsConfig       `koanf:"stats" yaml:"stats"`
	ExchangeLog ExchangeLogConfig `koanf:"exchange_log" yaml:"exchange_log"`
	Link        LinkConfig        `koanf:"link" yaml:"link"`
	Control     ControlConfig     `koanf:"control" yaml:"control"`
	Sessions    SessionsConfig    `koanf:"sessions" yaml:"sessions"`
	Debug       bool              `koanf:"debug" yaml:"debug"`
}

type BrokerConfig struct {
	URL            string        `koanf:"url" yaml:"url" validate:"required"`
	ClientID       string        `koanf:"client_id" yaml:"client_id" validate:"required"`
	Username       string        `koanf:"username" yaml:"username,omitempty"`
	Password       string        `koanf:"password" yaml:"password,omitempty"`
	QoS            byte          `koanf:"qos" yaml:"qos" validate:"lte=2"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
	PublishTimeout time.Duration `koanf:"publish_timeout" yaml:"publish_timeout" validate:"gt=0"`
}

// TopicsConfig maps each message kind to the broker topic it travels on
type TopicsConfig struct {
	Registration     string `koanf:"registration" yaml:"registration" validate:"required"`
	InferenceRequest string `koanf:"inference_request" yaml:"inference_request" validate:"required"`
	InferenceResult  string `koanf:"inference_result" yaml:"inference_result" validate:"required"`
	EndComputation   string `koanf:"end_computation" yaml:"end_computation" validate:"required"`
}

type ClockConfig struct {
	NTPServer     string        `koanf:"ntp_server" yaml:"ntp_server"`
	RetryInterval time.Duration `koanf:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
	// 0 retries until shutdown
	MaxAttempts     int  `koanf:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	FallbackToLocal bool `koanf:"fallback_to_local" yaml:"fallback_to_local"`
}

type StatsConfig struct {
	Backend        string `koanf:"backend" yaml:"backend" validate:"oneof=file redis"`
	DevicePath     string `koanf:"device_path" yaml:"device_path" validate:"required"`
	EdgePath       string `koanf:"edge_path" yaml:"edge_path" validate:"required"`
	SizesPath      string `koanf:"sizes_path" yaml:"sizes_path" validate:"required"`
	RedisAddr      string `koanf:"redis_addr" yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword  string `koanf:"redis_password" yaml:"redis_password,omitempty"`
	RedisKeyPrefix string `koanf:"redis_key_prefix" yaml:"redis_key_prefix"`
}

type ExchangeLogConfig struct {
	Path string `koanf:"path" yaml:"path" validate:"required"`
}

type LinkConfig struct {
	SyntheticLatencyMin float64 `koanf:"synthetic_latency_min" yaml:"synthetic_latency_min" validate:"gte=0"`
	SyntheticLatencyMax float64 `koanf:"synthetic_latency_max" yaml:"synthetic_latency_max" validate:"gtefield=SyntheticLatencyMin"`
}

type ControlConfig struct {
	// empty disables the control server
	Listen string `koanf:"listen" yaml:"listen"`
}

type SessionsConfig struct {
	Max int `koanf:"max" yaml:"max" validate:"gt=0"`
}

// Topic returns the message kind carried on a broker topic
func (c TopicsConfig) Topic(name string) (types.Topic, bool) {
	switch name {
	case c.Registration:
		return types.TopicRegistration, true
	case c.InferenceRequest:
		return types.TopicDeviceInferenceRequest, true
	case c.InferenceResult:
		return types.TopicDeviceInferenceResult, true
	case c.EndComputation:
		return types.TopicEndComputation, true
	}
	return "", false
}

// Name returns the broker topic a message kind is published on
func (c TopicsConfig) Name(topic types.Topic) string {
	switch topic {
	case types.TopicRegistration:
		return c.Registration
	case types.TopicDeviceInferenceRequest:
		return c.InferenceRequest
	case types.TopicDeviceInferenceResult:
		return c.InferenceResult
	case types.TopicEndComputation:
		return c.EndComputation
	}
	return ""
}

// All returns every broker topic the edge listens on
func (c TopicsConfig) All() []string {
	return []string{c.Registration, c.InferenceRequest, c.InferenceResult, c.EndComputation}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	msg := fmt.Sprintf("failed %q check", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
	}
	return &ErrConfigValidation{Field: field, Message: msg}
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() (*Config, error) {
	return LoadConfig("")
}

// LoadConfig reads the built-in defaults and overlays path when set. Files
// ending in .json are parsed as JSON, anything else as YAML.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, errors.Wrap(err, "failed to load default config")
	}

	if path != "" {
		var parser koanf.Parser = yaml.Parser()
		if strings.EqualFold(filepath.Ext(path), ".json") {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	return &cfg, nil
}

// ApplyEnv overrides selected fields from EDGE_* environment variables
func (c *Config) ApplyEnv() {
	c.Broker.URL = getEnvOrDefault("EDGE_BROKER_URL", c.Broker.URL)
	c.Broker.ClientID = getEnvOrDefault("EDGE_CLIENT_ID", c.Broker.ClientID)
	c.Broker.Username = getEnvOrDefault("EDGE_BROKER_USERNAME", c.Broker.Username)
	c.Broker.Password = getEnvOrDefault("EDGE_BROKER_PASSWORD", c.Broker.Password)
	c.Clock.NTPServer = getEnvOrDefault("EDGE_NTP_SERVER", c.Clock.NTPServer)
	c.Clock.MaxAttempts = getEnvIntOrDefault("EDGE_NTP_MAX_ATTEMPTS", c.Clock.MaxAttempts)
	c.Stats.Backend = getEnvOrDefault("EDGE_STATS_BACKEND", c.Stats.Backend)
	c.Stats.RedisAddr = getEnvOrDefault("EDGE_REDIS_ADDR", c.Stats.RedisAddr)
	c.Stats.RedisPassword = getEnvOrDefault("EDGE_REDIS_PASSWORD", c.Stats.RedisPassword)
	c.ExchangeLog.Path = getEnvOrDefault("EDGE_EXCHANGE_LOG", c.ExchangeLog.Path)
	c.Control.Listen = getEnvOrDefault("EDGE_CONTROL_LISTEN", c.Control.Listen)
	if getEnvBool("EDGE_DEBUG") {
		c.Debug = true
	}
}

// WriteConfig saves the effective configuration as YAML
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// may hold broker and redis credentials
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string) bool {
	val := os.Getenv(key)
	return val == "1" || val == "true" || val == "yes"
}
