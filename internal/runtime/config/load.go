package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from environment variables before they are mapped to
// config keys: IPCFLOW_TRANSPORT_NATS__URL becomes transport.nats.url.
const envPrefix = "IPCFLOW_"

// Load reads configuration from an optional YAML file and the environment.
// Environment variables override file values. A missing file is not an error
// when path is empty or the default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "ipcflow.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config). Double
	// underscores separate nesting levels, single ones stay in the key.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	return fromKoanf(k), nil
}

func fromKoanf(k *koanf.Koanf) *Config {
	cfg := &Config{
		PeerID:       k.String("peer_id"),
		PubSubSystem: k.String("transport.system"),

		KafkaBrokers:       stringsKey(k, "transport.kafka.brokers"),
		KafkaClientID:      k.String("transport.kafka.client_id"),
		KafkaConsumerGroup: k.String("transport.kafka.consumer_group"),
		RabbitMQURL:        k.String("transport.rabbitmq.url"),
		NATSURL:            k.String("transport.nats.url"),
		HTTPServerAddress:  k.String("transport.http.server_address"),
		HTTPPublisherURL:   k.String("transport.http.publisher_url"),

		InvokeTimeout:       k.Duration("invoke.timeout"),
		TraceBufferCapacity: k.Int("trace.buffer_capacity"),
		PayloadPreviewMode:  k.String("trace.preview_mode"),

		RetryMaxRetries:      k.Int("retry.max_retries"),
		RetryInitialInterval: k.Duration("retry.initial_interval"),
		RetryMaxInterval:     k.Duration("retry.max_interval"),

		MetricsEnabled: k.Bool("metrics.enabled"),
		MetricsPort:    k.Int("metrics.port"),

		InspectEnabled:            k.Bool("inspect.enabled"),
		InspectPort:               k.Int("inspect.port"),
		InspectCORSAllowedOrigins: stringsKey(k, "inspect.cors_allowed_origins"),
	}

	// Default values
	if cfg.PubSubSystem == "" {
		cfg.PubSubSystem = "channel"
	}
	if cfg.TraceBufferCapacity == 0 {
		cfg.TraceBufferCapacity = DefaultTraceBufferCapacity
	}
	if cfg.InspectEnabled && cfg.InspectPort == 0 {
		cfg.InspectPort = 8081
	}
	if cfg.MetricsEnabled && cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}

	return cfg
}

// stringsKey reads a string list that may arrive as a YAML sequence or as a
// comma-separated environment value.
func stringsKey(k *koanf.Koanf, key string) []string {
	if vals := k.Strings(key); len(vals) > 0 {
		return vals
	}
	raw := k.String(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
