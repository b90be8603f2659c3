// Package config resolves process configuration for the flock binaries. The
// precedence is: environment variables over an optional YAML file over
// defaults. Libraries never read this; runtime components take their
// configuration as explicit constructor parameters so tests stay hermetic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultWorkerBlockMS = 1000
	DefaultGatewayAddr   = ":8080"
)

// Config is the union of the settings the binaries recognize. Zero values
// mean "unset" and select component defaults.
type Config struct {
	// AgentName binds a worker to its inbound topic "chat:<AgentName>".
	AgentName string `yaml:"agent_name"`
	// BusURL is the Redis endpoint of the log-structured bus. Empty selects
	// the in-process bus (single-process mode).
	BusURL string `yaml:"bus_url"`
	// WorkerBlockMS is the blocking read wait for group reads.
	WorkerBlockMS int `yaml:"worker_block_ms"`
	// GatewayAddr is the HTTP listen address.
	GatewayAddr string `yaml:"gateway_addr"`
	// GatewayMaxEvents caps events per stream connection; zero is uncapped.
	GatewayMaxEvents int `yaml:"gateway_max_events"`
	// GatewaySendRate enables ingress rate limiting (requests/second).
	GatewaySendRate int `yaml:"gateway_send_rate"`
	// SignalTopicPrefix is the required prefix for signal sends and waits;
	// empty allows all topics.
	SignalTopicPrefix string `yaml:"signal_topic_prefix"`
	// SignalPayloadMaxBytes caps signal payloads; zero selects the default.
	SignalPayloadMaxBytes int `yaml:"signal_payload_max_bytes"`
	// OrchestrateAutoDone enables the worker-side child completion signal.
	OrchestrateAutoDone bool `yaml:"orchestrate_auto_done"`
	// OpenAIAPIKey selects the OpenAI runner when set; the worker falls
	// back to the echo runner without it.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	// OpenAIModel is the chat model for the OpenAI runner.
	OpenAIModel string `yaml:"openai_model"`
	// Instructions is the system prompt handed to the model runner.
	Instructions string `yaml:"instructions"`
}

// Load builds the configuration from the optional YAML file at path (empty
// path skips the file) with environment variables taking precedence.
func Load(path string) (Config, error) {
	cfg := Config{
		WorkerBlockMS: DefaultWorkerBlockMS,
		GatewayAddr:   DefaultGatewayAddr,
		OpenAIModel:   "gpt-4o-mini",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// WorkerBlock converts the millisecond setting to a duration.
func (c Config) WorkerBlock() time.Duration {
	return time.Duration(c.WorkerBlockMS) * time.Millisecond
}

func applyEnv(cfg *Config) {
	setString(&cfg.AgentName, "AGENT_NAME")
	setString(&cfg.BusURL, "BUS_URL")
	setInt(&cfg.WorkerBlockMS, "WORKER_BLOCK_MS")
	setString(&cfg.GatewayAddr, "GATEWAY_ADDR")
	setInt(&cfg.GatewayMaxEvents, "GATEWAY_MAX_EVENTS")
	setInt(&cfg.GatewaySendRate, "GATEWAY_SEND_RATE")
	setString(&cfg.SignalTopicPrefix, "SIGNAL_TOPIC_PREFIX")
	setInt(&cfg.SignalPayloadMaxBytes, "SIGNAL_PAYLOAD_MAX_BYTES")
	setBool(&cfg.OrchestrateAutoDone, "ORCHESTRATE_AUTO_DONE")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIModel, "OPENAI_MODEL")
	setString(&cfg.Instructions, "AGENT_INSTRUCTIONS")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
