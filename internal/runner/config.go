package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
)

// TreeConfig names one tree the runner hosts and where its asset lives.
type TreeConfig struct {
	Name  string `yaml:"name"`
	Asset string `yaml:"asset"`
	Watch bool   `yaml:"watch"`
}

// Config represents the runner's runtime configuration.
type Config struct {
	RunnerID          string        `yaml:"runner_id"`
	MQTTBroker        string        `yaml:"mqtt_broker"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogLevel          string        `yaml:"log_level"`
	Trees             []TreeConfig  `yaml:"trees"`
}

// LoadConfig reads a YAML config file, expands environment variables in
// string values, fills defaults and validates the result. Relative asset
// paths are resolved against the config file's directory.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config file %s not found", path)
		}
		return cfg, err
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := decodeConfig(expandValue(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	base := filepath.Dir(path)
	for i, t := range cfg.Trees {
		if t.Asset != "" && !filepath.IsAbs(t.Asset) {
			cfg.Trees[i].Asset = filepath.Join(base, t.Asset)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(input any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

// SetDefaults fills zero fields. The runner id falls back to the host name
// and the broker to MQTT_BROKER.
func (c *Config) SetDefaults() {
	if c.RunnerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.RunnerID = host
		}
	}
	if c.MQTTBroker == "" {
		c.MQTTBroker = os.Getenv("MQTT_BROKER")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	for i, t := range c.Trees {
		if t.Name == "" && t.Asset != "" {
			c.Trees[i].Name = strings.TrimSuffix(filepath.Base(t.Asset), filepath.Ext(t.Asset))
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RunnerID) == "" {
		return errors.New("runner_id is required")
	}
	if strings.ContainsAny(c.RunnerID, "/#+") {
		return fmt.Errorf("runner_id %q must not contain MQTT wildcards or separators", c.RunnerID)
	}
	seen := make(map[string]bool, len(c.Trees))
	for i, t := range c.Trees {
		if t.Name == "" {
			return fmt.Errorf("trees[%d]: name is required", i)
		}
		if t.Asset == "" {
			return fmt.Errorf("tree %q: asset is required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("tree %q: configured twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
