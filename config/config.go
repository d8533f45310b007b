// Package config handles configuration persistence for the snapbuf service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"snapbuf/buffer"
	"snapbuf/logging"
)

// Config holds the complete service configuration.
type Config struct {
	Defaults DefaultsConfig `yaml:"defaults"`
	Topics   []TopicConfig  `yaml:"topics,omitempty"`
	MQTT     *MQTTConfig    `yaml:"mqtt,omitempty"`
	Kafka    *KafkaConfig   `yaml:"kafka,omitempty"`
	Store    *StoreConfig   `yaml:"store,omitempty"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Debug    DebugConfig    `yaml:"debug,omitempty"`
}

// DefaultsConfig holds the node-wide retention limits a topic inherits when
// it does not declare its own. Negative values disable the bound.
type DefaultsConfig struct {
	// Duration is the maximum span between newest and oldest buffered
	// message per topic, in seconds.
	Duration float64 `yaml:"duration"`
	// Memory is the maximum buffered payload bytes per topic.
	Memory int64 `yaml:"memory"`
}

// TopicConfig holds one subscribed topic and its optional limit overrides.
// Pointer fields distinguish "not set" (nil = inherit the node default) from
// an explicit value; negative values disable the bound for that topic.
type TopicConfig struct {
	Name string `yaml:"name"`
	// Duration limit override in seconds.
	Duration *float64 `yaml:"duration,omitempty"`
	// Memory limit override in bytes.
	Memory *int64 `yaml:"memory,omitempty"`
}

// Limits converts the per-topic overrides into unresolved buffer limits.
func (t TopicConfig) Limits() buffer.TopicLimits {
	var limits buffer.TopicLimits
	if t.Duration != nil {
		d := SecondsToDuration(*t.Duration)
		limits.Duration = &d
	}
	if t.Memory != nil {
		m := *t.Memory
		limits.Memory = &m
	}
	return limits
}

// SecondsToDuration converts a configured seconds value to a time.Duration,
// preserving "negative means unbounded".
func SecondsToDuration(seconds float64) time.Duration {
	if seconds < 0 {
		return buffer.NoLimit
	}
	return time.Duration(seconds * float64(time.Second))
}

// DefaultLimits returns the resolved node-wide default limits.
func (c *Config) DefaultLimits() buffer.Limits {
	memory := c.Defaults.Memory
	if memory < 0 {
		memory = buffer.NoLimit
	}
	return buffer.Limits{
		Duration: SecondsToDuration(c.Defaults.Duration),
		Memory:   memory,
	}
}

// MQTTConfig holds the MQTT bus source configuration.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
}

// KafkaConfig holds the Kafka bus source configuration.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id,omitempty"`
	UseTLS        bool     `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool     `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string   `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
}

// StoreConfig holds the external configuration store (Valkey/Redis)
// connection settings. When present, per-topic limit overrides and extra
// topics are read from the store at startup.
type StoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"` // host:port format
	Password string `yaml:"password,omitempty"`
	Database int    `yaml:"database"`
	Prefix   string `yaml:"prefix,omitempty"` // key prefix, default "snapbuf"
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// APIConfig holds the HTTP control surface configuration.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// PasswordHash enables Basic auth on the control API when set (bcrypt).
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// StorageConfig holds snapshot container output settings.
type StorageConfig struct {
	// OutputDir is where triggered writes place container files.
	OutputDir string `yaml:"output_dir"`
}

// DebugConfig holds session debug logging settings.
type DebugConfig struct {
	LogFile string `yaml:"log_file,omitempty"`
	Filter  string `yaml:"filter,omitempty"` // comma-separated categories
}

// DefaultConfig returns a configuration with sensible defaults: a 30 second
// duration window, no memory bound, and the control API on localhost.
func DefaultConfig() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			Duration: 30,
			Memory:   buffer.NoLimit,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8580,
		},
		Storage: StorageConfig{
			OutputDir: ".",
		},
	}
}

// DefaultPath returns the default configuration file path
// (~/.snapbuf/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".snapbuf", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, since the CLI can supply everything a minimal run needs.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the directory as
// needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FindTopic returns the topic config with the given name, or nil if not
// found.
func (c *Config) FindTopic(name string) *TopicConfig {
	for i := range c.Topics {
		if c.Topics[i].Name == name {
			return &c.Topics[i]
		}
	}
	return nil
}

// AddTopic adds a topic with inherited limits if it is not already present.
// Returns true when the topic was added.
func (c *Config) AddTopic(name string) bool {
	if c.FindTopic(name) != nil {
		return false
	}
	c.Topics = append(c.Topics, TopicConfig{Name: name})
	return true
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		if t.Name == "" {
			return fmt.Errorf("topic with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate topic: %s", t.Name)
		}
		seen[t.Name] = true
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}

	if c.MQTT != nil && c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled without a broker address")
	}
	if c.Kafka != nil && c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled without broker addresses")
	}
	if c.Store != nil && c.Store.Enabled && c.Store.Address == "" {
		return fmt.Errorf("config store enabled without an address")
	}

	// Catch filter typos at startup instead of silently logging nothing.
	if c.Debug.Filter != "" {
		known := make(map[string]bool)
		for _, cat := range logging.KnownCategories() {
			known[cat] = true
		}
		for _, cat := range strings.Split(c.Debug.Filter, ",") {
			cat = strings.TrimSpace(strings.ToLower(cat))
			if cat != "" && !known[cat] {
				return fmt.Errorf("unknown debug filter category: %s", cat)
			}
		}
	}
	return nil
}

// APIBaseURL returns the URL remote clients use to reach the control API.
func (c *Config) APIBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.API.Host, c.API.Port)
}
