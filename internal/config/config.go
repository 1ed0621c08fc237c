// Package config handles voicetask configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/voicetask/internal/model"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/voicetask/config.yaml, /etc/voicetask/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "voicetask", "config.yaml"))
	}

	paths = append(paths, "/etc/voicetask/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all voicetask configuration.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // text or json
	DataDir      string `yaml:"data_dir"`
	DefaultQueue string `yaml:"default_queue"`

	Classifier  ClassifierConfig  `yaml:"classifier"`
	Errors      ErrorsConfig      `yaml:"errors"`
	Logger      LoggerConfig      `yaml:"logger"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Undo        UndoConfig        `yaml:"undo"`
	Persistence PersistenceConfig `yaml:"persistence"`

	Ollama    OllamaConfig    `yaml:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Usage     UsageConfig     `yaml:"usage"`

	// Declarative registration applied at startup.
	Queues  []model.QueueConfig `yaml:"queues"`
	Actions []model.ActionInput `yaml:"actions"`
	Rules   []RuleConfig        `yaml:"rules"`

	Listen ListenConfig `yaml:"listen"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// ClassifierConfig selects and tunes the intent classifier.
type ClassifierConfig struct {
	Mode     string `yaml:"mode"`     // ai, custom, hybrid
	Provider string `yaml:"provider"` // ollama, anthropic
	Model    string `yaml:"model"`

	Debounce             time.Duration `yaml:"debounce"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	ConfidenceThreshold  *float64      `yaml:"confidence_threshold"`
	Temperature          *float64      `yaml:"temperature"`
	MaxOutputTokens      int           `yaml:"max_output_tokens"`

	ConversationHistory bool `yaml:"conversation_history"`
	MaxHistoryLength    int  `yaml:"max_history_length"`
}

// ErrorsConfig names the policy for each error kind.
type ErrorsConfig struct {
	OnNoAgent       string `yaml:"on_no_agent"`       // deadletter, error, drop
	OnClassifyError string `yaml:"on_classify_error"` // ignore, deadletter
	OnMaxRetries    string `yaml:"on_max_retries"`    // deadletter
	OnQueuePaused   string `yaml:"on_queue_paused"`   // buffer, error, drop
}

// LoggerConfig tunes the queryable domain log.
type LoggerConfig struct {
	Level              string       `yaml:"level"`
	DisabledCategories []string     `yaml:"disabled_categories"`
	MaxBufferSize      int          `yaml:"max_buffer_size"`
	Redact             RedactConfig `yaml:"redact"`
}

// RedactConfig selects which log fields are masked.
type RedactConfig struct {
	Transcripts bool     `yaml:"transcripts"`
	Params      bool     `yaml:"params"`
	Patterns    []string `yaml:"patterns"` // regular expressions over field keys
}

// DispatcherConfig tunes the scheduling loop.
type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// UndoConfig bounds the undo stack.
type UndoConfig struct {
	MaxHistorySize int           `yaml:"max_history_size"`
	AutoExpire     time.Duration `yaml:"auto_expire"`
}

// PersistenceConfig enables the SQLite store.
type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is the database/sql driver name: sqlite3 (default) or sqlite.
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"` // Default: <data_dir>/voicetask.db
	SaveDebounce time.Duration `yaml:"save_debounce"`
}

// OllamaConfig locates the Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// UsageConfig prices LLM calls. Usage is recorded only when
// persistence is enabled.
type UsageConfig struct {
	// Pricing maps a model name to its per-million-token prices.
	// Unlisted models cost nothing.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// RuleConfig is a routing rule in declarative form. Condition
// predicates can only be added from code.
type RuleConfig struct {
	ID       string   `yaml:"id"`
	Actions  []string `yaml:"actions"`
	Pattern  string   `yaml:"pattern"`
	Target   string   `yaml:"target"`
	Priority int      `yaml:"priority"`
}

// Rule converts r into a routing rule.
func (r RuleConfig) Rule() (model.RoutingRule, error) {
	rule := model.RoutingRule{
		ID:       r.ID,
		Target:   r.Target,
		Priority: r.Priority,
		Match:    model.RuleMatch{Actions: r.Actions},
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return model.RoutingRule{}, fmt.Errorf("rule %q: bad pattern: %w", r.ID, err)
		}
		rule.Match.Pattern = re
	}
	return rule, nil
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the API server
}

// MQTTConfig defines the MQTT bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883, mqtts:// for TLS
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	// BaseTopic prefixes every topic (default "voicetask").
	BaseTopic string `yaml:"base_topic"`
	// Events limits egress to these kinds. Empty publishes task
	// lifecycle kinds only.
	Events []string `yaml:"events"`
	// MaxTranscriptsPerMinute drops ingress above this rate.
	MaxTranscriptsPerMinute int `yaml:"max_transcripts_per_minute"`
}

// Enabled reports whether the bridge should run.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Classifier: ClassifierConfig{
			Mode:     "ai",
			Provider: "ollama",
			Model:    "qwen3:4b",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DefaultQueue == "" {
		c.DefaultQueue = "default"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Classifier.Mode == "" {
		c.Classifier.Mode = "ai"
	}
	if c.Classifier.Provider == "" {
		c.Classifier.Provider = "ollama"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = "sqlite3"
	}
	if c.Persistence.Path == "" {
		c.Persistence.Path = filepath.Join(c.DataDir, "voicetask.db")
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "voicetask"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "voicetask"
	}
}

func oneOf(field, v string, allowed ...string) error {
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (valid: %v)", field, v, allowed)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add(fmt.Errorf("log_level: %w", err))
	}
	add(oneOf("log_format", c.LogFormat, "text", "json"))

	add(oneOf("classifier.mode", c.Classifier.Mode, "ai", "custom", "hybrid"))
	add(oneOf("classifier.provider", c.Classifier.Provider, "ollama", "anthropic"))
	if c.Classifier.Debounce < 0 {
		add(errors.New("classifier.debounce must be >= 0"))
	}
	if c.Classifier.MaxRequestsPerMinute < 0 {
		add(errors.New("classifier.max_requests_per_minute must be >= 0"))
	}
	if th := c.Classifier.ConfidenceThreshold; th != nil && (*th < 0 || *th > 1) {
		add(errors.New("classifier.confidence_threshold must be within [0, 1]"))
	}
	if tp := c.Classifier.Temperature; tp != nil && *tp < 0 {
		add(errors.New("classifier.temperature must be >= 0"))
	}
	if c.Classifier.MaxHistoryLength < 0 {
		add(errors.New("classifier.max_history_length must be >= 0"))
	}

	add(oneOf("errors.on_no_agent", c.Errors.OnNoAgent, "deadletter", "error", "drop"))
	add(oneOf("errors.on_classify_error", c.Errors.OnClassifyError, "ignore", "deadletter"))
	add(oneOf("errors.on_max_retries", c.Errors.OnMaxRetries, "deadletter"))
	add(oneOf("errors.on_queue_paused", c.Errors.OnQueuePaused, "buffer", "error", "drop"))

	add(oneOf("logger.level", c.Logger.Level, "debug", "info", "warn", "error"))
	if c.Logger.MaxBufferSize < 0 {
		add(errors.New("logger.max_buffer_size must be >= 0"))
	}
	for _, p := range c.Logger.Redact.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			add(fmt.Errorf("logger.redact.patterns: %w", err))
		}
	}

	if c.Dispatcher.PollInterval < 0 {
		add(errors.New("dispatcher.poll_interval must be >= 0"))
	}
	if c.Undo.MaxHistorySize < 0 || c.Undo.AutoExpire < 0 {
		add(errors.New("undo settings must be >= 0"))
	}
	add(oneOf("persistence.driver", c.Persistence.Driver, "sqlite3", "sqlite"))
	for model, p := range c.Usage.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			add(fmt.Errorf("usage.pricing.%s: prices must be >= 0", model))
		}
	}

	for _, q := range c.Queues {
		if err := q.Validate(); err != nil {
			add(fmt.Errorf("queues: %w", err))
		}
	}
	for _, a := range c.Actions {
		if err := a.Validate(); err != nil {
			add(fmt.Errorf("actions: %w", err))
		}
	}
	for _, r := range c.Rules {
		if r.Target == "" {
			add(fmt.Errorf("rules: rule %q has no target", r.ID))
		}
		if _, err := r.Rule(); err != nil {
			add(fmt.Errorf("rules: %w", err))
		}
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		add(fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.MQTT.MaxTranscriptsPerMinute < 0 {
		add(errors.New("mqtt.max_transcripts_per_minute must be >= 0"))
	}
	return errors.Join(errs...)
}
