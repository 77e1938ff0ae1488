package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Gateway
	GatewayURL string `envconfig:"CHAT_GATEWAY_URL" default:"ws://localhost:8080/ws/chat"`
	// Token is the initial auth token. May be empty: the session stays idle
	// until a token is supplied.
	Token string `envconfig:"CHAT_GATEWAY_TOKEN"`

	// Session
	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectInterval    time.Duration `envconfig:"RECONNECT_INTERVAL" default:"1s"`
	MaxReconnectInterval time.Duration `envconfig:"MAX_RECONNECT_INTERVAL" default:"30s"`
	RateLimitMessages    int           `envconfig:"RATE_LIMIT_MESSAGES" default:"60"`
	RateLimitWindow      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
	HistoryLimit         int           `envconfig:"HISTORY_LIMIT" default:"100"`

	// Reconciliation windows. Defaults match the production service
	// contract; tune per deployment if the backend echoes slower.
	MatchTolerance time.Duration `envconfig:"MATCH_TOLERANCE" default:"5s"`
	ConfirmTimeout time.Duration `envconfig:"CONFIRM_TIMEOUT" default:"30s"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`

	// Persistence
	DBPath string `envconfig:"DB_PATH" default:"chat.db"`

	// Management API
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`

	// PromptsPath points at the example-prompts YAML file. Optional.
	PromptsPath string `envconfig:"PROMPTS_PATH"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}

// Prompt is one example prompt surfaced for an empty thread.
type Prompt struct {
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
}

type promptsFile struct {
	Prompts []Prompt `yaml:"prompts"`
}

// LoadPrompts reads the example-prompts YAML file. A missing path returns
// an empty list, not an error.
func LoadPrompts(path string) ([]Prompt, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	var pf promptsFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parsing prompts file: %w", err)
	}
	return pf.Prompts, nil
}
