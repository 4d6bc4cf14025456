package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPollingIntervalSeconds = 15
	defaultBlockConfirmations     = 12
	defaultMaxBlockRange          = 2000
	defaultDBPath                 = "chainsync.db"
	defaultLeaseTTL               = 2 * time.Minute
)

// Config holds the YAML configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Contract  ContractConfig  `yaml:"contract"`
	Chain     ChainConfig     `yaml:"chain"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Lease     LeaseConfig     `yaml:"lease"`
	Sinks     []Sink          `yaml:"sinks"`
}

type ContractConfig struct {
	Address         string   `yaml:"address"`
	DeploymentBlock uint64   `yaml:"deployment_block"`
	ABIPath         string   `yaml:"abi_path"`
	Events          []string `yaml:"events"`
}

type ChainConfig struct {
	RPCURL string `yaml:"rpc_url"`
}

type SyncConfig struct {
	PollingIntervalSeconds int `yaml:"polling_interval_seconds"`
	// BlockConfirmations is nil when omitted; an explicit 0 follows the head.
	BlockConfirmations *uint64 `yaml:"block_confirmations"`
	MaxBlockRange      uint64  `yaml:"max_block_range"`
}

// Confirmations returns how many blocks must sit on top of a block before it is indexed.
func (s SyncConfig) Confirmations() uint64 {
	if s.BlockConfirmations == nil {
		return defaultBlockConfirmations
	}
	return *s.BlockConfirmations
}

// PollingInterval returns the configured tick interval.
func (s SyncConfig) PollingInterval() time.Duration {
	return time.Duration(s.PollingIntervalSeconds) * time.Second
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type LeaseConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	TTL       string `yaml:"ttl"`
}

// Duration parses the lease TTL, falling back to the default.
func (l LeaseConfig) Duration() time.Duration {
	if d, err := time.ParseDuration(l.TTL); err == nil && d > 0 {
		return d
	}
	return defaultLeaseTTL
}

type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	// Events restricts the sink to these event types; empty means all.
	Events []string `yaml:"events"`
	// Where holds field predicates, e.g. "amount >= 1e18".
	Where []string `yaml:"where"`
	// Headers are added to webhook requests, e.g. an auth token.
	Headers map[string]string `yaml:"headers"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Sync.PollingIntervalSeconds == 0 {
		c.Sync.PollingIntervalSeconds = defaultPollingIntervalSeconds
	}
	if c.Sync.BlockConfirmations == nil {
		conf := uint64(defaultBlockConfirmations)
		c.Sync.BlockConfirmations = &conf
	}
	if c.Sync.MaxBlockRange == 0 {
		c.Sync.MaxBlockRange = defaultMaxBlockRange
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = defaultDBPath
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "chainsync"
	}
	c.Contract.Address = strings.ToLower(strings.TrimSpace(c.Contract.Address))
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Contract.Address == "" {
		return errors.New("contract.address is required")
	}
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("contract.address is not a hex address: %s", c.Contract.Address)
	}
	for _, ev := range c.Contract.Events {
		if strings.TrimSpace(ev) == "" {
			return errors.New("contract.events must not contain empty names")
		}
	}
	if c.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if c.Sync.PollingIntervalSeconds < 0 {
		return errors.New("sync.polling_interval_seconds must be positive")
	}
	if c.Sync.MaxBlockRange == 0 {
		return errors.New("sync.max_block_range must be positive")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database.driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	if c.Lease.TTL != "" {
		if _, err := time.ParseDuration(c.Lease.TTL); err != nil {
			return fmt.Errorf("lease.ttl: %w", err)
		}
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "kafka":
		if len(s.Brokers) == 0 {
			return errors.New("brokers are required for kafka sink")
		}
		if s.Topic == "" {
			return errors.New("topic is required for kafka sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
