package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
version: 1
contract:
  address: "0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
  deployment_block: 1
chain:
  rpc_url: ${RPC_URL}
sync:
  block_confirmations: 3
sinks:
  - id: sink1
    type: slack
    webhook_url: ${SLACK_HOOK}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)

	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Chain.RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	if got := cfg.Contract.Address; got != "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
		t.Fatalf("address not normalized, got %q", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.PollingInterval() != 15*time.Second {
		t.Fatalf("unexpected polling interval %s", cfg.Sync.PollingInterval())
	}
	if cfg.Sync.MaxBlockRange != 2000 {
		t.Fatalf("unexpected max block range %d", cfg.Sync.MaxBlockRange)
	}
	if cfg.Sync.Confirmations() != 3 {
		t.Fatalf("confirmations overridden: %d", cfg.Sync.Confirmations())
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "chainsync.db" {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Lease.Duration() != 2*time.Minute {
		t.Fatalf("unexpected lease ttl %s", cfg.Lease.Duration())
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected missing env to fail")
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	base := func() Config {
		return Config{
			Version:  1,
			Contract: ContractConfig{Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
			Chain:    ChainConfig{RPCURL: "http://rpc"},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no_version", func(c *Config) { c.Version = 0 }},
		{"bad_address", func(c *Config) { c.Contract.Address = "0x123" }},
		{"no_rpc", func(c *Config) { c.Chain.RPCURL = "" }},
		{"bad_driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"empty_event", func(c *Config) { c.Contract.Events = []string{" "} }},
		{"bad_ttl", func(c *Config) { c.Lease.TTL = "forever" }},
		{"kafka_without_topic", func(c *Config) {
			c.Sinks = []Sink{{ID: "bus", Type: "kafka", Brokers: []string{"localhost:9092"}}}
		}},
		{"duplicate_sink", func(c *Config) {
			c.Sinks = []Sink{
				{ID: "a", Type: "webhook", URL: "http://x"},
				{ID: "a", Type: "webhook", URL: "http://y"},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := base()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}

func TestConfirmationsDefaultUnlessExplicit(t *testing.T) {
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cases := []struct {
		name string
		sync string
		want uint64
	}{
		{"omitted", "  polling_interval_seconds: 5", 12},
		{"explicit zero", "  block_confirmations: 0", 0},
		{"explicit", "  block_confirmations: 30", 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := strings.Replace(sampleYAML, "  block_confirmations: 3", tc.sync, 1)
			cfg, err := Load(writeConfig(t, body))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got := cfg.Sync.Confirmations(); got != tc.want {
				t.Fatalf("confirmations = %d, want %d", got, tc.want)
			}
		})
	}
}
