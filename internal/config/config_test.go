package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	c := &Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Broker: BrokerConfig{
			Provider:  "tradier",
			APIKey:    "test-key",
			AccountID: "test-account",
		},
		Watchlist: []string{"XYZ", "ABC"},
		Strategy: StrategyConfig{
			Put:  SideConfig{Contracts: 1, TargetDTE: 7, DTETolerance: 2, DeltaMin: 0.10, DeltaMax: 0.20, MinPremium: 0.30},
			Call: SideConfig{Contracts: 1, TargetDTE: 7, DTETolerance: 2, DeltaMin: 0.10, DeltaMax: 0.20, MinPremium: 0.15},
		},
		Risk: RiskConfig{
			MaxNotionalPerUnderlying: 10000,
			MaxPositionFraction:      0.25,
			Gap:                      GapConfig{ElevatedPct: 0.02, HaltPct: 0.05},
			CallStopLoss: StopLossConfig{
				StopLossPct: 0.5,
				TimeDecay:   []DecayStep{{MaxDTE: 3, Multiplier: 2}},
			},
		},
	}
	c.normalize()
	return c
}

func TestLoad(t *testing.T) {
	t.Setenv("TRADIER_API_KEY", "from-env")
	t.Setenv("TRADIER_ACCOUNT_ID", "VA000000")

	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Broker.APIKey != "from-env" {
		t.Errorf("Expected api_key expanded from environment, got %q", cfg.Broker.APIKey)
	}
	if cfg.Schedule.MaxRunDuration != 5*time.Minute {
		t.Errorf("Expected 5m run duration, got %v", cfg.Schedule.MaxRunDuration)
	}
	if got := len(cfg.Risk.CallStopLoss.TimeDecay); got != 2 {
		t.Errorf("Expected 2 time decay steps, got %d", got)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	const key = "WHEEL_TEST_DOTENV_KEY"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=secret-from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	yamlDoc := `
environment: {mode: paper}
broker: {provider: tradier, api_key: ${` + key + `}, account_id: acct}
watchlist: [xyz]
risk:
  max_notional_per_underlying: 5000
  max_position_fraction: 0.5
  gap: {elevated_pct: 0.02, halt_pct: 0.05}
  call_stop_loss: {stop_loss_pct: 0.5}
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.APIKey != "secret-from-dotenv" {
		t.Errorf("Expected api key from .env, got %q", cfg.Broker.APIKey)
	}
	if cfg.Watchlist[0] != "XYZ" {
		t.Errorf("Expected watchlist symbols upper-cased, got %v", cfg.Watchlist)
	}
	if cfg.Strategy.Put.TargetDTE != defaultTargetDTE || cfg.Strategy.Call.DeltaMax != defaultDeltaMax {
		t.Errorf("Expected side defaults applied, got put=%+v call=%+v", cfg.Strategy.Put, cfg.Strategy.Call)
	}
	if cfg.Ledger.Backend != "store" {
		t.Errorf("Expected default ledger backend 'store', got %q", cfg.Ledger.Backend)
	}
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("environment: {mode: paper}\nbogus: true\n"))
	if err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode"},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }, "broker.api_key"},
		{"mock requires paper", func(c *Config) { c.Broker.Provider = "mock"; c.Environment.Mode = "live" }, "broker.provider 'mock'"},
		{"empty watchlist", func(c *Config) { c.Watchlist = nil }, "watchlist"},
		{"duplicate watchlist", func(c *Config) { c.Watchlist = []string{"XYZ", "XYZ"} }, "twice"},
		{"inverted delta band", func(c *Config) { c.Strategy.Put.DeltaMin = 0.3 }, "strategy.put delta band"},
		{"call contracts", func(c *Config) { c.Strategy.Call.Contracts = -1 }, "strategy.call.contracts"},
		{"position fraction", func(c *Config) { c.Risk.MaxPositionFraction = 1.5 }, "risk.max_position_fraction"},
		{"gap order", func(c *Config) { c.Risk.Gap.ElevatedPct = 0.1 }, "risk.gap.elevated_pct"},
		{"decay multiplier", func(c *Config) { c.Risk.CallStopLoss.TimeDecay[0].Multiplier = 0.5 }, "time_decay[0]"},
		{"decay order", func(c *Config) {
			c.Risk.CallStopLoss.TimeDecay = []DecayStep{{MaxDTE: 7, Multiplier: 1.5}, {MaxDTE: 3, Multiplier: 2}}
		}, "ascending"},
		{"run window", func(c *Config) { c.Schedule.MinTimeRemaining = c.Schedule.MaxRunDuration }, "schedule.min_time_remaining"},
		{"redis addr", func(c *Config) { c.Ledger.Backend = "redis" }, "ledger.redis_addr"},
		{"duration", func(c *Config) { c.Execution.Duration = "ioc" }, "execution.duration"},
		{"live public trigger without token", func(c *Config) {
			c.Environment.Mode = "live"
			c.Trigger.Listen = ":8080"
		}, "trigger.auth_token"},
		{"live loopback trigger without token", func(c *Config) {
			c.Environment.Mode = "live"
			c.Trigger.Listen = "127.0.0.1:8080"
		}, ""},
		{"live public trigger with token", func(c *Config) {
			c.Environment.Mode = "live"
			c.Trigger.Listen = "0.0.0.0:8080"
			c.Trigger.AuthToken = "secret"
		}, ""},
		{"paper public trigger without token", func(c *Config) { c.Trigger.Listen = ":9090" }, ""},
		{"malformed listen", func(c *Config) { c.Trigger.Listen = "8080" }, "trigger.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTriggerListenDefault(t *testing.T) {
	c := validConfig()
	if c.Trigger.Listen != defaultLocalListen {
		t.Errorf("Expected loopback listen without a token, got %q", c.Trigger.Listen)
	}

	c = &Config{Trigger: TriggerConfig{AuthToken: "secret"}}
	c.normalize()
	if c.Trigger.Listen != defaultPublicListen {
		t.Errorf("Expected all interfaces with a token, got %q", c.Trigger.Listen)
	}

	c = &Config{Environment: EnvironmentConfig{Mode: "live"}}
	c.normalize()
	if !isLoopback(c.Trigger.Listen) {
		t.Errorf("Expected live default to stay on loopback, got %q", c.Trigger.Listen)
	}
	for listen, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:8080": true,
		"[::1]:8080":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
	} {
		if got := isLoopback(listen); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", listen, got, want)
		}
	}
}

func TestSideConfigWindow(t *testing.T) {
	s := SideConfig{TargetDTE: 7, DTETolerance: 2, DeltaMin: 0.10, DeltaMax: 0.20}
	if s.MinDTE() != 5 || s.MaxDTE() != 9 {
		t.Errorf("Expected window [5,9], got [%d,%d]", s.MinDTE(), s.MaxDTE())
	}
	if d := s.DeltaMidpoint(); d < 0.1499 || d > 0.1501 {
		t.Errorf("Expected midpoint 0.15, got %v", d)
	}
	s = SideConfig{TargetDTE: 1, DTETolerance: 3}
	if s.MinDTE() != 0 {
		t.Errorf("Expected window floor clamped at 0, got %d", s.MinDTE())
	}
}

func TestLocationFallback(t *testing.T) {
	c := validConfig()
	if c.Location() == nil {
		t.Fatal("Location must never be nil")
	}
	c.Schedule.Timezone = "Not/AZone"
	if c.Location() == nil {
		t.Fatal("Location must fall back to a fixed zone")
	}
}
