package config

import (
	"os"
	"strings"
	"testing"
)

// writeConfigContent writes a config file with the given content and returns
// its path.
func writeConfigContent(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	return writeConfigContent(t, `miaflow:
  name: "TestApp"
  version: "1.0"
sierra:
  username: "tester"
  password: "secret"
collector:
  symbols: ["ESU26_FUT_CME"]
`)
}

func clearSierraEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SIERRA_HOST", "")
	t.Setenv("SIERRA_PORT", "")
	t.Setenv("SIERRA_USERNAME", "")
	t.Setenv("SIERRA_PASSWORD", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	clearSierraEnv(t)
	path := writeTempConfig(t)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Miaflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Miaflow.Name)
	}
	if cfg.Sierra.Host != "127.0.0.1" {
		t.Errorf("unexpected host: %s", cfg.Sierra.Host)
	}
	if cfg.Sierra.Port != 11099 {
		t.Errorf("unexpected port: %d", cfg.Sierra.Port)
	}
	if cfg.Sierra.HeartbeatInterval.Seconds() != 30 {
		t.Errorf("unexpected heartbeat interval: %v", cfg.Sierra.HeartbeatInterval)
	}
	if cfg.Sierra.MaxReconnectionAttempts != 5 {
		t.Errorf("unexpected max reconnection attempts: %d", cfg.Sierra.MaxReconnectionAttempts)
	}
	if cfg.Collector.DepthLevels != 10 {
		t.Errorf("unexpected depth levels: %d", cfg.Collector.DepthLevels)
	}
	if cfg.Collector.MarketDataHistory != 1000 {
		t.Errorf("unexpected market data history: %d", cfg.Collector.MarketDataHistory)
	}
	if cfg.Metrics.Address != ":2112" {
		t.Errorf("unexpected metrics address: %s", cfg.Metrics.Address)
	}
	if cfg.Trading.Exchange != "CME" {
		t.Errorf("unexpected exchange: %s", cfg.Trading.Exchange)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	clearSierraEnv(t)
	path := writeConfigContent(t, `miaflow:
  name: "TestApp"
  version: "1.0"
sierra:
  host: "192.168.1.20"
  port: 11100
  heartbeat_interval: 45s
  reconnection_backoff: 2s
collector:
  symbols: ["NQU26_FUT_CME"]
  depth_levels: 5
  market_data_history: 50
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Sierra.Host != "192.168.1.20" || cfg.Sierra.Port != 11100 {
		t.Errorf("unexpected endpoint: %s:%d", cfg.Sierra.Host, cfg.Sierra.Port)
	}
	if cfg.Sierra.HeartbeatInterval.Seconds() != 45 {
		t.Errorf("unexpected heartbeat interval: %v", cfg.Sierra.HeartbeatInterval)
	}
	if cfg.Sierra.ReconnectionBackoff.Seconds() != 2 {
		t.Errorf("unexpected backoff: %v", cfg.Sierra.ReconnectionBackoff)
	}
	if cfg.Collector.DepthLevels != 5 {
		t.Errorf("unexpected depth levels: %d", cfg.Collector.DepthLevels)
	}
	if cfg.Collector.MarketDataHistory != 50 {
		t.Errorf("unexpected market data history: %d", cfg.Collector.MarketDataHistory)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	clearSierraEnv(t)
	t.Setenv("SIERRA_HOST", "10.0.0.5")
	t.Setenv("SIERRA_PORT", "12000")
	t.Setenv("SIERRA_USERNAME", "envuser")
	path := writeTempConfig(t)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Sierra.Host != "10.0.0.5" {
		t.Errorf("env host override not applied: %s", cfg.Sierra.Host)
	}
	if cfg.Sierra.Port != 12000 {
		t.Errorf("env port override not applied: %d", cfg.Sierra.Port)
	}
	if cfg.Sierra.Username != "envuser" {
		t.Errorf("env username override not applied: %s", cfg.Sierra.Username)
	}
}

func TestLoadConfigBadPortEnv(t *testing.T) {
	clearSierraEnv(t)
	t.Setenv("SIERRA_PORT", "not-a-port")
	path := writeTempConfig(t)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid SIERRA_PORT")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	clearSierraEnv(t)
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `miaflow:
  version: "1.0"
collector:
  symbols: ["ESU26_FUT_CME"]
`,
			wantErr: "miaflow.name is required",
		},
		{
			name: "bad port",
			content: `miaflow:
  name: "TestApp"
  version: "1.0"
sierra:
  port: 70000
collector:
  symbols: ["ESU26_FUT_CME"]
`,
			wantErr: "sierra.port",
		},
		{
			name: "no symbols",
			content: `miaflow:
  name: "TestApp"
  version: "1.0"
`,
			wantErr: "collector.symbols",
		},
		{
			name: "bad symbol",
			content: `miaflow:
  name: "TestApp"
  version: "1.0"
collector:
  symbols: ["esu26"]
`,
			wantErr: "invalid symbol",
		},
		{
			name: "too many depth levels",
			content: `miaflow:
  name: "TestApp"
  version: "1.0"
collector:
  symbols: ["ESU26_FUT_CME"]
  depth_levels: 11
`,
			wantErr: "depth_levels",
		},
		{
			name: "publisher without brokers",
			content: `miaflow:
  name: "TestApp"
  version: "1.0"
collector:
  symbols: ["ESU26_FUT_CME"]
publisher:
  enabled: true
`,
			wantErr: "publisher.brokers",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeConfigContent(t, c.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error %q does not mention %q", err, c.wantErr)
			}
		})
	}
}

func TestProductionRequiresCredentials(t *testing.T) {
	clearSierraEnv(t)
	t.Setenv("APP_ENV", "production")
	path := writeConfigContent(t, `miaflow:
  name: "TestApp"
  version: "1.0"
collector:
  symbols: ["ESU26_FUT_CME"]
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing credentials in production")
	}

	t.Setenv("SIERRA_USERNAME", "tester")
	t.Setenv("SIERRA_PASSWORD", "secret")
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig with credentials failed: %v", err)
	}
}

func TestLoadContracts(t *testing.T) {
	content := `contracts:
- symbol: "ESU26_FUT_CME"
  exchange: "CME"
  tick_size: 0.25
  point_value: 50
- symbol: "NQU26_FUT_CME"
  exchange: "CME"
  tick_size: 0.25
  point_value: 20
`
	f, err := os.CreateTemp("", "contracts-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	book, err := LoadContracts(f.Name())
	if err != nil {
		t.Fatalf("LoadContracts failed: %v", err)
	}
	if len(book.Contracts) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(book.Contracts))
	}
	spec, ok := book.BySymbol("ESU26_FUT_CME")
	if !ok {
		t.Fatal("ESU26_FUT_CME not found")
	}
	if spec.TickSize != 0.25 || spec.PointValue != 50 {
		t.Errorf("unexpected spec: %+v", spec)
	}
	if _, ok := book.BySymbol("CLU26_FUT_NYMEX"); ok {
		t.Error("unexpected contract found")
	}

	var nilBook *ContractBook
	if _, ok := nilBook.BySymbol("ESU26_FUT_CME"); ok {
		t.Error("nil book should not resolve symbols")
	}
}

func TestIsValidSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		valid  bool
	}{
		{"ESU26_FUT_CME", true},
		{"NQ", true},
		{"MES.U26", true},
		{"esu26", false},
		{"E", false},
		{"ESU26_", false},
		{"_ESU26", false},
	}
	for _, c := range cases {
		if got := isValidSymbol(c.symbol); got != c.valid {
			t.Errorf("isValidSymbol(%q) = %v, want %v", c.symbol, got, c.valid)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("APP_ENV", "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Errorf("unexpected path: %s", got)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(DefaultConfigPath); got != "config/config.production.yaml" {
		t.Errorf("unexpected production path: %s", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path should win: %s", got)
	}
}
