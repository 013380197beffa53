package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the miaflow service.
type Config struct {
	Miaflow   MiaflowConfig   `yaml:"miaflow"`
	Sierra    SierraConfig    `yaml:"sierra"`
	Trading   TradingConfig   `yaml:"trading"`
	Collector CollectorConfig `yaml:"collector"`
	Feed      FeedConfig      `yaml:"feed"`
	Publisher PublisherConfig `yaml:"publisher"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	AWS       AWSConfig       `yaml:"aws"`
}

// MiaflowConfig identifies the service instance.
type MiaflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SierraConfig holds the Sierra Chart DTC endpoint and session tuning.
// Username and password can also be supplied through SIERRA_USERNAME and
// SIERRA_PASSWORD so credentials stay out of the yaml file.
type SierraConfig struct {
	Host                    string        `yaml:"host"`
	Port                    int           `yaml:"port"`
	Username                string        `yaml:"username"`
	Password                string        `yaml:"password"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
	MaxReconnectionAttempts int           `yaml:"max_reconnection_attempts"`
	ReconnectionBackoff     time.Duration `yaml:"reconnection_backoff"`
	RequestsPerSecond       int           `yaml:"requests_per_second"`
	RequestBurst            int           `yaml:"request_burst"`
}

// TradingConfig covers order routing defaults and the connection monitor.
type TradingConfig struct {
	Exchange        string        `yaml:"exchange"`
	TradeAccount    string        `yaml:"trade_account"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// CollectorConfig sizes the per-symbol market data histories.
type CollectorConfig struct {
	Symbols           []string      `yaml:"symbols"`
	ContractsPath     string        `yaml:"contracts_path"`
	DepthLevels       int           `yaml:"depth_levels"`
	MarketDataHistory int           `yaml:"market_data_history"`
	Level2History     int           `yaml:"level2_history"`
	FootprintHistory  int           `yaml:"footprint_history"`
	DeltaHistory      int           `yaml:"delta_history"`
	FootprintBar      time.Duration `yaml:"footprint_bar"`
	LatencyWindow     int           `yaml:"latency_window"`
}

// FeedConfig sizes the internal event channels.
type FeedConfig struct {
	SnapshotBuffer int `yaml:"snapshot_buffer"`
	SignalBuffer   int `yaml:"signal_buffer"`
}

// PublisherConfig controls the Kafka market event publisher.
type PublisherConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// DashboardConfig controls the embedded HTTP dashboard.
type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogBuffer      int           `yaml:"log_buffer"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig mirrors logger.Configure.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// AWSConfig holds the CloudWatch reporting settings.
type AWSConfig struct {
	Region     string           `yaml:"region"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// CloudWatchConfig enables metric publishing and the session dashboard.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// LoadConfig reads, defaults, env-overrides and validates the configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}

	// Defaults match a stock Sierra Chart DTC setup; yaml only needs to
	// override what differs.
	config.Sierra.Host = "127.0.0.1"
	config.Sierra.Port = 11099
	config.Sierra.HeartbeatInterval = 30 * time.Second
	config.Sierra.ConnectTimeout = 10 * time.Second
	config.Sierra.HandshakeTimeout = 15 * time.Second
	config.Sierra.MaxReconnectionAttempts = 5
	config.Sierra.ReconnectionBackoff = 5 * time.Second
	config.Sierra.RequestsPerSecond = 20
	config.Sierra.RequestBurst = 40
	config.Trading.Exchange = "CME"
	config.Trading.MonitorInterval = 30 * time.Second
	config.Collector.DepthLevels = 10
	config.Collector.MarketDataHistory = 1000
	config.Collector.Level2History = 500
	config.Collector.FootprintHistory = 200
	config.Collector.DeltaHistory = 1000
	config.Collector.FootprintBar = time.Minute
	config.Collector.LatencyWindow = 100
	config.Feed.SnapshotBuffer = 1024
	config.Feed.SignalBuffer = 256
	config.Publisher.Topic = "miaflow.market"
	config.Dashboard.Address = ":8080"
	config.Dashboard.LogBuffer = 500
	config.Dashboard.StreamInterval = time.Second
	config.Metrics.Enabled = true
	config.Metrics.Address = ":2112"
	config.Logging.Level = "info"
	config.Logging.Format = "json"
	config.Logging.Output = "stdout"
	config.Logging.MaxAge = 7
	config.AWS.CloudWatch.Namespace = "MiaFlow"
	config.AWS.CloudWatch.Dashboard = "MiaFlow"

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := strings.TrimSpace(os.Getenv("SIERRA_HOST")); v != "" {
		config.Sierra.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SIERRA_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SIERRA_PORT %q: %w", v, err)
		}
		config.Sierra.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("SIERRA_USERNAME")); v != "" {
		config.Sierra.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("SIERRA_PASSWORD")); v != "" {
		config.Sierra.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		config.Publisher.Brokers = splitAndTrim(v)
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
		config.AWS.Region = v
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if env := AppEnvironment(); IsProductionLike(env) {
		if config.Sierra.Username == "" || config.Sierra.Password == "" {
			return nil, fmt.Errorf("sierra credentials are required in %s", env)
		}
	}

	return config, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateConfig(config *Config) error {
	if config.Miaflow.Name == "" {
		return fmt.Errorf("miaflow.name is required")
	}
	if config.Miaflow.Version == "" {
		return fmt.Errorf("miaflow.version is required")
	}
	if config.Sierra.Host == "" {
		return fmt.Errorf("sierra.host is required")
	}
	if config.Sierra.Port < 1 || config.Sierra.Port > 65535 {
		return fmt.Errorf("sierra.port must be between 1 and 65535")
	}
	if config.Sierra.HeartbeatInterval <= 0 {
		return fmt.Errorf("sierra.heartbeat_interval must be greater than 0")
	}
	if config.Sierra.ConnectTimeout <= 0 {
		return fmt.Errorf("sierra.connect_timeout must be greater than 0")
	}
	if config.Sierra.HandshakeTimeout <= 0 {
		return fmt.Errorf("sierra.handshake_timeout must be greater than 0")
	}
	if config.Sierra.MaxReconnectionAttempts < 0 {
		return fmt.Errorf("sierra.max_reconnection_attempts must not be negative")
	}
	if config.Sierra.ReconnectionBackoff <= 0 {
		return fmt.Errorf("sierra.reconnection_backoff must be greater than 0")
	}
	if config.Sierra.RequestsPerSecond <= 0 {
		return fmt.Errorf("sierra.requests_per_second must be greater than 0")
	}
	if config.Sierra.RequestBurst <= 0 {
		return fmt.Errorf("sierra.request_burst must be greater than 0")
	}
	if config.Trading.Exchange == "" {
		return fmt.Errorf("trading.exchange is required")
	}
	if config.Trading.MonitorInterval <= 0 {
		return fmt.Errorf("trading.monitor_interval must be greater than 0")
	}
	if len(config.Collector.Symbols) == 0 {
		return fmt.Errorf("collector.symbols must list at least one contract")
	}
	for _, symbol := range config.Collector.Symbols {
		if !isValidSymbol(symbol) {
			return fmt.Errorf("collector.symbols contains invalid symbol %q", symbol)
		}
	}
	if config.Collector.DepthLevels < 1 || config.Collector.DepthLevels > 10 {
		return fmt.Errorf("collector.depth_levels must be between 1 and 10")
	}
	if config.Collector.MarketDataHistory <= 0 {
		return fmt.Errorf("collector.market_data_history must be greater than 0")
	}
	if config.Collector.Level2History <= 0 {
		return fmt.Errorf("collector.level2_history must be greater than 0")
	}
	if config.Collector.FootprintHistory <= 0 {
		return fmt.Errorf("collector.footprint_history must be greater than 0")
	}
	if config.Collector.DeltaHistory <= 0 {
		return fmt.Errorf("collector.delta_history must be greater than 0")
	}
	if config.Collector.FootprintBar <= 0 {
		return fmt.Errorf("collector.footprint_bar must be greater than 0")
	}
	if config.Collector.LatencyWindow <= 0 {
		return fmt.Errorf("collector.latency_window must be greater than 0")
	}
	if config.Feed.SnapshotBuffer <= 0 {
		return fmt.Errorf("feed.snapshot_buffer must be greater than 0")
	}
	if config.Feed.SignalBuffer <= 0 {
		return fmt.Errorf("feed.signal_buffer must be greater than 0")
	}
	if config.Publisher.Enabled {
		if len(config.Publisher.Brokers) == 0 {
			return fmt.Errorf("publisher.brokers must list at least one broker")
		}
		if !isValidTopic(config.Publisher.Topic) {
			return fmt.Errorf("publisher.topic %q is not a valid Kafka topic name", config.Publisher.Topic)
		}
	}
	if config.Dashboard.Enabled {
		if config.Dashboard.Address == "" {
			return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
		}
		if config.Dashboard.LogBuffer <= 0 {
			return fmt.Errorf("dashboard.log_buffer must be greater than 0")
		}
		if config.Dashboard.StreamInterval <= 0 {
			return fmt.Errorf("dashboard.stream_interval must be greater than 0")
		}
	}
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if config.AWS.CloudWatch.Enabled && config.AWS.Region == "" {
		return fmt.Errorf("aws.region is required when cloudwatch is enabled")
	}
	return nil
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]*$`)

// isValidSymbol accepts Sierra Chart futures symbols such as ESU26_FUT_CME.
func isValidSymbol(symbol string) bool {
	if len(symbol) < 2 || len(symbol) > 32 {
		return false
	}
	if !symbolPattern.MatchString(symbol) {
		return false
	}
	switch symbol[len(symbol)-1] {
	case '.', '_', '-':
		return false
	}
	return true
}

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func isValidTopic(topic string) bool {
	if topic == "" || len(topic) > 249 {
		return false
	}
	return topicPattern.MatchString(topic)
}
