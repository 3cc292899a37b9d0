// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"order_orchestrator/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Venue       VenueConfig       `yaml:"venue"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	API         APIConfig         `yaml:"api"`
	Journal     JournalConfig     `yaml:"journal"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json
	Paper     bool   `yaml:"paper"`      // simulated venue, no credentials needed
}

// VenueConfig contains the Polymarket CLOB connection and credentials
type VenueConfig struct {
	BaseURL         string `yaml:"base_url"`
	WebsocketURL    string `yaml:"websocket_url"`
	DataAPIURL      string `yaml:"data_api_url"`
	ChainID         int64  `yaml:"chain_id"`
	ExchangeAddress string `yaml:"exchange_address"`

	PrivateKey    Secret `yaml:"private_key"`
	FunderAddress string `yaml:"funder_address"` // proxy wallet holding the funds
	SignatureType int    `yaml:"signature_type"`
	APIKey        Secret `yaml:"api_key"`
	APISecret     Secret `yaml:"api_secret"`
	Passphrase    Secret `yaml:"passphrase"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	PingIntervalSeconds   int `yaml:"ping_interval_seconds"`
	PositionCacheSeconds  int `yaml:"position_cache_seconds"`
}

// StrategyConfig contains the parameters of one execution run
type StrategyConfig struct {
	TokenID               string  `yaml:"token_id"`
	Side                  string  `yaml:"side"`
	LimitPrice            float64 `yaml:"limit_price"`
	TotalQuantity         float64 `yaml:"total_quantity"`
	ChildOrderSize        float64 `yaml:"child_order_size"`
	TickSize              float64 `yaml:"tick_size"` // 0 looks it up from the venue
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	RateLimit             float64 `yaml:"rate_limit"`
	MaxPendingOrders      int     `yaml:"max_pending_orders"`
	PriceImprovementTicks int     `yaml:"price_improvement_ticks"`
	MatchTopOfBook        bool    `yaml:"match_top_of_book"`
	InsideLiquidity       bool    `yaml:"inside_liquidity"`

	MinOrderSize           float64 `yaml:"min_order_size"`
	CancelMaxRetries       int     `yaml:"cancel_max_retries"`
	CancelBackoffMs        int     `yaml:"cancel_backoff_ms"`
	MaxSlippage            float64 `yaml:"max_slippage"`
	MonitorIntervalMs      int     `yaml:"monitor_interval_ms"`
	QuiescenceGraceSeconds int     `yaml:"quiescence_grace_seconds"`
	LargeOrderThreshold    float64 `yaml:"large_order_threshold"`
	TakerOrderTTLMs        int     `yaml:"taker_order_ttl_ms"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
	TraceStdout   bool `yaml:"trace_stdout"`
	LogExport     bool `yaml:"log_export"`
}

// APIConfig contains the operator control API settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// JournalConfig selects where fills and final run status are persisted
type JournalConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or empty for none
	Path   string `yaml:"path"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	CancelPoolSize   int `yaml:"cancel_pool_size"`
	CancelPoolBuffer int `yaml:"cancel_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML file with environment variable expansion on top of
// DefaultConfig. It does not validate, so callers can apply overrides first.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// LoadConfig loads and validates a configuration file
func LoadConfig(filename string) (*Config, error) {
	config, err := Load(filename)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateAppConfig()...)
	errs = append(errs, c.validateVenueConfig()...)
	errs = append(errs, c.validateStrategyConfig()...)
	errs = append(errs, c.validateTelemetryConfig()...)
	errs = append(errs, c.validateAPIConfig()...)
	errs = append(errs, c.validateJournalConfig()...)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(msgs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() []error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return []error{ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}}
	}
	return nil
}

func (c *Config) validateVenueConfig() []error {
	if c.App.Paper {
		return nil
	}

	var errs []error
	if c.Venue.PrivateKey == "" {
		errs = append(errs, ValidationError{Field: "venue.private_key", Message: "required unless app.paper is set"})
	}
	if c.Venue.FunderAddress == "" {
		errs = append(errs, ValidationError{Field: "venue.funder_address", Message: "required unless app.paper is set"})
	}
	// API credentials are derived from the private key when all are empty.
	set := 0
	for _, s := range []Secret{c.Venue.APIKey, c.Venue.APISecret, c.Venue.Passphrase} {
		if s != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		errs = append(errs, ValidationError{
			Field:   "venue.api_key",
			Message: "api_key, api_secret and passphrase must be set together",
		})
	}
	if c.Venue.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "venue.base_url", Message: "base URL is required"})
	}
	if c.Venue.SignatureType < 0 || c.Venue.SignatureType > 2 {
		errs = append(errs, ValidationError{
			Field:   "venue.signature_type",
			Value:   c.Venue.SignatureType,
			Message: "must be 0 (EOA), 1 (email proxy) or 2 (browser proxy)",
		})
	}
	return errs
}

func (c *Config) validateStrategyConfig() []error {
	s := c.Strategy
	var errs []error

	if s.TokenID == "" {
		errs = append(errs, ValidationError{Field: "strategy.token_id", Message: "token id is required"})
	}
	if !core.Side(strings.ToUpper(s.Side)).Valid() {
		errs = append(errs, ValidationError{Field: "strategy.side", Value: s.Side, Message: "must be BUY or SELL"})
	}
	if s.LimitPrice <= 0 || s.LimitPrice > 1 {
		errs = append(errs, ValidationError{Field: "strategy.limit_price", Value: s.LimitPrice, Message: "must be in (0, 1]"})
	}
	if s.TotalQuantity <= 0 {
		errs = append(errs, ValidationError{Field: "strategy.total_quantity", Value: s.TotalQuantity, Message: "must be positive"})
	}
	if s.ChildOrderSize <= 0 {
		errs = append(errs, ValidationError{Field: "strategy.child_order_size", Value: s.ChildOrderSize, Message: "must be positive"})
	}
	if s.TickSize < 0 || s.TickSize >= 1 {
		errs = append(errs, ValidationError{Field: "strategy.tick_size", Value: s.TickSize, Message: "must be in [0, 1)"})
	}
	if s.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "strategy.timeout_seconds", Value: s.TimeoutSeconds, Message: "must be positive"})
	}
	if s.RateLimit <= 0 {
		errs = append(errs, ValidationError{Field: "strategy.rate_limit", Value: s.RateLimit, Message: "must be positive"})
	}
	if s.MaxPendingOrders < 1 {
		errs = append(errs, ValidationError{Field: "strategy.max_pending_orders", Value: s.MaxPendingOrders, Message: "must be at least 1"})
	}
	if s.PriceImprovementTicks < 0 {
		errs = append(errs, ValidationError{Field: "strategy.price_improvement_ticks", Value: s.PriceImprovementTicks, Message: "must not be negative"})
	}
	if s.CancelMaxRetries < 1 {
		errs = append(errs, ValidationError{Field: "strategy.cancel_max_retries", Value: s.CancelMaxRetries, Message: "must be at least 1"})
	}
	if s.MaxSlippage < 0 || s.MaxSlippage >= 1 {
		errs = append(errs, ValidationError{Field: "strategy.max_slippage", Value: s.MaxSlippage, Message: "must be in [0, 1)"})
	}
	return errs
}

func (c *Config) validateTelemetryConfig() []error {
	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort <= 0 || c.Telemetry.MetricsPort > 65535) {
		return []error{ValidationError{Field: "telemetry.metrics_port", Value: c.Telemetry.MetricsPort, Message: "must be a valid port"}}
	}
	return nil
}

func (c *Config) validateAPIConfig() []error {
	if c.API.Enabled && c.API.ListenAddr == "" {
		return []error{ValidationError{Field: "api.listen_addr", Message: "listen address is required when the API is enabled"}}
	}
	return nil
}

func (c *Config) validateJournalConfig() []error {
	switch c.Journal.Driver {
	case "", "memory":
		return nil
	case "sqlite":
		if c.Journal.Path == "" {
			return []error{ValidationError{Field: "journal.path", Message: "path is required for the sqlite journal"}}
		}
		return nil
	default:
		return []error{ValidationError{Field: "journal.driver", Value: c.Journal.Driver, Message: "must be memory or sqlite"}}
	}
}

// ToStrategyConfig converts the strategy section into run parameters
func (c *Config) ToStrategyConfig() core.StrategyConfig {
	s := c.Strategy
	out := core.DefaultStrategyConfig()

	out.TokenID = s.TokenID
	out.Side = core.Side(strings.ToUpper(s.Side))
	out.LimitPrice = decimal.NewFromFloat(s.LimitPrice)
	out.TotalQuantity = decimal.NewFromFloat(s.TotalQuantity)
	out.ChildOrderSize = decimal.NewFromFloat(s.ChildOrderSize)
	out.TickSize = decimal.NewFromFloat(s.TickSize)
	out.Timeout = time.Duration(s.TimeoutSeconds) * time.Second
	out.RateLimit = s.RateLimit
	out.MaxPendingOrders = s.MaxPendingOrders
	out.PriceImprovementTicks = s.PriceImprovementTicks
	out.MatchTopOfBook = s.MatchTopOfBook
	out.InsideLiquidity = s.InsideLiquidity
	out.CancelMaxRetries = s.CancelMaxRetries
	out.MaxSlippage = decimal.NewFromFloat(s.MaxSlippage)
	out.LargeOrderThreshold = decimal.NewFromFloat(s.LargeOrderThreshold)

	if s.MinOrderSize > 0 {
		out.MinOrderSize = decimal.NewFromFloat(s.MinOrderSize)
	}
	if s.CancelBackoffMs > 0 {
		out.CancelBackoff = time.Duration(s.CancelBackoffMs) * time.Millisecond
	}
	if s.MonitorIntervalMs > 0 {
		out.MonitorInterval = time.Duration(s.MonitorIntervalMs) * time.Millisecond
	}
	if s.QuiescenceGraceSeconds > 0 {
		out.QuiescenceGrace = time.Duration(s.QuiescenceGraceSeconds) * time.Second
	}
	if s.TakerOrderTTLMs > 0 {
		out.TakerOrderTTL = time.Duration(s.TakerOrderTTLMs) * time.Millisecond
	}
	return out
}

// RequestTimeout returns the REST timeout
func (v VenueConfig) RequestTimeout() time.Duration {
	if v.RequestTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(v.RequestTimeoutSeconds) * time.Second
}

// PingInterval returns the websocket keepalive interval
func (v VenueConfig) PingInterval() time.Duration {
	if v.PingIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(v.PingIntervalSeconds) * time.Second
}

// PositionCacheTTL returns how long fetched positions stay fresh
func (v VenueConfig) PositionCacheTTL() time.Duration {
	if v.PositionCacheSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(v.PositionCacheSeconds) * time.Second
}

// String returns the configuration as YAML with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the production defaults. Strategy parameters that
// have no sensible default (token, limit, quantities) are left empty.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:      "order_orchestrator",
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Venue: VenueConfig{
			BaseURL:               "https://clob.polymarket.com",
			WebsocketURL:          "wss://ws-subscriptions-clob.polymarket.com/ws",
			DataAPIURL:            "https://data-api.polymarket.com",
			ChainID:               137,
			ExchangeAddress:       "0x4bFB41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			SignatureType:         2,
			RequestTimeoutSeconds: 10,
			PingIntervalSeconds:   10,
			PositionCacheSeconds:  60,
		},
		Strategy: StrategyConfig{
			Side:                   "BUY",
			TimeoutSeconds:         3600,
			RateLimit:              5.0,
			MaxPendingOrders:       3,
			PriceImprovementTicks:  1,
			MinOrderSize:           5,
			CancelMaxRetries:       3,
			CancelBackoffMs:        1000,
			MaxSlippage:            0.01,
			MonitorIntervalMs:      1000,
			QuiescenceGraceSeconds: 5,
		},
		Telemetry: TelemetryConfig{
			MetricsPort: 9090,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Concurrency: ConcurrencyConfig{
			CancelPoolSize:   8,
			CancelPoolBuffer: 64,
		},
	}
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ApplyAccount loads the credentials of a named account from the
// environment variables NAME_PRIVATE_KEY and NAME_PROXY_ADDRESS
func (c *Config) ApplyAccount(name string) error {
	prefix := strings.ToUpper(name)
	key := strings.TrimSpace(os.Getenv(prefix + "_PRIVATE_KEY"))
	proxy := strings.TrimSpace(os.Getenv(prefix + "_PROXY_ADDRESS"))
	if key == "" || proxy == "" {
		return fmt.Errorf("account %s: %s_PRIVATE_KEY and %s_PROXY_ADDRESS must both be set", name, prefix, prefix)
	}
	if !addressPattern.MatchString(proxy) {
		return ValidationError{Field: prefix + "_PROXY_ADDRESS", Value: proxy, Message: "expected 0x followed by 40 hex characters"}
	}
	c.Venue.PrivateKey = Secret(key)
	c.Venue.FunderAddress = proxy
	return nil
}
