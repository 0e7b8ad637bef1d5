// Package config loads the engine's configuration, generalized from
// teacher's examples/demos/config/config.go: that loader tries a JSON file
// then falls back entirely to environment variables. This loader layers the
// two instead (YAML file as the base, environment variables overriding any
// key they set), because the engine's configuration surface is large enough
// that all-or-nothing precedence would make partial environment overrides
// impossible in a container deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/shockline/engine/internal/detection"
	"github.com/shockline/engine/internal/execution"
	"github.com/shockline/engine/internal/model"
)

// Broker holds the vendor session connection parameters.
type Broker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID int64  `yaml:"clientId"`
}

// News holds the news-subscription parameters.
type News struct {
	ProviderCode string `yaml:"providerCode"`
}

// Detection holds the shock-detection kernel parameters.
type Detection struct {
	WorkerCount int     `yaml:"workerCount"`
	PriceMult   float64 `yaml:"priceMult"`
	VolMult     float64 `yaml:"volMult"`
	CooldownSec int     `yaml:"cooldownSec"`
	HistoryBars int     `yaml:"historyBars"`
}

// Risk holds the execution-stage sizing and short-selling parameters.
type Risk struct {
	PerTradeFraction  float64 `yaml:"perTradeFraction"`
	TakeProfitPct     float64 `yaml:"takeProfitPct"`
	MaxHoldSec        int     `yaml:"maxHoldSec"`
	AccountValueBasis string  `yaml:"accountValueBasis"`
	AllowShort        bool    `yaml:"allowShort"`
}

// Extractor holds the ticker-extractor collaborator endpoint.
type Extractor struct {
	URL string `yaml:"url"`
}

// Config is the full engine configuration surface from spec §6 plus the
// connection/timeout defaults from §5 and §9.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	News      News      `yaml:"news"`
	Detection Detection `yaml:"detection"`
	Risk      Risk      `yaml:"risk"`
	Extractor Extractor `yaml:"extractor"`

	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	HistBarsTimeout time.Duration `yaml:"histBarsTimeout"`
	SnapshotTimeout time.Duration `yaml:"snapshotTimeout"`
	OrderTimeout    time.Duration `yaml:"orderTimeout"`
	ReconnectCapSec int           `yaml:"reconnectCapSec"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns every documented default from spec §4, §5, and §6.
func Default() Config {
	return Config{
		Broker: Broker{Host: "127.0.0.1", Port: 7497, ClientID: 1},
		News:   News{ProviderCode: "BZ"},
		Detection: Detection{
			WorkerCount: 4,
			PriceMult:   3.0,
			VolMult:     5.0,
			CooldownSec: 300,
			HistoryBars: 20,
		},
		Risk: Risk{
			PerTradeFraction:  0.01,
			TakeProfitPct:     0.02,
			MaxHoldSec:        600,
			AccountValueBasis: "equity",
			AllowShort:        false,
		},
		Extractor:       Extractor{URL: "http://127.0.0.1:8088"},
		ConnectTimeout:  10 * time.Second,
		HistBarsTimeout: 5 * time.Second,
		SnapshotTimeout: 2 * time.Second,
		OrderTimeout:    5 * time.Second,
		ReconnectCapSec: 60,
		LogLevel:        "info",
	}
}

// Load reads path (if it exists) over the documented defaults, then applies
// any set environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, model.NewError(model.KindConfig, fmt.Errorf("parse %s: %w", path, err))
			}
		case os.IsNotExist(err):
			// No file is not an error: defaults plus env vars are sufficient.
		default:
			return Config{}, model.NewError(model.KindConfig, fmt.Errorf("read %s: %w", path, err))
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, model.NewError(model.KindConfig, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHOCK_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v, ok := envInt("SHOCK_BROKER_PORT"); ok {
		cfg.Broker.Port = v
	}
	if v, ok := envInt64("SHOCK_BROKER_CLIENT_ID"); ok {
		cfg.Broker.ClientID = v
	}
	if v := os.Getenv("SHOCK_NEWS_PROVIDER_CODE"); v != "" {
		cfg.News.ProviderCode = v
	}
	if v, ok := envInt("SHOCK_DETECTION_WORKER_COUNT"); ok {
		cfg.Detection.WorkerCount = v
	}
	if v, ok := envFloat("SHOCK_DETECTION_PRICE_MULT"); ok {
		cfg.Detection.PriceMult = v
	}
	if v, ok := envFloat("SHOCK_DETECTION_VOL_MULT"); ok {
		cfg.Detection.VolMult = v
	}
	if v, ok := envInt("SHOCK_DETECTION_COOLDOWN_SEC"); ok {
		cfg.Detection.CooldownSec = v
	}
	if v, ok := envFloat("SHOCK_RISK_PER_TRADE_FRACTION"); ok {
		cfg.Risk.PerTradeFraction = v
	}
	if v, ok := envFloat("SHOCK_RISK_TAKE_PROFIT_PCT"); ok {
		cfg.Risk.TakeProfitPct = v
	}
	if v, ok := envInt("SHOCK_RISK_MAX_HOLD_SEC"); ok {
		cfg.Risk.MaxHoldSec = v
	}
	if v := os.Getenv("SHOCK_RISK_ACCOUNT_VALUE_BASIS"); v != "" {
		cfg.Risk.AccountValueBasis = v
	}
	if v, ok := envBool("SHOCK_RISK_ALLOW_SHORT"); ok {
		cfg.Risk.AllowShort = v
	}
	if v := os.Getenv("SHOCK_EXTRACTOR_URL"); v != "" {
		cfg.Extractor.URL = v
	}
	if v := os.Getenv("SHOCK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

// Validate enforces spec §6's "no hidden magic values" framing by rejecting
// an incomplete broker or extractor configuration outright.
func (c Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.Port <= 0 {
		return fmt.Errorf("broker.port must be positive")
	}
	if c.News.ProviderCode == "" {
		return fmt.Errorf("news.providerCode is required")
	}
	if c.Extractor.URL == "" {
		return fmt.Errorf("extractor.url is required")
	}
	switch execution.AccountValueBasis(c.Risk.AccountValueBasis) {
	case execution.BasisEquity, execution.BasisNetLiquidation, execution.BasisCash:
	default:
		return fmt.Errorf("risk.accountValueBasis must be one of equity|netLiquidation|cash, got %q", c.Risk.AccountValueBasis)
	}
	return nil
}

// ExecutionConfig maps the loaded configuration onto execution.Config.
func (c Config) ExecutionConfig() execution.Config {
	return execution.Config{
		PerTradeFraction:  decimal.NewFromFloat(c.Risk.PerTradeFraction),
		TakeProfitPct:     decimal.NewFromFloat(c.Risk.TakeProfitPct),
		MaxHoldSec:        c.Risk.MaxHoldSec,
		OrderDeadline:     c.OrderTimeout,
		AccountValueBasis: execution.AccountValueBasis(c.Risk.AccountValueBasis),
		AllowShort:        c.Risk.AllowShort,
	}
}

// DetectionConfig maps the loaded configuration onto detection.Config.
func (c Config) DetectionConfig() detection.Config {
	return detection.Config{
		Workers:     c.Detection.WorkerCount,
		HistoryBars: c.Detection.HistoryBars,
		Deadline:    2 * time.Second,
		CooldownSec: c.Detection.CooldownSec,
		Params: detection.Params{
			PriceMult: decimal.NewFromFloat(c.Detection.PriceMult),
			VolMult:   decimal.NewFromFloat(c.Detection.VolMult),
		},
	}
}
