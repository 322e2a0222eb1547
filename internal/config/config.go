package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // zone names resolve on hosts without a zoneinfo database

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantbar.
type Config struct {
	Storage      Storage            `yaml:"storage"`
	Logging      Logging            `yaml:"logging"`
	Calendar     Calendar           `yaml:"calendar"`
	Session      Session            `yaml:"session"`
	Sources      Sources            `yaml:"sources"`
	MainContract MainContractConfig `yaml:"main_contract"`
	Schedule     Schedule           `yaml:"schedule"`
	Latest       Latest             `yaml:"latest"`
	Archive      Archive            `yaml:"archive"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	Driver     string `yaml:"driver"` // "sqlite" or "mongo"
	SQLitePath string `yaml:"sqlite_path"`
	LatestPath string `yaml:"latest_path"` // rolling recent-bar store
	Mongo      Mongo  `yaml:"mongo"`
}

// Mongo holds document-store connection settings.
type Mongo struct {
	URI      string `yaml:"uri"`
	BarDB    string `yaml:"bar_db"`
	LogDB    string `yaml:"log_db"`
	LatestDB string `yaml:"latest_db"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Calendar points at the trading-day CSV.
type Calendar struct {
	Path string `yaml:"path"`
}

// Session points at the market session tables.
type Session struct {
	MarketPath  string `yaml:"market_path"`
	InstMapPath string `yaml:"instmap_path"`
}

// Sources holds one job section per upstream.
type Sources struct {
	CNFut   CNFutSource   `yaml:"cnfut"`
	Alpaca  AlpacaSource  `yaml:"alpaca"`
	Oanda   OandaSource   `yaml:"oanda"`
	OKX     OKXSource     `yaml:"okx"`
	Binance BinanceSource `yaml:"binance"`
}

// Job holds the mission scope and retry parameters shared by every source.
type Job struct {
	Enabled     bool          `yaml:"enabled"`
	Symbols     []string      `yaml:"symbols"`
	SymbolsFile string        `yaml:"symbols_file"` // CSV, first column merged into Symbols
	Start       int           `yaml:"start"`
	End         int           `yaml:"end"` // 0 means today
	Redo        int           `yaml:"redo"`
	Timeout     time.Duration `yaml:"timeout"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
}

// CNFutSource reads vendor minute-bar drops for CN futures.
type CNFutSource struct {
	Job `yaml:",inline"`
	Dir string `yaml:"dir"`
}

// AlpacaSource holds credentials and endpoints for the Alpaca APIs.
type AlpacaSource struct {
	Job       `yaml:",inline"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// OandaSource holds the OANDA REST token and environment.
type OandaSource struct {
	Job       `yaml:",inline"`
	Token     string `yaml:"token"`
	TradeType string `yaml:"trade_type"` // PRACTICE or TRADE
	BaseURL   string `yaml:"base_url"`
}

// OKXSource holds the OKX REST endpoint.
type OKXSource struct {
	Job     `yaml:",inline"`
	BaseURL string `yaml:"base_url"`
}

// BinanceSource holds the Binance futures endpoint.
type BinanceSource struct {
	Job     `yaml:",inline"`
	BaseURL string `yaml:"base_url"`
}

// MainContractConfig drives continuous-contract derivation.
type MainContractConfig struct {
	Families     []string  `yaml:"families"`
	Start        int       `yaml:"start"`
	End          int       `yaml:"end"`
	Source       string    `yaml:"source"`
	BoundaryHour int       `yaml:"boundary_hour"`
	Timezone     string    `yaml:"timezone"`
	Reference    Reference `yaml:"reference"`
}

// Reference locates instrument reference data.
type Reference struct {
	CSVPath     string `yaml:"csv_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Schedule configures the daemon.
type Schedule struct {
	Cron       string `yaml:"cron"`
	Timezone   string `yaml:"timezone"`
	HealthAddr string `yaml:"health_addr"`
}

// Latest sizes the rolling recent-bar store.
type Latest struct {
	Length int `yaml:"length"` // minimum bars refreshed per symbol
}

// Archive configures parquet export and optional S3 upload.
type Archive struct {
	Dir string `yaml:"dir"`
	S3  S3     `yaml:"s3"`
}

// S3 holds the upload target for archives.
type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults and then environment variable overrides.
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Storage.LatestPath == "" && cfg.Storage.SQLitePath != "" {
		ext := filepath.Ext(cfg.Storage.SQLitePath)
		cfg.Storage.LatestPath = strings.TrimSuffix(cfg.Storage.SQLitePath, ext) + "_latest" + ext
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if h := c.MainContract.BoundaryHour; h < 0 || h > 23 {
		return fmt.Errorf("main_contract.boundary_hour %d out of range", h)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Mongo.BarDB == "" {
		cfg.Storage.Mongo.BarDB = "VnTrader_1Min_Db"
	}
	if cfg.Storage.Mongo.LogDB == "" {
		cfg.Storage.Mongo.LogDB = "log"
	}
	if cfg.Storage.Mongo.LatestDB == "" {
		cfg.Storage.Mongo.LatestDB = cfg.Storage.Mongo.BarDB + "_latest"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.MainContract.BoundaryHour == 0 {
		cfg.MainContract.BoundaryHour = 16
	}
	if cfg.MainContract.Timezone == "" {
		cfg.MainContract.Timezone = "Asia/Shanghai"
	}
	if cfg.MainContract.Source == "" {
		cfg.MainContract.Source = "cnfut"
	}
	if cfg.Schedule.Cron == "" {
		cfg.Schedule.Cron = "0 30 17 * * *"
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = "Asia/Shanghai"
	}
	if cfg.Schedule.HealthAddr == "" {
		cfg.Schedule.HealthAddr = "127.0.0.1:9090"
	}
	if cfg.Latest.Length == 0 {
		cfg.Latest.Length = 2000
	}
	if cfg.Sources.Oanda.TradeType == "" {
		cfg.Sources.Oanda.TradeType = "PRACTICE"
	}
	for _, j := range []*Job{
		&cfg.Sources.CNFut.Job,
		&cfg.Sources.Alpaca.Job,
		&cfg.Sources.Oanda.Job,
		&cfg.Sources.OKX.Job,
		&cfg.Sources.Binance.Job,
	} {
		if j.Redo == 0 {
			j.Redo = 3
		}
		if j.Timeout == 0 {
			j.Timeout = 20 * time.Second
		}
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Storage.Mongo.URI = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("OANDA_TOKEN"); v != "" {
		cfg.Sources.Oanda.Token = v
	}

	if v := os.Getenv("REFERENCE_DSN"); v != "" {
		cfg.MainContract.Reference.PostgresDSN = v
	}

	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Sources.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Sources.Alpaca.APISecret = v
	}
}
