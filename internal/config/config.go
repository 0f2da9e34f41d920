package config

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"coinsnap/internal/store"
	"coinsnap/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for coinsnap.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	CoinGecko CoinGecko `yaml:"coingecko"`
	Ingest    Ingest    `yaml:"ingest"`
	Retry     Retry     `yaml:"retry"`
	Logging   Logging   `yaml:"logging"`
	Export    Export    `yaml:"export"`
	Server    Server    `yaml:"server"`
}

// Storage selects the persistence medium and its paths. Relative file names
// resolve against DataDir.
type Storage struct {
	Backend    string `yaml:"backend"` // "csv" or "sqlite"
	DataDir    string `yaml:"data_dir"`
	RowsFile   string `yaml:"rows_file"`
	QueueFile  string `yaml:"queue_file"`
	SQLitePath string `yaml:"sqlite_path"`
	Universe   string `yaml:"universe"`
}

// CoinGecko holds the market-data API endpoint and its retry policy.
type CoinGecko struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	VsCurrency string        `yaml:"vs_currency"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseSleep  time.Duration `yaml:"base_sleep"`
}

// Ingest controls the daily orchestrator.
type Ingest struct {
	HistoryDays       int           `yaml:"history_days"`
	RequestSleep      time.Duration `yaml:"request_sleep"`
	SecondPassSleep   time.Duration `yaml:"second_pass_sleep"`
	MaxSampleDistance time.Duration `yaml:"max_sample_distance"`
}

// Retry controls the retry worker.
type Retry struct {
	HistoryDays        int           `yaml:"history_days"`
	BufferDays         int           `yaml:"buffer_days"`
	RequestSleep       time.Duration `yaml:"request_sleep"`
	RecomputeAfterFill bool          `yaml:"recompute_after_fill"`
	Every              time.Duration `yaml:"every"` // daemon interval; 0 runs once
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Export configures snapshot exports.
type Export struct {
	Dir        string `yaml:"dir"`
	Parquet    bool   `yaml:"parquet"`
	XLSX       bool   `yaml:"xlsx"`
	AfterDaily bool   `yaml:"after_daily"`
	S3         S3     `yaml:"s3"`
}

// S3 is the optional upload target for exports. Uploads are disabled while
// Bucket is empty.
type S3 struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Server holds network listener configuration for daemon mode. A zero port
// disables that listener.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
	HTTPPort int    `yaml:"http_port"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Backend:    "csv",
			DataDir:    "data",
			RowsFile:   "coingecko_markets.csv",
			QueueFile:  "retry_queue.csv",
			SQLitePath: "coinsnap.db",
			Universe:   "config/universe.csv",
		},
		CoinGecko: CoinGecko{
			BaseURL:    "https://api.coingecko.com/api/v3",
			VsCurrency: "usd",
			Timeout:    30 * time.Second,
			MaxRetries: 5,
			BaseSleep:  5 * time.Second,
		},
		Ingest: Ingest{
			HistoryDays:     5,
			RequestSleep:    1500 * time.Millisecond,
			SecondPassSleep: 20 * time.Minute,
		},
		Retry: Retry{
			HistoryDays:        10,
			BufferDays:         2,
			RequestSleep:       1500 * time.Millisecond,
			RecomputeAfterFill: true,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Export: Export{
			Dir:     "exports",
			Parquet: true,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default(),
// then applies environment variable overrides. A .env file (ENV_FILE, or
// ".env" in the working directory) is loaded into the environment first
// when present.
func Load(path string) (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadDefaults returns Default() with the .env file and environment
// overrides applied, for running without a configuration file.
func LoadDefaults() (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}
	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadDotenv() error {
	envFile := ".env"
	if v := os.Getenv("ENV_FILE"); v != "" {
		envFile = v
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("UNIVERSE_PATH"); v != "" {
		cfg.Storage.Universe = v
	}

	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.CoinGecko.APIKey = v
	}
	if v := os.Getenv("COINGECKO_BASE_URL"); v != "" {
		cfg.CoinGecko.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := os.Getenv("EXPORT_S3_BUCKET"); v != "" {
		cfg.Export.S3.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Export.S3.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Export.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Export.S3.SecretAccessKey = v
	}

	if v := os.Getenv("GRPC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = p
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = p
		}
	}
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// resolve joins name to DataDir unless it is absolute.
func (s Storage) resolve(name string) string {
	if filepath.IsAbs(name) || s.DataDir == "" {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

// RowsPath returns the row file location.
func (s Storage) RowsPath() string { return s.resolve(s.RowsFile) }

// QueuePath returns the queue file location.
func (s Storage) QueuePath() string { return s.resolve(s.QueueFile) }

// DBPath returns the SQLite database location.
func (s Storage) DBPath() string { return s.resolve(s.SQLitePath) }

// GRPCAddr returns the gRPC listen address, or "" when disabled.
func (s Server) GRPCAddr() string { return s.addr(s.GRPCPort) }

// HTTPAddr returns the HTTP listen address, or "" when disabled.
func (s Server) HTTPAddr() string { return s.addr(s.HTTPPort) }

func (s Server) addr(port int) string {
	if port <= 0 {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// LogOptions converts the logging section for util.NewLogger.
func (l Logging) LogOptions() util.LogOptions {
	return util.LogOptions{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// S3Options converts the S3 section for store.NewS3Uploader.
func (s S3) S3Options() store.S3Options {
	return store.S3Options{
		Bucket:          s.Bucket,
		Prefix:          s.Prefix,
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		PathStyle:       s.PathStyle,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
	}
}
