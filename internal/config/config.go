package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReferenceDateLayout is the layout of ingest.reference_date.
const ReferenceDateLayout = "2006-01-02"

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IngestConfig configures ledger ingestion.
type IngestConfig struct {
	ChunkSize          int      `yaml:"chunk_size" mapstructure:"chunk_size"`
	ReferenceDate      string   `yaml:"reference_date" mapstructure:"reference_date"`
	ImportDetails      bool     `yaml:"import_details" mapstructure:"import_details"`
	ProfileBatchSize   int      `yaml:"profile_batch_size" mapstructure:"profile_batch_size"`
	DetailBatchSize    int      `yaml:"detail_batch_size" mapstructure:"detail_batch_size"`
	AcceptedTypes      []string `yaml:"accepted_types" mapstructure:"accepted_types"`
	PrimaryTypePattern string   `yaml:"primary_type_pattern" mapstructure:"primary_type_pattern"`
	DateLayout         string   `yaml:"date_layout" mapstructure:"date_layout"`
	Encoding           string   `yaml:"encoding" mapstructure:"encoding"`
	TempDir            string   `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// Reference parses ReferenceDate.
func (c IngestConfig) Reference() (time.Time, error) {
	t, err := time.Parse(ReferenceDateLayout, c.ReferenceDate)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "config: parse reference date %q", c.ReferenceDate)
	}
	return t, nil
}

// AnalysisConfig configures clustering runs.
type AnalysisConfig struct {
	DefaultK            int      `yaml:"default_k" mapstructure:"default_k"`
	DefaultFeatures     []string `yaml:"default_features" mapstructure:"default_features"`
	Seed                uint64   `yaml:"seed" mapstructure:"seed"`
	Restarts            int      `yaml:"restarts" mapstructure:"restarts"`
	MaxIter             int      `yaml:"max_iter" mapstructure:"max_iter"`
	Tolerance           float64  `yaml:"tolerance" mapstructure:"tolerance"`
	SilhouetteThreshold int      `yaml:"silhouette_threshold" mapstructure:"silhouette_threshold"`
	SilhouetteSample    int      `yaml:"silhouette_sample" mapstructure:"silhouette_sample"`
	AssignBatchSize     int      `yaml:"assign_batch_size" mapstructure:"assign_batch_size"`
	VizSample           int      `yaml:"viz_sample" mapstructure:"viz_sample"`
	MaxK                int      `yaml:"max_k" mapstructure:"max_k"`
}

// WorkerConfig configures the background task worker and stale-task reaper.
type WorkerConfig struct {
	PollIntervalMs   int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	TaskTimeoutMins  int `yaml:"task_timeout_mins" mapstructure:"task_timeout_mins"`
	ReapIntervalSecs int `yaml:"reap_interval_secs" mapstructure:"reap_interval_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// FetchConfig configures remote ledger downloads.
type FetchConfig struct {
	UserAgent  string  `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRetries int     `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path falls back to
// SEGMENT_CONFIG, then to an optional ./config.yaml. A named file that does not exist is an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path == "" {
		path = os.Getenv("SEGMENT_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("SEGMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("ingest.chunk_size", 50000)
	v.SetDefault("ingest.reference_date", "2025-06-30")
	v.SetDefault("ingest.import_details", false)
	v.SetDefault("ingest.profile_batch_size", 5000)
	v.SetDefault("ingest.detail_batch_size", 10000)
	v.SetDefault("ingest.accepted_types", []string{
		"Covered Recipient Physician",
		"Covered Recipient Non-Physician Practitioner",
	})
	v.SetDefault("ingest.primary_type_pattern", "(?i)physician|doctor|osteopathy")
	v.SetDefault("ingest.date_layout", "1/2/2006")
	v.SetDefault("ingest.encoding", "utf-8")
	v.SetDefault("ingest.temp_dir", "/tmp/segment")
	v.SetDefault("analysis.default_k", 5)
	v.SetDefault("analysis.default_features", []string{"recency", "frequency", "monetary"})
	v.SetDefault("analysis.seed", 42)
	v.SetDefault("analysis.restarts", 10)
	v.SetDefault("analysis.max_iter", 300)
	v.SetDefault("analysis.tolerance", 1e-4)
	v.SetDefault("analysis.silhouette_threshold", 10000)
	v.SetDefault("analysis.silhouette_sample", 10000)
	v.SetDefault("analysis.assign_batch_size", 5000)
	v.SetDefault("analysis.viz_sample", 2000)
	v.SetDefault("analysis.max_k", 20)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.task_timeout_mins", 120)
	v.SetDefault("worker.reap_interval_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("fetch.user_agent", "segment-cli/1.0")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_limit", 2.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: "ingest", "analysis", "serve", or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "ingest":
		errs = append(errs, c.validateIngest()...)
	case "analysis":
		errs = append(errs, c.validateAnalysis()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateAnalysis()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateIngest() []string {
	var errs []string
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, "ingest.chunk_size must be > 0")
	}
	if c.Ingest.ProfileBatchSize <= 0 || c.Ingest.DetailBatchSize <= 0 {
		errs = append(errs, "ingest batch sizes must be > 0")
	}
	if _, err := time.Parse(ReferenceDateLayout, c.Ingest.ReferenceDate); err != nil {
		errs = append(errs, fmt.Sprintf("ingest.reference_date %q is not YYYY-MM-DD", c.Ingest.ReferenceDate))
	}
	if _, err := regexp.Compile(c.Ingest.PrimaryTypePattern); err != nil {
		errs = append(errs, "ingest.primary_type_pattern is not a valid regexp")
	}
	if len(c.Ingest.AcceptedTypes) == 0 {
		errs = append(errs, "ingest.accepted_types must not be empty")
	}
	switch strings.ToLower(c.Ingest.Encoding) {
	case "utf-8", "utf8", "latin1", "iso-8859-1":
	default:
		errs = append(errs, fmt.Sprintf("ingest.encoding %q is not utf-8 or latin1", c.Ingest.Encoding))
	}
	return errs
}

func (c *Config) validateAnalysis() []string {
	var errs []string
	if c.Analysis.MaxK < 2 {
		errs = append(errs, "analysis.max_k must be >= 2")
	}
	if c.Analysis.DefaultK < 2 || c.Analysis.DefaultK > c.Analysis.MaxK {
		errs = append(errs, "analysis.default_k must be between 2 and analysis.max_k")
	}
	if c.Analysis.Restarts < 1 || c.Analysis.MaxIter < 1 {
		errs = append(errs, "analysis.restarts and analysis.max_iter must be >= 1")
	}
	if c.Analysis.AssignBatchSize <= 0 {
		errs = append(errs, "analysis.assign_batch_size must be > 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
