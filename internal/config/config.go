// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Paths        PathsConfig        `mapstructure:"paths"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Analysis     AnalysisConfig     `mapstructure:"analysis"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Verify       VerifyConfig       `mapstructure:"verify"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Server       ServerConfig       `mapstructure:"server"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PathsConfig sets the local directories used by a run.
type PathsConfig struct {
	ScratchDir string `mapstructure:"scratch_dir"`
	DataDir    string `mapstructure:"data_dir"`
	LogDir     string `mapstructure:"log_dir"`
}

// HTTPConfig configures outbound requests.
type HTTPConfig struct {
	UserAgent          string  `mapstructure:"user_agent"`
	FetchTimeoutSec    int     `mapstructure:"fetch_timeout_seconds"`
	PageTimeoutSec     int     `mapstructure:"page_timeout_seconds"`
	MaxBodyBytes       int     `mapstructure:"max_body_bytes"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the optional headless renderer.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// ShellThreshold is the body size under which a script-heavy locator page
	// is re-fetched through the renderer.
	ShellThreshold int `mapstructure:"shell_threshold_bytes"`
}

// AnalysisConfig names the external analysis program.
type AnalysisConfig struct {
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// StorageConfig selects where collection records are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// DBConfig controls the optional record index and run ledger.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	RunTable    string `mapstructure:"run_table"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// OrchestratorConfig tunes the collection run.
type OrchestratorConfig struct {
	CategoryParallelism int `mapstructure:"category_parallelism"`
}

// VerifyConfig tunes the verification probe.
type VerifyConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	SampleBytes    int `mapstructure:"sample_bytes"`
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RegistryConfig is the declared source catalog.
type RegistryConfig struct {
	Categories []CategoryConfig `mapstructure:"categories"`
}

// CategoryConfig is one category and its sources in fallback order.
type CategoryConfig struct {
	Name     string         `mapstructure:"name"`
	Label    string         `mapstructure:"label"`
	Strategy string         `mapstructure:"strategy"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

// SourceConfig is one declared camera source.
type SourceConfig struct {
	ID                 string `mapstructure:"id"`
	URL                string `mapstructure:"url"`
	Description        string `mapstructure:"description"`
	Strategy           string `mapstructure:"strategy"`
	DiscriminatorAttr  string `mapstructure:"discriminator_attr"`
	DiscriminatorValue string `mapstructure:"discriminator_value"`
	Marker             string `mapstructure:"marker"`
	Render             bool   `mapstructure:"render"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKYCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("paths.scratch_dir", "tmp")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.log_dir", "logs")
	v.SetDefault("http.user_agent", "skycam-collector/0.1")
	v.SetDefault("http.fetch_timeout_seconds", 30)
	v.SetDefault("http.page_timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 20<<20)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.shell_threshold_bytes", 2048)
	v.SetDefault("analysis.command", "analyze-sky")
	v.SetDefault("analysis.timeout_seconds", 60)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.table", "collection_records")
	v.SetDefault("db.run_table", "collection_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("orchestrator.category_parallelism", 1)
	v.SetDefault("verify.timeout_seconds", 10)
	v.SetDefault("verify.sample_bytes", 1024)
	v.SetDefault("server.port", 8080)
	v.SetDefault("tracing.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits. The source
// catalog is validated entry-by-entry by the registry, not here.
func (c Config) Validate() error {
	if c.Paths.ScratchDir == "" || c.Paths.DataDir == "" || c.Paths.LogDir == "" {
		return fmt.Errorf("paths.scratch_dir, paths.data_dir and paths.log_dir must be set")
	}
	if c.HTTP.FetchTimeoutSec <= 0 {
		return fmt.Errorf("http.fetch_timeout_seconds must be > 0")
	}
	if c.HTTP.PageTimeoutSec <= 0 {
		return fmt.Errorf("http.page_timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitPerSecond < 0 {
		return fmt.Errorf("http.rate_limit_rps must be >= 0")
	}
	if c.Analysis.Command == "" {
		return fmt.Errorf("analysis.command must be set")
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		return fmt.Errorf("analysis.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Orchestrator.CategoryParallelism <= 0 {
		return fmt.Errorf("orchestrator.category_parallelism must be > 0")
	}
	if c.Verify.TimeoutSeconds <= 0 {
		return fmt.Errorf("verify.timeout_seconds must be > 0")
	}
	if c.Verify.SampleBytes <= 0 {
		return fmt.Errorf("verify.sample_bytes must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// FetchTimeout is the image download budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.FetchTimeoutSec) * time.Second
}

// PageTimeout is the locator page fetch budget.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.HTTP.PageTimeoutSec) * time.Second
}

// AnalysisTimeout is the hard limit on one analysis run.
func (c Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds) * time.Second
}

// VerifyTimeout is the per-request probe budget.
func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Verify.TimeoutSeconds) * time.Second
}
