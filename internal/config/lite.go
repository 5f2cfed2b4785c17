package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/labqc-server/internal/domain"
)

// LiteConfig configures the standalone mode: in-memory repositories, a SQLite audit
// log under DataDir and MCP tools over stdio or HTTP. Every field is read from a
// LABQC_* environment variable.
type LiteConfig struct {
	DataDir string

	CacheMaxItems int // Levey-Jennings projections kept in memory
	CacheTTL      time.Duration

	AnalytesFile string // JSON array of analyte definitions loaded at start

	Transport string
	HTTPPort  int

	TargetSource    string
	HistoryWindow   int
	MaxStaleRetries int

	LogLevel  string
	LogFormat string
}

// DefaultLiteConfig returns the standalone defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	return &LiteConfig{
		DataDir:         filepath.Join(homeDir, ".labqc"),
		CacheMaxItems:   1000,
		CacheTTL:        24 * time.Hour,
		Transport:       "stdio",
		HTTPPort:        8080,
		TargetSource:    string(domain.TargetFixed),
		HistoryWindow:   12,
		MaxStaleRetries: 3,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// LoadLiteConfig overlays LABQC_* environment variables on the defaults. Empty,
// malformed and non-positive numbers keep the default.
func LoadLiteConfig() *LiteConfig {
	def := DefaultLiteConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return &LiteConfig{
		DataDir:         stringOr(v, "data_dir", def.DataDir),
		CacheMaxItems:   positiveInt(v, "cache_max_items", def.CacheMaxItems),
		CacheTTL:        positiveDuration(v, "cache_ttl", def.CacheTTL),
		AnalytesFile:    v.GetString("analytes_file"),
		Transport:       stringOr(v, "transport", def.Transport),
		HTTPPort:        positiveInt(v, "http_port", def.HTTPPort),
		TargetSource:    stringOr(v, "qc_target_source", def.TargetSource),
		HistoryWindow:   positiveInt(v, "qc_history_window", def.HistoryWindow),
		MaxStaleRetries: positiveInt(v, "qc_max_stale_retries", def.MaxStaleRetries),
		LogLevel:        stringOr(v, "log_level", def.LogLevel),
		LogFormat:       stringOr(v, "log_format", def.LogFormat),
	}
}

func stringOr(v *viper.Viper, key, def string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return def
}

func positiveInt(v *viper.Viper, key string, def int) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return def
}

func positiveDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// AuditDBPath is the SQLite audit database inside DataDir.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ExportDir is where audit exports are written by default.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates DataDir and ExportDir.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0o755)
}

// QCConfig returns the QC evaluation settings.
func (c *LiteConfig) QCConfig() domain.QCConfig {
	return domain.QCConfig{
		TargetSource:    c.TargetSource,
		HistoryWindow:   c.HistoryWindow,
		MaxStaleRetries: c.MaxStaleRetries,
	}
}

// LoggingConfig sends logs to stderr so they never mix with a stdio transport.
func (c *LiteConfig) LoggingConfig() domain.LoggingConfig {
	return domain.LoggingConfig{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Output: "stderr",
	}
}
