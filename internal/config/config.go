// Package config handles configuration loading, validation, and management for scribe.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/forensics"
	"scribe/internal/network"
	"scribe/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete scribe configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Extraction configuration for feature extraction.
	Extraction ExtractionConfig `toml:"extraction" json:"extraction" yaml:"extraction"`

	// Calibration is the reference population and weight set for fingerprints.
	Calibration CalibrationConfig `toml:"calibration" json:"calibration" yaml:"calibration"`

	// Attribution scoring configuration.
	Attribution AttributionConfig `toml:"attribution" json:"attribution" yaml:"attribution"`

	// Anomaly detection configuration.
	Anomaly AnomalyConfig `toml:"anomaly" json:"anomaly" yaml:"anomaly"`

	// Network analysis configuration.
	Network NetworkConfig `toml:"network" json:"network" yaml:"network"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Server configuration for the HTTP API.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Watch configuration for corpus monitoring.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Tracing configuration for span export.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Driver selects the SQLite driver: "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// RecordEvents persists attribution, anomaly and network results.
	RecordEvents bool `toml:"record_events" json:"record_events" yaml:"record_events"`
}

// ExtractionConfig holds feature extraction configuration.
type ExtractionConfig struct {
	// MinChars is the minimum sample length in characters.
	MinChars int `toml:"min_chars" json:"min_chars" yaml:"min_chars"`

	// MinWords is the minimum sample length in words.
	MinWords int `toml:"min_words" json:"min_words" yaml:"min_words"`

	// RhetoricalMarkers replaces the built-in marker lexicon when set.
	RhetoricalMarkers []string `toml:"rhetorical_markers" json:"rhetorical_markers" yaml:"rhetorical_markers"`

	// StripMarkup removes HTML markup before extraction.
	StripMarkup bool `toml:"strip_markup" json:"strip_markup" yaml:"strip_markup"`

	// MaxSampleBytes is the largest sample file read from disk.
	MaxSampleBytes int64 `toml:"max_sample_bytes" json:"max_sample_bytes" yaml:"max_sample_bytes"`

	// CacheSize is the number of fingerprints kept in memory. 0 disables the cache.
	CacheSize int `toml:"cache_size" json:"cache_size" yaml:"cache_size"`
}

// CalibrationConfig describes the active calibration. Bumping Version
// changes the fingerprint version tag; existing profiles become incompatible.
type CalibrationConfig struct {
	Version         int                                `toml:"version" json:"version" yaml:"version"`
	CrossTermWeight float64                            `toml:"cross_term_weight" json:"cross_term_weight" yaml:"cross_term_weight"`
	Reference       map[string]forensics.ReferenceStat `toml:"reference" json:"reference" yaml:"reference"`
	Weights         map[string]float64                 `toml:"weights" json:"weights" yaml:"weights"`
	CrossTerms      []forensics.CrossTerm              `toml:"cross_terms" json:"cross_terms" yaml:"cross_terms"`
}

// AttributionConfig holds attribution scoring configuration.
type AttributionConfig struct {
	SignalWeight      float64 `toml:"signal_weight" json:"signal_weight" yaml:"signal_weight"`
	MetricsWeight     float64 `toml:"metrics_weight" json:"metrics_weight" yaml:"metrics_weight"`
	PunctuationWeight float64 `toml:"punctuation_weight" json:"punctuation_weight" yaml:"punctuation_weight"`
	LexicalWeight     float64 `toml:"lexical_weight" json:"lexical_weight" yaml:"lexical_weight"`
	PassiveWeight     float64 `toml:"passive_weight" json:"passive_weight" yaml:"passive_weight"`

	// Band lower bounds on the 0-100 score.
	BandVeryHigh float64 `toml:"band_very_high" json:"band_very_high" yaml:"band_very_high"`
	BandHigh     float64 `toml:"band_high" json:"band_high" yaml:"band_high"`
	BandModerate float64 `toml:"band_moderate" json:"band_moderate" yaml:"band_moderate"`
	BandLow      float64 `toml:"band_low" json:"band_low" yaml:"band_low"`

	// MaxResults truncates rankings. 0 keeps every candidate.
	MaxResults int `toml:"max_results" json:"max_results" yaml:"max_results"`
}

// AnomalyConfig holds anomaly detection configuration.
type AnomalyConfig struct {
	SentenceLengthThreshold   float64 `toml:"sentence_length_threshold" json:"sentence_length_threshold" yaml:"sentence_length_threshold"`
	VectorShiftThreshold      float64 `toml:"vector_shift_threshold" json:"vector_shift_threshold" yaml:"vector_shift_threshold"`
	LexicalDiversityThreshold float64 `toml:"lexical_diversity_threshold" json:"lexical_diversity_threshold" yaml:"lexical_diversity_threshold"`
	PunctuationThreshold      float64 `toml:"punctuation_threshold" json:"punctuation_threshold" yaml:"punctuation_threshold"`
	PassiveVoiceThreshold     float64 `toml:"passive_voice_threshold" json:"passive_voice_threshold" yaml:"passive_voice_threshold"`

	// GenericThreshold applies to every other metric. 0 disables it.
	GenericThreshold float64 `toml:"generic_threshold" json:"generic_threshold" yaml:"generic_threshold"`

	MinBaselineSamples   int     `toml:"min_baseline_samples" json:"min_baseline_samples" yaml:"min_baseline_samples"`
	MinBreaches          int     `toml:"min_breaches" json:"min_breaches" yaml:"min_breaches"`
	UniformityCV         float64 `toml:"uniformity_cv" json:"uniformity_cv" yaml:"uniformity_cv"`
	MachineConfidenceCap float64 `toml:"machine_confidence_cap" json:"machine_confidence_cap" yaml:"machine_confidence_cap"`
}

// NetworkConfig holds coordinated-account analysis configuration.
type NetworkConfig struct {
	SimilarityThreshold      float64 `toml:"similarity_threshold" json:"similarity_threshold" yaml:"similarity_threshold"`
	CoordinationWindowSec    int     `toml:"coordination_window_sec" json:"coordination_window_sec" yaml:"coordination_window_sec"`
	MinCoordinatedAccounts   int     `toml:"min_coordinated_accounts" json:"min_coordinated_accounts" yaml:"min_coordinated_accounts"`
	BotFarmTemporalThreshold float64 `toml:"bot_farm_temporal_threshold" json:"bot_farm_temporal_threshold" yaml:"bot_farm_temporal_threshold"`

	// Workers bounds parallel fingerprinting and comparison. 0 uses all CPUs.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// MaxAccounts rejects larger requests. 0 means unlimited.
	MaxAccounts int `toml:"max_accounts" json:"max_accounts" yaml:"max_accounts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress enables gzip compression of rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	ReadTimeoutSec  int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// RequestTimeoutSec bounds a single analysis request.
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`

	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`

	// RateLimit is requests per second per client. 0 disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`

	// Metrics exposes Prometheus metrics at /metrics.
	Metrics bool `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// WatchConfig holds corpus watching configuration.
type WatchConfig struct {
	// Paths are corpus roots laid out as <root>/<author>/<sample>.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// IncludePatterns are glob patterns for sample files.
	IncludePatterns []string `toml:"include_patterns" json:"include_patterns" yaml:"include_patterns"`

	// ExcludePatterns are glob patterns for files to skip.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`

	// DebounceMs is how long a file must be quiet before it is ingested.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// InitialScan ingests existing files on start.
	InitialScan bool `toml:"initial_scan" json:"initial_scan" yaml:"initial_scan"`
}

// TracingConfig holds span export configuration.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SampleRatio is the fraction of traces exported, 0 to 1. Requests that
	// arrive with a traceparent header keep the caller's decision.
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`

	// Path is the JSON-lines span file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ScribeDir()
	att := attribution.DefaultConfig()
	an := anomaly.DefaultConfig()
	cal := forensics.DefaultCalibrationSpec()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:          "sqlite",
			Driver:        "sqlite3",
			Path:          filepath.Join(dir, "scribe.db"),
			BusyTimeoutMs: 5000,
			RecordEvents:  true,
		},
		Extraction: ExtractionConfig{
			MinChars:       forensics.DefaultMinChars,
			MinWords:       forensics.DefaultMinWords,
			MaxSampleBytes: 8 << 20,
			CacheSize:      1024,
		},
		Calibration: CalibrationConfig{
			Version:         cal.Version,
			CrossTermWeight: cal.CrossTermWeight,
		},
		Attribution: AttributionConfig{
			SignalWeight:      att.Weights.Signal,
			MetricsWeight:     att.Weights.Metrics,
			PunctuationWeight: att.Weights.Punctuation,
			LexicalWeight:     att.Weights.Lexical,
			PassiveWeight:     att.Weights.Passive,
			BandVeryHigh:      att.Bands.VeryHigh,
			BandHigh:          att.Bands.High,
			BandModerate:      att.Bands.Moderate,
			BandLow:           att.Bands.Low,
		},
		Anomaly: AnomalyConfig{
			SentenceLengthThreshold:   an.Thresholds.SentenceLength,
			VectorShiftThreshold:      an.Thresholds.VectorShift,
			LexicalDiversityThreshold: an.Thresholds.LexicalDiversity,
			PunctuationThreshold:      an.Thresholds.Punctuation,
			PassiveVoiceThreshold:     an.Thresholds.PassiveVoice,
			GenericThreshold:          an.Thresholds.Generic,
			MinBaselineSamples:        an.MinBaselineSamples,
			MinBreaches:               an.MinBreaches,
			UniformityCV:              an.UniformityCV,
			MachineConfidenceCap:      an.MachineConfidenceCap,
		},
		Network: NetworkConfig{
			SimilarityThreshold:      network.DefaultSimilarityThreshold,
			CoordinationWindowSec:    int(network.DefaultCoordinationWindow / time.Second),
			MinCoordinatedAccounts:   network.DefaultMinCoordinatedAccounts,
			BotFarmTemporalThreshold: network.DefaultBotFarmTemporalThreshold,
			MaxAccounts:              5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "scribe.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "audit.jsonl"),
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8750",
			ReadTimeoutSec:    30,
			WriteTimeoutSec:   120,
			RequestTimeoutSec: 60,
			MaxBodyBytes:      16 << 20,
			RateLimit:         20,
			RateBurst:         40,
			Metrics:           true,
		},
		Watch: WatchConfig{
			Paths:           []string{},
			IncludePatterns: DefaultSamplePatterns(),
			ExcludePatterns: DefaultExcludePatterns(),
			DebounceMs:      2000,
			InitialScan:     true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
			Path:        filepath.Join(dir, "traces.jsonl"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the scribe data directory with owner-only
// permissions and the parent directories of every configured file.
func (c *Config) EnsureDirectories() error {
	if err := security.EnsureDataDir(ScribeDir()); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditPath),
		filepath.Dir(expandPath(c.Tracing.Path)),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, security.PermDataDir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ScribeDir returns the base scribe data directory.
// Uses the platform data directory or the SCRIBE_DATA_DIR override.
func ScribeDir() string {
	if envDir := os.Getenv("SCRIBE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SCRIBE_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("SCRIBE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SCRIBE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("SCRIBE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCRIBE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SCRIBE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SCRIBE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SCRIBE_NETWORK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Network.Workers = n
		}
	}
	if v := os.Getenv("SCRIBE_TRACING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("SCRIBE_CALIBRATION_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Calibration.Version = n
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		Storage:     c.Storage,
		Extraction:  c.Extraction,
		Calibration: c.Calibration,
		Attribution: c.Attribution,
		Anomaly:     c.Anomaly,
		Network:     c.Network,
		Logging:     c.Logging,
		Server:      c.Server,
		Watch:       c.Watch,
		Tracing:     c.Tracing,
	}

	clone.Extraction.RhetoricalMarkers = append([]string(nil), c.Extraction.RhetoricalMarkers...)
	clone.Calibration.CrossTerms = append([]forensics.CrossTerm(nil), c.Calibration.CrossTerms...)
	if c.Calibration.Reference != nil {
		clone.Calibration.Reference = make(map[string]forensics.ReferenceStat, len(c.Calibration.Reference))
		for k, v := range c.Calibration.Reference {
			clone.Calibration.Reference[k] = v
		}
	}
	if c.Calibration.Weights != nil {
		clone.Calibration.Weights = make(map[string]float64, len(c.Calibration.Weights))
		for k, v := range c.Calibration.Weights {
			clone.Calibration.Weights[k] = v
		}
	}
	clone.Watch.Paths = append([]string{}, c.Watch.Paths...)
	clone.Watch.IncludePatterns = append([]string{}, c.Watch.IncludePatterns...)
	clone.Watch.ExcludePatterns = append([]string{}, c.Watch.ExcludePatterns...)

	return clone
}

// ExtractorConfig converts the extraction section.
func (c *Config) ExtractorConfig() forensics.ExtractorConfig {
	return forensics.ExtractorConfig{
		MinChars:          c.Extraction.MinChars,
		MinWords:          c.Extraction.MinWords,
		RhetoricalMarkers: append([]string(nil), c.Extraction.RhetoricalMarkers...),
		StripMarkup:       c.Extraction.StripMarkup,
	}
}

// CalibrationSpec converts the calibration section.
func (c *Config) CalibrationSpec() forensics.CalibrationSpec {
	spec := forensics.CalibrationSpec{
		Version:         c.Calibration.Version,
		Reference:       c.Calibration.Reference,
		Weights:         c.Calibration.Weights,
		CrossTerms:      c.Calibration.CrossTerms,
		CrossTermWeight: c.Calibration.CrossTermWeight,
	}
	if len(spec.CrossTerms) == 0 {
		spec.CrossTerms = append([]forensics.CrossTerm(nil), forensics.DefaultCrossTerms...)
	}
	return spec
}

// AttributionEngineConfig converts the attribution section. The calibration
// is attached by the caller.
func (c *Config) AttributionEngineConfig() attribution.Config {
	a := c.Attribution
	return attribution.Config{
		Weights: attribution.Weights{
			Signal:      a.SignalWeight,
			Metrics:     a.MetricsWeight,
			Punctuation: a.PunctuationWeight,
			Lexical:     a.LexicalWeight,
			Passive:     a.PassiveWeight,
		},
		Bands: attribution.Bands{
			VeryHigh: a.BandVeryHigh,
			High:     a.BandHigh,
			Moderate: a.BandModerate,
			Low:      a.BandLow,
		},
		MaxResults: a.MaxResults,
	}
}

// AnomalyDetectorConfig converts the anomaly section. The calibration is
// attached by the caller.
func (c *Config) AnomalyDetectorConfig() anomaly.Config {
	a := c.Anomaly
	return anomaly.Config{
		Thresholds: anomaly.Thresholds{
			SentenceLength:   a.SentenceLengthThreshold,
			VectorShift:      a.VectorShiftThreshold,
			LexicalDiversity: a.LexicalDiversityThreshold,
			Punctuation:      a.PunctuationThreshold,
			PassiveVoice:     a.PassiveVoiceThreshold,
			Generic:          a.GenericThreshold,
		},
		MinBaselineSamples:   a.MinBaselineSamples,
		MinBreaches:          a.MinBreaches,
		UniformityCV:         a.UniformityCV,
		MachineConfidenceCap: a.MachineConfidenceCap,
	}
}

// NetworkAnalyzerConfig converts the network section.
func (c *Config) NetworkAnalyzerConfig() network.Config {
	n := c.Network
	cfg := network.Config{
		SimilarityThreshold:      n.SimilarityThreshold,
		CoordinationWindow:       time.Duration(n.CoordinationWindowSec) * time.Second,
		MinCoordinatedAccounts:   n.MinCoordinatedAccounts,
		BotFarmTemporalThreshold: n.BotFarmTemporalThreshold,
		Workers:                  n.Workers,
	}
	if cfg.Workers <= 0 {
		cfg.Workers = network.DefaultConfig().Workers
	}
	return cfg
}

// Interval returns the watcher debounce interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// DatabasePath returns the storage path.
func (c *Config) DatabasePath() string {
	return c.Storage.Path
}

// encodeTOML renders cfg with the BurntSushi encoder.
func encodeTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
