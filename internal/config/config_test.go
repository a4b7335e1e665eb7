package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/forensics"
	"scribe/internal/network"
)

// isolate points every platform directory at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCRIBE_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("SCRIBE_CONFIG_DIR", filepath.Join(dir, "config"))
	return dir
}

func TestDefaultConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Interval() != 2*time.Second {
		t.Errorf("expected interval 2s, got %v", cfg.Interval())
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "scribe.db") {
		t.Errorf("unexpected database path: %s", cfg.DatabasePath())
	}
	if cfg.Storage.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %s", cfg.Storage.Driver)
	}
	if len(cfg.Watch.Paths) != 0 {
		t.Errorf("expected no watch paths, got %v", cfg.Watch.Paths)
	}
}

func TestScribeDirOverride(t *testing.T) {
	dir := isolate(t)
	if got := ScribeDir(); got != filepath.Join(dir, "data") {
		t.Errorf("ScribeDir = %s", got)
	}
	if !strings.HasPrefix(DefaultConfig().Storage.Path, filepath.Join(dir, "data")) {
		t.Errorf("storage path ignores SCRIBE_DATA_DIR: %s", DefaultConfig().Storage.Path)
	}
}

func TestScribeDirDefault(t *testing.T) {
	t.Setenv("SCRIBE_DATA_DIR", "")
	if filepath.Base(ScribeDir()) != AppName {
		t.Errorf("expected dir ending with %s, got %s", AppName, ScribeDir())
	}
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)
	path := ConfigPath()
	if path != filepath.Join(dir, "config", "config.toml") {
		t.Errorf("unexpected config path %s", path)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := isolate(t)
	if got := FindConfigFile(); got != ConfigPath() {
		t.Errorf("expected default path without files, got %s", got)
	}

	cfgDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(cfgDir, 0700); err != nil {
		t.Fatal(err)
	}
	yamlPath := filepath.Join(cfgDir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("version: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != yamlPath {
		t.Errorf("expected %s, got %s", yamlPath, got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	dir := isolate(t)
	cfg, err := Load(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.SimilarityThreshold != network.DefaultSimilarityThreshold {
		t.Errorf("expected defaults, got threshold %v", cfg.Network.SimilarityThreshold)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := isolate(t)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
version = 1

[network]
similarity_threshold = 0.9
workers = 3

[calibration.weights]
avg_sentence_length = 2.0
`,
		},
		{
			name: "json",
			file: "config.json",
			content: `{
  "version": 1,
  "network": {"similarity_threshold": 0.9, "workers": 3},
  "calibration": {"weights": {"avg_sentence_length": 2.0}}
}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
version: 1
network:
  similarity_threshold: 0.9
  workers: 3
calibration:
  weights:
    avg_sentence_length: 2.0
`,
		},
		{
			name: "unknown extension parsed as toml",
			file: "scribe.conf",
			content: `
[network]
similarity_threshold = 0.9
workers = 3

[calibration.weights]
avg_sentence_length = 2.0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Network.SimilarityThreshold != 0.9 {
				t.Errorf("similarity threshold = %v", cfg.Network.SimilarityThreshold)
			}
			if cfg.Network.Workers != 3 {
				t.Errorf("workers = %d", cfg.Network.Workers)
			}
			if cfg.Calibration.Weights[forensics.MetricAvgSentenceLength] != 2.0 {
				t.Errorf("weights = %v", cfg.Calibration.Weights)
			}
			// Unset keys keep their defaults.
			if cfg.Anomaly.MinBreaches != anomaly.DefaultMinBreaches {
				t.Errorf("min breaches = %d", cfg.Anomaly.MinBreaches)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[network\nsimilarity_threshold = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SCRIBE_STORAGE_PATH", "/tmp/other.db")
	t.Setenv("SCRIBE_STORAGE_DRIVER", "sqlite")
	t.Setenv("SCRIBE_LOG_LEVEL", "debug")
	t.Setenv("SCRIBE_SERVER_ADDR", "0.0.0.0:9000")
	t.Setenv("SCRIBE_NETWORK_WORKERS", "7")
	t.Setenv("SCRIBE_CALIBRATION_VERSION", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Storage.Path != "/tmp/other.db" {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %s", cfg.Storage.Driver)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Network.Workers != 7 {
		t.Errorf("workers = %d", cfg.Network.Workers)
	}
	if cfg.Calibration.Version != 1 {
		t.Errorf("unparsable override should be ignored, got version %d", cfg.Calibration.Version)
	}
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"bad storage type", func(c *Config) { c.Storage.Type = "postgres" }, "storage.type"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "pgx" }, "storage.driver"},
		{"missing db path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"min words", func(c *Config) { c.Extraction.MinWords = 0 }, "extraction.min_words"},
		{"empty marker", func(c *Config) { c.Extraction.RhetoricalMarkers = []string{"of course", " "} }, "extraction.rhetorical_markers[1]"},
		{"unknown calibration metric", func(c *Config) { c.Calibration.Weights = map[string]float64{"nope": 1} }, "calibration"},
		{"calibration version", func(c *Config) { c.Calibration.Version = 0 }, "calibration"},
		{"zero attribution weights", func(c *Config) {
			c.Attribution.SignalWeight, c.Attribution.MetricsWeight = 0, 0
			c.Attribution.PunctuationWeight, c.Attribution.LexicalWeight, c.Attribution.PassiveWeight = 0, 0, 0
		}, "attribution"},
		{"unordered bands", func(c *Config) { c.Attribution.BandHigh = 95 }, "attribution"},
		{"anomaly threshold", func(c *Config) { c.Anomaly.VectorShiftThreshold = 0 }, "anomaly"},
		{"network threshold", func(c *Config) { c.Network.SimilarityThreshold = 1 }, "network"},
		{"network workers", func(c *Config) { c.Network.Workers = -1 }, "network.workers"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"server addr", func(c *Config) { c.Server.Addr = "nonsense" }, "server.addr"},
		{"rate burst", func(c *Config) { c.Server.RateBurst = 0 }, "server.rate_burst"},
		{"debounce", func(c *Config) { c.Watch.DebounceMs = 10 }, "watch.debounce_ms"},
		{"glob", func(c *Config) { c.Watch.IncludePatterns = []string{"[a-"} }, "watch.include_patterns[0]"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"trace path", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Path = "" }, "tracing.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if !verrs.Has(tt.field) {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestMemoryStorageNeedsNoPath(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Storage.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory storage should not need a path: %v", err)
	}
}

func TestConversions(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()

	if got := cfg.AttributionEngineConfig(); !reflect.DeepEqual(got, attribution.DefaultConfig()) {
		t.Errorf("attribution config = %+v", got)
	}
	if got := cfg.AnomalyDetectorConfig(); !reflect.DeepEqual(got, anomaly.DefaultConfig()) {
		t.Errorf("anomaly config = %+v", got)
	}
	if got := cfg.NetworkAnalyzerConfig(); !reflect.DeepEqual(got, network.DefaultConfig()) {
		t.Errorf("network config = %+v", got)
	}

	cal, err := forensics.NewCalibration(cfg.CalibrationSpec())
	if err != nil {
		t.Fatalf("NewCalibration: %v", err)
	}
	if cal.Tag() != forensics.DefaultCalibration().Tag() {
		t.Errorf("calibration tag %s, want %s", cal.Tag(), forensics.DefaultCalibration().Tag())
	}

	ext := cfg.ExtractorConfig()
	if ext.MinChars != forensics.DefaultMinChars || ext.MinWords != forensics.DefaultMinWords {
		t.Errorf("extractor config = %+v", ext)
	}
}

func TestClone(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Watch.Paths = []string{"/corpus"}
	cfg.Calibration.Weights = map[string]float64{forensics.MetricAvgWordLength: 0.5}

	clone := cfg.Clone()
	clone.Watch.Paths[0] = "/elsewhere"
	clone.Calibration.Weights[forensics.MetricAvgWordLength] = 3

	if cfg.Watch.Paths[0] != "/corpus" {
		t.Error("clone shares watch paths")
	}
	if cfg.Calibration.Weights[forensics.MetricAvgWordLength] != 0.5 {
		t.Error("clone shares calibration weights")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := isolate(t)

	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Network.SimilarityThreshold = 0.91
			cfg.Watch.Paths = []string{"/corpus/a", "/corpus/b"}
			cfg.Calibration.Version = 2
			cfg.Calibration.Reference = map[string]forensics.ReferenceStat{
				forensics.MetricAvgSentenceLength: {Mean: 20, StdDev: 5},
			}

			path := filepath.Join(dir, "saved"+ext)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("config permissions %o", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Network.SimilarityThreshold != 0.91 {
				t.Errorf("similarity threshold = %v", loaded.Network.SimilarityThreshold)
			}
			if !reflect.DeepEqual(loaded.Watch.Paths, cfg.Watch.Paths) {
				t.Errorf("watch paths = %v", loaded.Watch.Paths)
			}
			if loaded.Calibration.Version != 2 {
				t.Errorf("calibration version = %d", loaded.Calibration.Version)
			}
			if got := loaded.Calibration.Reference[forensics.MetricAvgSentenceLength]; got.Mean != 20 || got.StdDev != 5 {
				t.Errorf("reference = %+v", got)
			}
			if err := loaded.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "db", "scribe.db")
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "scribe.log")
	cfg.Logging.AuditPath = ""

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, sub := range []string{"data", "db", "logs"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", sub, err)
		}
	}
}

func TestLoaderWatchReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan *Config, 4)
	loader.OnChange(func(prev, next *Config) {
		if prev == nil {
			t.Error("callback received nil previous config")
		}
		changed <- next
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.Close()

	updated := DefaultConfig()
	updated.Anomaly.MinBreaches = 3
	if err := SaveConfig(updated, path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Anomaly.MinBreaches != 3 {
			t.Errorf("reloaded min breaches = %d", cfg.Anomaly.MinBreaches)
		}
		if loader.Config().Anomaly.MinBreaches != 3 {
			t.Error("loader did not swap config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	bad := DefaultConfig()
	bad.Network.SimilarityThreshold = 5
	if err := SaveConfig(bad, path); err != nil {
		t.Fatal(err)
	}
	if err := loader.Reload(); err == nil {
		t.Fatal("expected validation error")
	}
	if loader.Config().Network.SimilarityThreshold != network.DefaultSimilarityThreshold {
		t.Error("invalid reload replaced the active config")
	}
	if err := loader.Close(); err != nil {
		t.Errorf("Close without Watch: %v", err)
	}
	if err := loader.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
