package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"scribe/internal/forensics"
)

// ValidationError is one problem with one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// RequiredFieldError reports a missing value.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError reports a value outside [lo, hi].
func RangeError(field string, lo, hi any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", lo, hi)}
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) addf(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) add(err *ValidationError) {
	v.errs = append(v.errs, *err)
}

// check records err under field when err is non-nil.
func (v *validator) check(field string, err error) {
	if err != nil {
		v.addf(field, "%v", err)
	}
}

func (v *validator) nonNegative(field string, n int) {
	if n < 0 {
		v.addf(field, "cannot be negative")
	}
}

func (v *validator) oneOf(field, value string, valid ...string) bool {
	for _, ok := range valid {
		if value == ok {
			return true
		}
	}
	v.addf(field, "invalid value %q (valid: %s)", value, strings.Join(valid, ", "))
	return false
}

// ValidateConfig checks every section and returns ValidationErrors when
// anything is wrong.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var v validator
	if c.Version < 1 || c.Version > Version {
		v.addf("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	v.storage(&c.Storage)
	v.extraction(&c.Extraction)

	// The engine-side configs validate themselves; their messages already
	// name the offending setting.
	_, err := forensics.NewCalibration(c.CalibrationSpec())
	v.check("calibration", err)
	v.check("attribution", c.AttributionEngineConfig().Validate())
	v.check("anomaly", c.AnomalyDetectorConfig().Validate())
	v.check("network", c.NetworkAnalyzerConfig().Validate())
	v.nonNegative("network.workers", c.Network.Workers)
	v.nonNegative("network.max_accounts", c.Network.MaxAccounts)

	v.logging(&c.Logging)
	v.server(&c.Server)
	v.watch(&c.Watch)
	v.tracing(&c.Tracing)

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}

func (v *validator) storage(s *StorageConfig) {
	if v.oneOf("storage.type", s.Type, "sqlite", "memory") && s.Type == "sqlite" {
		if s.Path == "" {
			v.add(RequiredFieldError("storage.path"))
		}
		v.oneOf("storage.driver", s.Driver, "sqlite3", "sqlite")
	}
	v.nonNegative("storage.busy_timeout_ms", s.BusyTimeoutMs)
}

func (v *validator) extraction(e *ExtractionConfig) {
	if e.MinChars < 1 {
		v.add(RangeError("extraction.min_chars", 1, "unbounded"))
	}
	if e.MinWords < 1 {
		v.add(RangeError("extraction.min_words", 1, "unbounded"))
	}
	if e.MaxSampleBytes < 0 {
		v.addf("extraction.max_sample_bytes", "cannot be negative")
	}
	v.nonNegative("extraction.cache_size", e.CacheSize)
	for i, m := range e.RhetoricalMarkers {
		if strings.TrimSpace(m) == "" {
			v.addf(fmt.Sprintf("extraction.rhetorical_markers[%d]", i), "marker cannot be empty")
		}
	}
}

func (v *validator) logging(l *LoggingConfig) {
	v.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	v.oneOf("logging.format", l.Format, "text", "json")
	if v.oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both") &&
		(l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		v.addf("logging.file_path", "required when output includes a file")
	}
	if l.MaxSizeMB < 1 {
		v.addf("logging.max_size_mb", "must be at least 1 MB")
	}
	v.nonNegative("logging.max_backups", l.MaxBackups)
	v.nonNegative("logging.max_age_days", l.MaxAgeDays)
}

func (v *validator) server(s *ServerConfig) {
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		v.addf("server.addr", "invalid listen address %q: %v", s.Addr, err)
	}
	if s.ReadTimeoutSec < 0 || s.WriteTimeoutSec < 0 || s.RequestTimeoutSec < 0 {
		v.addf("server", "timeouts cannot be negative")
	}
	if s.MaxBodyBytes < 1 {
		v.add(RangeError("server.max_body_bytes", 1, "unbounded"))
	}
	if s.RateLimit < 0 {
		v.addf("server.rate_limit", "cannot be negative")
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		v.addf("server.rate_burst", "must be at least 1 when rate limiting is enabled")
	}
}

func (v *validator) watch(w *WatchConfig) {
	for i, p := range w.Paths {
		if expandPath(p) == "" {
			v.addf(fmt.Sprintf("watch.paths[%d]", i), "path cannot be empty")
		}
	}
	if w.DebounceMs < 100 || w.DebounceMs > 60000 {
		v.add(RangeError("watch.debounce_ms", 100, 60000))
	}
	globs := func(field string, patterns []string) {
		for i, p := range patterns {
			if _, err := filepath.Match(p, ""); p == "" || err != nil {
				v.addf(fmt.Sprintf("%s[%d]", field, i), "invalid glob pattern %q", p)
			}
		}
	}
	globs("watch.include_patterns", w.IncludePatterns)
	globs("watch.exclude_patterns", w.ExcludePatterns)
}

func (v *validator) tracing(t *TracingConfig) {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		v.add(RangeError("tracing.sample_ratio", 0, 1))
	}
	if t.Enabled && expandPath(t.Path) == "" {
		v.add(RequiredFieldError("tracing.path"))
	}
}

// ExpandPath trims p and expands a leading ~/ to the home directory.
func ExpandPath(p string) string {
	return expandPath(p)
}

func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "~/") {
		if home := homeDir(); home != "" {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
