// Package engine ties extraction, profiles, attribution, anomaly detection
// and network analysis to storage, metrics and the audit log. The CLI, the
// HTTP API and the corpus watcher all drive scribe through an Engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/config"
	"scribe/internal/forensics"
	"scribe/internal/health"
	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/security"
	"scribe/internal/store"
	"scribe/internal/tracing"
)

// Options configures an Engine.
type Options struct {
	// Store persists profiles and derived records. Nil keeps profiles in
	// memory and records nothing.
	Store *store.Store

	Logger    *slog.Logger
	Audit     *logging.AuditLogger
	Metrics   *metrics.Metrics
	Tracer    *tracing.Tracer
	Tokenizer forensics.Tokenizer
}

// pipeline is everything derived from one configuration. It is replaced
// as a whole when the configuration changes.
type pipeline struct {
	cfg         *config.Config
	cal         *forensics.Calibration
	extractor   *forensics.Extractor
	builder     *forensics.Builder
	attribution *attribution.Engine
	anomaly     *anomaly.Detector
	network     *network.Analyzer
	cache       *lru.Cache[string, *forensics.Fingerprint]
	cacheSize   int
}

// Engine is safe for concurrent use.
type Engine struct {
	store    *store.Store
	profiles *profile.Store
	metrics  *metrics.Metrics
	audit    *logging.AuditLogger
	logger   *slog.Logger
	tracer   *tracing.Tracer
	tok      forensics.Tokenizer

	current atomic.Pointer[pipeline]
	mu      sync.Mutex // serializes ApplyConfig
}

// IngestResult is the outcome of adding one sample to a baseline. Anomaly
// is nil when the sample matched the prior baseline or no baseline existed.
type IngestResult struct {
	AuthorID    string                 `json:"author_id"`
	Source      string                 `json:"source,omitempty"`
	Fingerprint *forensics.Fingerprint `json:"fingerprint"`
	Anomaly     *anomaly.Report        `json:"anomaly,omitempty"`
	Profile     *profile.Profile       `json:"profile"`
	Duplicate   bool                   `json:"duplicate,omitempty"`
}

// BatchFailure is a batch sample that could not be ingested.
type BatchFailure struct {
	Index    int    `json:"index"`
	AuthorID string `json:"author_id"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error"`
}

// BatchResult is the outcome of IngestBatch.
type BatchResult struct {
	Ingested []*IngestResult `json:"ingested"`
	Failed   []BatchFailure  `json:"failed"`
}

// New creates an engine from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:   opts.Store,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		logger:  logger.With("component", "engine"),
		tracer:  opts.Tracer,
		tok:     opts.Tokenizer,
	}
	var persist profile.Persistence
	if opts.Store != nil {
		persist = opts.Store
	}
	e.profiles = profile.NewStore(persist)

	p, err := e.build(cfg, nil)
	if err != nil {
		return nil, err
	}
	e.current.Store(p)
	e.metrics.SetCalibrationVersion(p.cal.Version())
	e.snapshotCalibration(context.Background(), p.cal)
	return e, nil
}

// build derives a pipeline from cfg. The fingerprint cache of prev is
// reused when the tag and cache size are unchanged.
func (e *Engine) build(cfg *config.Config, prev *pipeline) (*pipeline, error) {
	base, err := forensics.NewCalibration(cfg.CalibrationSpec())
	if err != nil {
		return nil, fmt.Errorf("build calibration: %w", err)
	}
	extractor := forensics.NewExtractor(cfg.ExtractorConfig(), e.tok)
	cal := base.WithExtraction(extractor)

	acfg := cfg.AttributionEngineConfig()
	acfg.Calibration = cal
	if err := acfg.Validate(); err != nil {
		return nil, fmt.Errorf("attribution config: %w", err)
	}
	dcfg := cfg.AnomalyDetectorConfig()
	dcfg.Calibration = cal
	if err := dcfg.Validate(); err != nil {
		return nil, fmt.Errorf("anomaly config: %w", err)
	}
	ncfg := cfg.NetworkAnalyzerConfig()
	if err := ncfg.Validate(); err != nil {
		return nil, fmt.Errorf("network config: %w", err)
	}

	p := &pipeline{
		cfg:         cfg,
		cal:         cal,
		extractor:   extractor,
		builder:     forensics.NewBuilder(cal),
		attribution: attribution.NewWithConfig(e.profiles, acfg, e.logger),
		anomaly:     anomaly.NewDetectorWithConfig(e.profiles, dcfg, e.logger),
		cacheSize:   cfg.Extraction.CacheSize,
	}
	p.network = network.NewAnalyzerWithConfig(func(ctx context.Context, text string) (*forensics.Fingerprint, error) {
		return e.extract(ctx, p, text, forensics.ExtractOptions{})
	}, ncfg, e.logger)

	switch {
	case p.cacheSize <= 0:
	case prev != nil && prev.cache != nil && prev.cacheSize == p.cacheSize && prev.cal.Tag() == cal.Tag():
		p.cache = prev.cache
	default:
		c, err := lru.New[string, *forensics.Fingerprint](p.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create fingerprint cache: %w", err)
		}
		p.cache = c
	}
	return p, nil
}

// Config returns the active configuration. Callers must not modify it.
func (e *Engine) Config() *config.Config { return e.current.Load().cfg }

// Calibration returns the active calibration.
func (e *Engine) Calibration() *forensics.Calibration { return e.current.Load().cal }

// Store returns the backing store, or nil for an in-memory engine.
func (e *Engine) Store() *store.Store { return e.store }

// ApplyConfig installs a new configuration. Fingerprints extracted under a
// previous calibration stay valid but become incompatible with profiles
// built under the new one. Storage settings only take effect on restart.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.current.Load()
	next, err := e.build(cfg, prev)
	if err != nil {
		return err
	}
	e.current.Store(next)

	ps, ns := prev.cfg.Storage, cfg.Storage
	if ps.Type != ns.Type || ps.Driver != ns.Driver || ps.Path != ns.Path {
		e.logger.Warn("storage settings changed; restart to apply")
	}
	if prev.cal.Tag() != next.cal.Tag() {
		e.logger.Info("calibration changed", "from", prev.cal.Tag(), "to", next.cal.Tag())
		e.metrics.SetCalibrationVersion(next.cal.Version())
		e.snapshotCalibration(ctx, next.cal)
		e.audit.LogConfigChange(ctx, "calibration", prev.cal.Tag(), next.cal.Tag())
	} else {
		e.audit.LogConfigChange(ctx, "config", "", "reloaded")
	}
	return nil
}

func (e *Engine) snapshotCalibration(ctx context.Context, cal *forensics.Calibration) {
	if e.store == nil {
		return
	}
	if snaps, err := e.store.Calibrations(ctx); err == nil {
		for _, snap := range snaps {
			if snap.Version == cal.Version() && snap.Tag != cal.Tag() {
				e.logger.Warn("calibration settings changed without a version bump",
					"version", cal.Version(), "recorded", snap.Tag, "active", cal.Tag())
			}
		}
	}
	if e.store.ReadOnly() {
		return
	}
	spec, err := json.Marshal(cal.Spec())
	if err != nil {
		e.logger.Warn("encode calibration", "error", err)
		return
	}
	if err := e.store.RecordCalibration(ctx, cal.Version(), cal.Tag(), spec, time.Now().UTC()); err != nil {
		e.logger.Warn("record calibration", "tag", cal.Tag(), "error", err)
	}
}

// =============================================================================
// Extraction
// =============================================================================

// ExtractFingerprint fingerprints text under the active calibration.
func (e *Engine) ExtractFingerprint(ctx context.Context, text string, opts forensics.ExtractOptions) (*forensics.Fingerprint, error) {
	ctx, span := e.tracer.Start(ctx, "engine.extract")
	defer span.End()
	fp, err := e.extract(ctx, e.current.Load(), text, opts)
	if err != nil {
		return nil, e.fail(ctx, "fingerprint", err)
	}
	return fp, nil
}

// ExtractFile fingerprints the file at path. HTML files are reduced to
// their text first.
func (e *Engine) ExtractFile(ctx context.Context, path string, opts forensics.ExtractOptions) (*forensics.Fingerprint, error) {
	text, err := e.readSample(path)
	if err != nil {
		return nil, err
	}
	return e.ExtractFingerprint(ctx, text, opts)
}

// ExtractSegmented fingerprints text an external tokenizer has already
// split into sentences and words. Results are not cached.
func (e *Engine) ExtractSegmented(ctx context.Context, seg forensics.Segmented, opts forensics.ExtractOptions) (*forensics.Fingerprint, error) {
	ctx, span := e.tracer.Start(ctx, "engine.extract")
	defer span.End()
	span.SetAttribute("segmented", true)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := e.current.Load()
	t := metrics.StartTimer()
	feat, err := p.extractor.ExtractSegmented(seg, opts)
	if err != nil {
		e.metrics.RecordFingerprint(extractResult(err), 0)
		return nil, e.fail(ctx, "fingerprint", err)
	}
	fp := p.builder.Build(feat)
	e.metrics.RecordFingerprint(metrics.ResultOK, t.Elapsed())
	return fp, nil
}

func (e *Engine) extract(ctx context.Context, p *pipeline, text string, opts forensics.ExtractOptions) (*forensics.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key string
	if p.cache != nil {
		key = p.cal.Tag() + "/" + forensics.Digest(text) + "/" + strconv.FormatBool(opts.AllowShortSample)
		if fp, ok := p.cache.Get(key); ok {
			return fp.WithAuthor(""), nil
		}
	}

	t := metrics.StartTimer()
	feat, err := p.extractor.Extract(text, opts)
	if err != nil {
		e.metrics.RecordFingerprint(extractResult(err), 0)
		return nil, err
	}
	fp := p.builder.Build(feat)
	e.metrics.RecordFingerprint(metrics.ResultOK, t.Elapsed())

	if p.cache != nil {
		p.cache.Add(key, fp)
	}
	return fp.WithAuthor(""), nil
}

func extractResult(err error) string {
	switch {
	case errors.Is(err, forensics.ErrInsufficientSample):
		return metrics.ResultInsufficient
	case errors.Is(err, forensics.ErrInvalidInput):
		return metrics.ResultInvalid
	default:
		return metrics.ResultError
	}
}

func (e *Engine) readSample(path string) (string, error) {
	data, err := security.ReadSample(path, e.Config().Extraction.MaxSampleBytes)
	if err != nil {
		if errors.Is(err, security.ErrFileTooLarge) {
			return "", &forensics.InvalidInputError{Reason: err.Error()}
		}
		return "", fmt.Errorf("read sample: %w", err)
	}
	text := string(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		if !e.Config().Extraction.StripMarkup {
			text = forensics.StripMarkup(text)
		}
	}
	return text, nil
}

// =============================================================================
// Attribution and anomaly detection
// =============================================================================

// Attribute ranks candidate profiles for fp. A nil candidates slice ranks
// every stored profile.
func (e *Engine) Attribute(ctx context.Context, fp *forensics.Fingerprint, candidates []string) (*attribution.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.attribute")
	defer span.End()
	if candidates != nil {
		span.SetAttribute("candidates", len(candidates))
	}
	p := e.current.Load()
	t := metrics.StartTimer()
	res, err := p.attribution.Attribute(ctx, fp, candidates)
	if err != nil {
		return nil, e.fail(ctx, "attribute", err)
	}
	e.metrics.RecordAttribution(t.Elapsed())

	if e.recording(p) {
		if err := e.store.RecordAttribution(ctx, res); err != nil {
			e.recordFailed(ctx, "record_attribution", err)
		}
	}
	e.audit.LogAttribution(ctx, res)
	return res, nil
}

// AttributeText fingerprints text and attributes it.
func (e *Engine) AttributeText(ctx context.Context, text string, candidates []string, opts forensics.ExtractOptions) (*attribution.Result, error) {
	fp, err := e.ExtractFingerprint(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return e.Attribute(ctx, fp, candidates)
}

// DetectAnomaly compares fp with the author's baseline. It returns nil
// when the author has no usable baseline or nothing deviates.
func (e *Engine) DetectAnomaly(ctx context.Context, authorID string, fp *forensics.Fingerprint) (*anomaly.Report, error) {
	ctx, span := e.tracer.Start(ctx, "engine.detect_anomaly")
	defer span.End()
	span.SetAttribute("author", authorID)
	if err := validateAuthor(authorID); err != nil {
		return nil, err
	}
	p := e.current.Load()
	rep, err := p.anomaly.Detect(ctx, authorID, fp)
	if err != nil {
		return nil, e.fail(ctx, "detect_anomaly", err)
	}
	e.reportAnomaly(ctx, p, rep)
	return rep, nil
}

// DetectAnomalyText fingerprints text and checks it against the author's
// baseline.
func (e *Engine) DetectAnomalyText(ctx context.Context, authorID, text string, opts forensics.ExtractOptions) (*forensics.Fingerprint, *anomaly.Report, error) {
	fp, err := e.ExtractFingerprint(ctx, text, opts)
	if err != nil {
		return nil, nil, err
	}
	rep, err := e.DetectAnomaly(ctx, authorID, fp)
	if err != nil {
		return nil, nil, err
	}
	return fp, rep, nil
}

func (e *Engine) reportAnomaly(ctx context.Context, p *pipeline, rep *anomaly.Report) {
	if rep == nil {
		return
	}
	e.metrics.RecordAnomaly(string(rep.Classification))
	if e.recording(p) {
		if err := e.store.RecordAnomaly(ctx, rep); err != nil {
			e.recordFailed(ctx, "record_anomaly", err)
		}
	}
	e.audit.LogAnomaly(ctx, rep)
}

// =============================================================================
// Network analysis
// =============================================================================

// AnalyzeNetwork clusters accounts by writing style and posting times.
func (e *Engine) AnalyzeNetwork(ctx context.Context, accounts []network.Account) (*network.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.analyze_network")
	defer span.End()
	span.SetAttribute("accounts", len(accounts))
	p := e.current.Load()
	if limit := p.cfg.Network.MaxAccounts; limit > 0 && len(accounts) > limit {
		return nil, e.fail(ctx, "analyze_network", &forensics.InvalidInputError{
			Reason: fmt.Sprintf("%d accounts exceeds limit %d", len(accounts), limit),
		})
	}
	for _, a := range accounts {
		if err := validateAuthor(a.ID); err != nil {
			return nil, e.fail(ctx, "analyze_network", err)
		}
	}

	t := metrics.StartTimer()
	res, err := p.network.Analyze(ctx, accounts)
	if err != nil {
		return nil, e.fail(ctx, "analyze_network", err)
	}
	e.metrics.RecordNetwork(t.Elapsed(), res.Pairs)

	if e.recording(p) {
		if err := e.store.RecordNetwork(ctx, res); err != nil {
			e.recordFailed(ctx, "record_network", err)
		}
	}
	e.audit.LogNetwork(ctx, res)
	return res, nil
}

// =============================================================================
// Ingestion
// =============================================================================

// Ingest fingerprints text, checks it against the author's current
// baseline and then folds it into that baseline. A sample already in a
// persistent baseline is reported as a duplicate and not added again.
func (e *Engine) Ingest(ctx context.Context, authorID, text, source string, opts forensics.ExtractOptions) (*IngestResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ingest")
	defer span.End()
	span.SetAttribute("author", authorID)
	if err := validateAuthor(authorID); err != nil {
		return nil, err
	}
	p := e.current.Load()
	fp, err := e.extract(ctx, p, text, opts)
	if err != nil {
		return nil, e.fail(ctx, "ingest", err)
	}
	res := &IngestResult{AuthorID: authorID, Source: source, Fingerprint: fp.WithAuthor(authorID)}

	if e.store != nil {
		dup, err := e.store.HasSample(ctx, authorID, fp.ID)
		if err != nil {
			return nil, e.fail(ctx, "ingest", err)
		}
		if dup {
			res.Duplicate = true
			res.Profile, err = e.profiles.Get(ctx, authorID)
			if err != nil {
				return nil, e.fail(ctx, "ingest", err)
			}
			e.logger.Debug("duplicate sample skipped", "author", authorID, "fingerprint", fp.ID, "source", source)
			return res, nil
		}
	}

	rep, err := p.anomaly.Detect(ctx, authorID, fp)
	if err != nil {
		return nil, e.fail(ctx, "ingest", err)
	}
	prof, err := e.profiles.Upsert(ctx, authorID, fp)
	if err != nil {
		return nil, e.fail(ctx, "ingest", err)
	}
	res.Anomaly = rep
	res.Profile = prof

	e.metrics.RecordProfileUpdate()
	e.audit.LogProfileUpdate(ctx, prof, fp.ID)
	e.reportAnomaly(ctx, p, rep)

	e.logger.Info("sample ingested",
		"author", authorID, "source", source, "samples", prof.SampleCount, "anomaly", rep != nil)
	return res, nil
}

// IngestFile ingests the file at path for authorID.
func (e *Engine) IngestFile(ctx context.Context, authorID, path string, opts forensics.ExtractOptions) (*IngestResult, error) {
	text, err := e.readSample(path)
	if err != nil {
		return nil, err
	}
	return e.Ingest(ctx, authorID, text, path, opts)
}

// IngestBatch ingests samples in order. Rejected samples are collected in
// Failed; storage and context errors abort the batch.
func (e *Engine) IngestBatch(ctx context.Context, samples []BatchSample, opts forensics.ExtractOptions) (*BatchResult, error) {
	out := &BatchResult{Ingested: []*IngestResult{}, Failed: []BatchFailure{}}
	for i, s := range samples {
		res, err := e.Ingest(ctx, s.AuthorID, s.Text, s.Source, opts)
		if err != nil {
			if !isClientError(err) {
				return nil, fmt.Errorf("ingest sample %d: %w", i, err)
			}
			out.Failed = append(out.Failed, BatchFailure{Index: i, AuthorID: s.AuthorID, Source: s.Source, Error: err.Error()})
			continue
		}
		out.Ingested = append(out.Ingested, res)
	}
	return out, nil
}

// BatchSample is one sample of IngestBatch.
type BatchSample struct {
	AuthorID string
	Text     string
	Source   string
}

// =============================================================================
// Profiles and history
// =============================================================================

// Profile returns the author's baseline.
func (e *Engine) Profile(ctx context.Context, authorID string) (*profile.Profile, error) {
	if err := validateAuthor(authorID); err != nil {
		return nil, err
	}
	return e.profiles.Get(ctx, authorID)
}

// Profiles returns every baseline ordered by author id.
func (e *Engine) Profiles(ctx context.Context) ([]*profile.Profile, error) {
	return e.profiles.List(ctx)
}

// DeleteProfile removes the author's baseline and sample log.
func (e *Engine) DeleteProfile(ctx context.Context, authorID string) error {
	if err := validateAuthor(authorID); err != nil {
		return err
	}
	if err := e.profiles.Delete(ctx, authorID); err != nil {
		return e.fail(ctx, "delete_profile", err)
	}
	e.logger.Info("profile deleted", "author", authorID)
	e.audit.LogProfileDelete(ctx, authorID)
	return nil
}

// Samples returns the author's sample log, oldest first. A positive limit keeps
// only the most recent entries. An in-memory engine keeps no sample log.
func (e *Engine) Samples(ctx context.Context, authorID string, limit int) ([]store.SampleRecord, error) {
	if err := validateAuthor(authorID); err != nil {
		return nil, err
	}
	if e.store == nil {
		return []store.SampleRecord{}, nil
	}
	return e.store.Samples(ctx, authorID, limit)
}

// History returns recorded events, newest first.
func (e *Engine) History(ctx context.Context, f store.HistoryFilter) ([]store.EventSummary, error) {
	if e.store == nil {
		return []store.EventSummary{}, nil
	}
	return e.store.History(ctx, f)
}

// VerifyProfiles replays every sample log and reports profiles whose
// stored statistics disagree with it.
func (e *Engine) VerifyProfiles(ctx context.Context) ([]store.ProfileMismatch, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.VerifyAllProfiles(ctx)
}

// Stats summarizes the store contents. An in-memory engine reports only
// the profile count.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	if e.store != nil {
		return e.store.GetStats(ctx)
	}
	ps, err := e.profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	return &store.Stats{Profiles: int64(len(ps))}, nil
}

// RegisterHealthChecks adds the engine's components to c.
func (e *Engine) RegisterHealthChecks(c *health.Checker) {
	c.RegisterFunc("calibration", true, health.CalibrationCheck(e.Calibration))
	if e.store != nil {
		c.RegisterFunc("store", true, health.StoreCheck(e.store.Ping))
		c.RegisterFunc("schema", true, health.SchemaCheck(e.store.CheckSchema))
		c.RegisterFunc("data_dir", false, health.DirectoryCheck(filepath.Dir(e.store.Path())))
	}
	c.RegisterFunc("memory", false, health.MemoryCheck(1<<30))
}

// =============================================================================
// Helpers
// =============================================================================

func (e *Engine) recording(p *pipeline) bool {
	return e.store != nil && !e.store.ReadOnly() && p.cfg.Storage.RecordEvents
}

// recordFailed reports an event that could not be stored. The derived
// result is still returned to the caller.
func (e *Engine) recordFailed(ctx context.Context, op string, err error) {
	e.logger.Warn("event not recorded", "op", op, "error", err)
	e.metrics.RecordError(op)
	e.audit.LogError(ctx, op, err, nil)
}

// fail counts err against op. Rejected input is not an audit event.
func (e *Engine) fail(ctx context.Context, op string, err error) error {
	tracing.SpanFromContext(ctx).RecordError(err)
	e.metrics.RecordError(op)
	if !isClientError(err) && !errors.Is(err, context.Canceled) {
		e.logger.Error("operation failed", "op", op, "error", err)
		e.audit.LogError(ctx, op, err, nil)
	}
	return err
}

// isClientError reports errors caused by the request rather than by scribe.
func isClientError(err error) bool {
	return errors.Is(err, forensics.ErrInsufficientSample) ||
		errors.Is(err, forensics.ErrInvalidInput) ||
		errors.Is(err, forensics.ErrIncompatibleFingerprint) ||
		errors.Is(err, forensics.ErrNotFound)
}

func validateAuthor(id string) error {
	if err := security.ValidateID(id); err != nil {
		return &forensics.InvalidInputError{Reason: err.Error()}
	}
	return nil
}
