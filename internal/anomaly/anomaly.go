// Package anomaly compares a new sample against an author's baseline and
// reports stylistic deviations.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"scribe/internal/forensics"
	"scribe/internal/profile"
)

// Default thresholds, as fractions. Passive voice is measured in absolute
// ratio points; every other metric relative to the baseline mean.
const (
	DefaultSentenceLengthThreshold = 0.25
	DefaultVectorShiftThreshold    = 0.30
	DefaultLexicalThreshold        = 0.20
	DefaultPunctuationThreshold    = 0.35
	DefaultPassiveVoiceThreshold   = 0.15
	DefaultGenericThreshold        = 0.50

	// DefaultMinBreaches is the number of simultaneous breaches that marks
	// a sample anomalous.
	DefaultMinBreaches = 2

	// DefaultUniformityCV is the sentence-length coefficient of variation
	// below which a sample counts as uniform.
	DefaultUniformityCV = 0.15

	// DefaultMachineConfidenceCap bounds the confidence of a
	// machine-generated classification.
	DefaultMachineConfidenceCap = 0.65

	// breachTolerance absorbs floating point error at the threshold.
	breachTolerance = 1e-9
)

// MetricVectorShift names the whole-vector deviation.
const MetricVectorShift = "vector_shift"

// Classification is the verdict for a sample with at least one breach.
type Classification string

const (
	ClassSingleDeviation  Classification = "single-metric deviation"
	ClassStyleDrift       Classification = "style drift"
	ClassMachineGenerated Classification = "possible machine-generated"
)

// MachineAdvisory accompanies every machine-generated classification.
const MachineAdvisory = "machine-generation signal is advisory and must be corroborated"

// Thresholds are the per-metric breach levels.
type Thresholds struct {
	SentenceLength   float64
	VectorShift      float64
	LexicalDiversity float64
	Punctuation      float64
	PassiveVoice     float64

	// Generic applies to every other metric. Zero disables breaches for
	// those metrics; their deviations are still reported.
	Generic float64
}

// Config holds the detector parameters.
type Config struct {
	Thresholds           Thresholds
	MinBaselineSamples   int
	MinBreaches          int
	UniformityCV         float64
	MachineConfidenceCap float64

	// Calibration supplies the per-metric scale floors. Nil selects the
	// default calibration.
	Calibration *forensics.Calibration
}

// DefaultConfig returns the standard detector parameters.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			SentenceLength:   DefaultSentenceLengthThreshold,
			VectorShift:      DefaultVectorShiftThreshold,
			LexicalDiversity: DefaultLexicalThreshold,
			Punctuation:      DefaultPunctuationThreshold,
			PassiveVoice:     DefaultPassiveVoiceThreshold,
			Generic:          DefaultGenericThreshold,
		},
		MinBaselineSamples:   1,
		MinBreaches:          DefaultMinBreaches,
		UniformityCV:         DefaultUniformityCV,
		MachineConfidenceCap: DefaultMachineConfidenceCap,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	t := c.Thresholds
	for _, v := range []float64{t.SentenceLength, t.VectorShift, t.LexicalDiversity, t.Punctuation, t.PassiveVoice} {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.New("anomaly thresholds must be positive")
		}
	}
	if t.Generic < 0 {
		return errors.New("anomaly generic threshold must be >= 0")
	}
	if c.MinBaselineSamples < 1 {
		return errors.New("anomaly min baseline samples must be >= 1")
	}
	if c.MinBreaches < 1 {
		return errors.New("anomaly min breaches must be >= 1")
	}
	if c.MachineConfidenceCap <= 0 || c.MachineConfidenceCap > 1 {
		return errors.New("anomaly machine confidence cap must be in (0, 1]")
	}
	return nil
}

// Deviation is the comparison of one metric with its baseline.
type Deviation struct {
	Metric    string             `json:"metric"`
	Baseline  float64            `json:"baseline"`
	Observed  float64            `json:"observed"`
	Deviation float64            `json:"deviation"` // Fraction; 0.25 = 25%
	Threshold float64            `json:"threshold"` // 0 when the metric cannot breach
	Absolute  bool               `json:"absolute,omitempty"`
	Breached  bool               `json:"breached"`
	ZScore    float64            `json:"z_score,omitempty"`
	Severity  forensics.Severity `json:"severity"`
}

// Ratio is the deviation relative to its threshold.
func (d Deviation) Ratio() float64 {
	if d.Threshold <= 0 {
		return 0
	}
	return d.Deviation / d.Threshold
}

// Report describes the deviations of one sample from an author baseline.
type Report struct {
	ID              string         `json:"id"`
	AuthorID        string         `json:"author_id"`
	FingerprintID   string         `json:"fingerprint_id"`
	BaselineSamples int            `json:"baseline_samples"`
	Deviations      []Deviation    `json:"deviations"`
	Breaches        int            `json:"breaches"`
	Anomalous       bool           `json:"anomalous"`
	Classification  Classification `json:"classification"`
	Confidence      float64        `json:"confidence"`
	Advisory        string         `json:"advisory,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Breached returns the breached deviations, strongest first.
func (r *Report) Breached() []Deviation {
	var out []Deviation
	for _, d := range r.Deviations {
		if d.Breached {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio() > out[j].Ratio() })
	return out
}

// Deviation returns the entry for a metric name.
func (r *Report) Deviation(metric string) (Deviation, bool) {
	for _, d := range r.Deviations {
		if d.Metric == metric {
			return d, true
		}
	}
	return Deviation{}, false
}

// ProfileSource provides author baselines.
type ProfileSource interface {
	Get(ctx context.Context, authorID string) (*profile.Profile, error)
}

// Detector finds stylistic deviations from author baselines.
type Detector struct {
	src    ProfileSource
	cfg    Config
	cal    *forensics.Calibration
	logger *slog.Logger
}

// NewDetector creates a detector with the default configuration.
func NewDetector(src ProfileSource, logger *slog.Logger) *Detector {
	return NewDetectorWithConfig(src, DefaultConfig(), logger)
}

// NewDetectorWithConfig creates a detector with custom parameters.
func NewDetectorWithConfig(src ProfileSource, cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	cal := cfg.Calibration
	if cal == nil {
		cal = forensics.DefaultCalibration()
	}
	return &Detector{src: src, cfg: cfg, cal: cal, logger: logger.With("component", "anomaly")}
}

// Config returns the detector parameters.
func (d *Detector) Config() Config { return d.cfg }

// Detect compares fp with the author's stored baseline. It returns nil
// without error when the author has no baseline yet or no threshold is
// breached.
func (d *Detector) Detect(ctx context.Context, authorID string, fp *forensics.Fingerprint) (*Report, error) {
	p, err := d.src.Get(ctx, authorID)
	if errors.Is(err, forensics.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline %s: %w", authorID, err)
	}
	return d.Compare(p, fp)
}

// Compare evaluates fp against a baseline profile.
func (d *Detector) Compare(p *profile.Profile, fp *forensics.Fingerprint) (*Report, error) {
	if fp == nil {
		return nil, &forensics.InvalidInputError{Reason: "nil fingerprint"}
	}
	if p == nil || p.SampleCount < d.cfg.MinBaselineSamples {
		return nil, nil
	}
	if err := p.CheckCompatible(fp); err != nil {
		return nil, err
	}

	devs := d.metricDeviations(p, fp)
	shift, err := vectorShift(fp.Vector, p.Centroid)
	if err != nil {
		return nil, err
	}
	devs = append(devs, d.finish(Deviation{
		Metric:    MetricVectorShift,
		Observed:  shift,
		Deviation: shift,
		Threshold: d.cfg.Thresholds.VectorShift,
	}))

	breaches := 0
	for _, dv := range devs {
		if dv.Breached {
			breaches++
		}
	}
	if breaches == 0 {
		return nil, nil
	}

	r := &Report{
		ID:              uuid.New().String(),
		AuthorID:        p.AuthorID,
		FingerprintID:   fp.ID,
		BaselineSamples: p.SampleCount,
		Deviations:      devs,
		Breaches:        breaches,
		CreatedAt:       time.Now().UTC(),
	}
	d.classify(r, fp)

	d.logger.Debug("deviation detected",
		"author", p.AuthorID, "breaches", breaches, "classification", r.Classification)
	return r, nil
}

func (d *Detector) metricDeviations(p *profile.Profile, fp *forensics.Fingerprint) []Deviation {
	observed := fp.Metrics.Values()
	var stddev []float64
	if p.SampleCount >= 2 {
		stddev = p.MetricStdDev()
	}

	devs := make([]Deviation, 0, forensics.NumMetrics+1)
	for i, name := range forensics.MetricNames {
		mu, x := p.MetricMean[i], observed[i]
		dv := Deviation{
			Metric:    name,
			Baseline:  mu,
			Observed:  x,
			Threshold: d.threshold(name),
		}
		if name == forensics.MetricPassiveVoiceRatio {
			dv.Absolute = true
			dv.Deviation = math.Abs(x - mu)
		} else {
			dv.Deviation = math.Abs(x-mu) / math.Max(math.Abs(mu), d.cal.Reference(i).StdDev)
		}
		if stddev != nil && stddev[i] > 0 {
			dv.ZScore = (x - mu) / stddev[i]
		}
		devs = append(devs, d.finish(dv))
	}
	return devs
}

func (d *Detector) threshold(metric string) float64 {
	t := d.cfg.Thresholds
	switch metric {
	case forensics.MetricAvgSentenceLength:
		return t.SentenceLength
	case forensics.MetricLexicalDiversity:
		return t.LexicalDiversity
	case forensics.MetricPunctuationEntropy:
		return t.Punctuation
	case forensics.MetricPassiveVoiceRatio:
		return t.PassiveVoice
	case MetricVectorShift:
		return t.VectorShift
	default:
		return t.Generic
	}
}

// finish applies the breach rule (deviation >= threshold) and severity.
func (d *Detector) finish(dv Deviation) Deviation {
	dv.Breached = dv.Threshold > 0 && dv.Deviation >= dv.Threshold-breachTolerance
	switch {
	case dv.Breached && dv.Deviation >= 2*dv.Threshold:
		dv.Severity = forensics.SeverityAlert
	case dv.Breached:
		dv.Severity = forensics.SeverityWarning
	default:
		dv.Severity = forensics.SeverityInfo
	}
	return dv
}

// classify sets Anomalous, Classification, Confidence and Advisory.
func (d *Detector) classify(r *Report, fp *forensics.Fingerprint) {
	breached := r.Breached()

	excess := 0.0
	for _, dv := range breached {
		excess += math.Min(dv.Ratio()-1, 2)
	}
	excess /= float64(len(breached))
	confidence := math.Min(0.95, 0.35+0.1*float64(len(breached))+0.1*excess)

	if len(breached) < d.cfg.MinBreaches {
		r.Classification = ClassSingleDeviation
		r.Confidence = round3(confidence)
		return
	}
	r.Anomalous = true

	if d.machineDriven(breached, fp) {
		r.Classification = ClassMachineGenerated
		r.Confidence = round3(math.Min(confidence, d.cfg.MachineConfidenceCap))
		r.Advisory = MachineAdvisory
		return
	}
	r.Classification = ClassStyleDrift
	r.Confidence = round3(confidence)
}

// machineDriven reports whether flattened passive voice together with
// uniform diversity or sentence length dominates the breaches.
func (d *Detector) machineDriven(breached []Deviation, fp *forensics.Fingerprint) bool {
	uniform := fp.Size.Sentences > 1 && fp.SentenceLengthCV < d.cfg.UniformityCV

	dominant := map[string]bool{
		forensics.MetricPassiveVoiceRatio: true,
		forensics.MetricLexicalDiversity:  true,
	}
	if uniform {
		dominant[forensics.MetricAvgSentenceLength] = true
	}

	passive, lexical := false, false
	for _, dv := range breached {
		switch dv.Metric {
		case forensics.MetricPassiveVoiceRatio:
			passive = true
		case forensics.MetricLexicalDiversity:
			lexical = true
		}
	}
	if !passive || !(lexical || uniform) {
		return false
	}

	top := breached
	if len(top) > 2 {
		top = top[:2]
	}
	for _, dv := range top {
		if !dominant[dv.Metric] {
			return false
		}
	}
	return true
}

// vectorShift is half the L2 distance between the unit vectors, in [0, 1].
func vectorShift(v, centroid []float64) (float64, error) {
	dist, err := forensics.L2Distance(forensics.Normalize(v), forensics.Normalize(centroid))
	if err != nil {
		return 0, err
	}
	return dist / 2, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
