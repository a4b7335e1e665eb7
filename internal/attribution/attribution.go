// Package attribution ranks stored author profiles by stylistic similarity
// to a query fingerprint.
package attribution

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

// Band is a human-readable confidence label for a score.
type Band string

const (
	BandVeryHigh Band = "Very High"
	BandHigh     Band = "High"
	BandModerate Band = "Moderate"
	BandLow      Band = "Low"
	BandVeryLow  Band = "Very Low"
)

// passiveScale is the absolute passive-voice difference that zeroes the
// passive component.
const passiveScale = 0.5

// Weights are the relative contributions of the score components.
type Weights struct {
	Signal      float64
	Metrics     float64
	Punctuation float64
	Lexical     float64
	Passive     float64
}

func (w Weights) sum() float64 {
	return w.Signal + w.Metrics + w.Punctuation + w.Lexical + w.Passive
}

// Bands are the lower score bounds of each confidence band.
type Bands struct {
	VeryHigh float64
	High     float64
	Moderate float64
	Low      float64
}

// Classify maps a 0-100 score to its band.
func (b Bands) Classify(score float64) Band {
	switch {
	case score >= b.VeryHigh:
		return BandVeryHigh
	case score >= b.High:
		return BandHigh
	case score >= b.Moderate:
		return BandModerate
	case score >= b.Low:
		return BandLow
	default:
		return BandVeryLow
	}
}

// Config holds the attribution parameters.
type Config struct {
	Weights Weights
	Bands   Bands

	// Calibration supplies the per-metric scale floors. Nil selects the
	// default calibration.
	Calibration *forensics.Calibration

	// MaxResults truncates the ranking; 0 keeps every candidate.
	MaxResults int
}

// DefaultConfig returns the standard attribution parameters.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{Signal: 0.50, Metrics: 0.20, Punctuation: 0.10, Lexical: 0.10, Passive: 0.10},
		Bands:   Bands{VeryHigh: 90, High: 75, Moderate: 55, Low: 35},
	}
}

// Validate checks weights and band ordering.
func (c Config) Validate() error {
	w := c.Weights
	for _, v := range []float64{w.Signal, w.Metrics, w.Punctuation, w.Lexical, w.Passive} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("attribution weights must be finite and >= 0")
		}
	}
	if w.sum() <= 0 {
		return errors.New("attribution weights must not all be zero")
	}
	b := c.Bands
	if !(b.VeryHigh > b.High && b.High > b.Moderate && b.Moderate > b.Low && b.Low >= 0 && b.VeryHigh <= 100) {
		return errors.New("attribution bands must be strictly descending within 0-100")
	}
	if c.MaxResults < 0 {
		return errors.New("attribution max results must be >= 0")
	}
	return nil
}

// Breakdown holds the 0-100 sub-scores behind a match.
type Breakdown struct {
	Signal      float64 `json:"signal"`
	Metrics     float64 `json:"metrics"`
	Punctuation float64 `json:"punctuation"`
	Lexical     float64 `json:"lexical"`
	Passive     float64 `json:"passive"`
}

// Match is one ranked candidate.
type Match struct {
	AuthorID    string    `json:"author_id"`
	Score       float64   `json:"score"`
	Band        Band      `json:"band"`
	Similarity  float64   `json:"similarity"`
	SampleCount int       `json:"sample_count"`
	Breakdown   Breakdown `json:"breakdown"`
}

// Result is the outcome of one attribution query.
type Result struct {
	ID            string    `json:"id"`
	FingerprintID string    `json:"fingerprint_id"`
	Matches       []Match   `json:"matches"`
	Incompatible  []string  `json:"incompatible,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Top returns the best match, if any.
func (r *Result) Top() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	return r.Matches[0], true
}

// ProfileSource provides candidate profiles.
type ProfileSource interface {
	Get(ctx context.Context, authorID string) (*profile.Profile, error)
	List(ctx context.Context) ([]*profile.Profile, error)
}

// Engine scores fingerprints against profiles.
type Engine struct {
	src    ProfileSource
	cfg    Config
	cal    *forensics.Calibration
	logger *slog.Logger
}

// New creates an attribution engine with the default configuration.
func New(src ProfileSource, logger *slog.Logger) *Engine {
	return NewWithConfig(src, DefaultConfig(), logger)
}

// NewWithConfig creates an attribution engine with custom parameters.
func NewWithConfig(src ProfileSource, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cal := cfg.Calibration
	if cal == nil {
		cal = forensics.DefaultCalibration()
	}
	return &Engine{src: src, cfg: cfg, cal: cal, logger: logger.With("component", "attribution")}
}

// Config returns the engine parameters.
func (e *Engine) Config() Config { return e.cfg }

// Attribute ranks candidates by score, highest first. A nil candidates
// slice ranks every stored profile; a non-nil empty slice yields no
// matches. Explicitly named candidates must exist and be compatible.
func (e *Engine) Attribute(ctx context.Context, fp *forensics.Fingerprint, candidates []string) (*Result, error) {
	if fp == nil {
		return nil, &forensics.InvalidInputError{Reason: "nil fingerprint"}
	}
	res := &Result{
		ID:            uuid.New().String(),
		FingerprintID: fp.ID,
		Matches:       []Match{},
		CreatedAt:     time.Now().UTC(),
	}

	if candidates != nil {
		for _, id := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := e.src.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load candidate %s: %w", id, err)
			}
			m, err := e.Score(fp, p)
			if err != nil {
				return nil, err
			}
			res.Matches = append(res.Matches, m)
		}
	} else {
		profiles, err := e.src.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list candidates: %w", err)
		}
		for _, p := range profiles {
			m, err := e.Score(fp, p)
			if errors.Is(err, forensics.ErrIncompatibleFingerprint) {
				e.logger.Warn("skipping incompatible profile",
					"author", p.AuthorID, "profile_version", p.Version, "fingerprint_version", fp.Version)
				res.Incompatible = append(res.Incompatible, p.AuthorID)
				continue
			}
			if err != nil {
				return nil, err
			}
			res.Matches = append(res.Matches, m)
		}
	}

	Rank(res.Matches)
	if e.cfg.MaxResults > 0 && len(res.Matches) > e.cfg.MaxResults {
		res.Matches = res.Matches[:e.cfg.MaxResults]
	}
	return res, nil
}

// Rank sorts matches by score, then by sample count, then by author id.
// Scores are already rounded, so equal scores are exact ties.
func Rank(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SampleCount != b.SampleCount {
			return a.SampleCount > b.SampleCount
		}
		return a.AuthorID < b.AuthorID
	})
}

// Score compares fp with one profile.
func (e *Engine) Score(fp *forensics.Fingerprint, p *profile.Profile) (Match, error) {
	if err := p.CheckCompatible(fp); err != nil {
		return Match{}, err
	}
	if p.SampleCount == 0 {
		return Match{}, fmt.Errorf("profile %s has no samples", p.AuthorID)
	}

	sim, err := forensics.CosineSimilarity(fp.Vector, p.Centroid)
	if err != nil {
		return Match{}, err
	}

	q := fp.Metrics.Values()
	mu := p.MetricMean
	iPunct := forensics.MetricIndex(forensics.MetricPunctuationEntropy)
	iLex := forensics.MetricIndex(forensics.MetricLexicalDiversity)
	iPass := forensics.MetricIndex(forensics.MetricPassiveVoiceRatio)

	bd := Breakdown{
		Signal:      forensics.SimilarityScore(sim),
		Metrics:     e.metricsScore(q, mu),
		Punctuation: 100 * (1 - e.relativeDiff(iPunct, q[iPunct], mu[iPunct])),
		Lexical:     100 * (1 - e.relativeDiff(iLex, q[iLex], mu[iLex])),
		Passive:     100 * (1 - math.Min(math.Abs(q[iPass]-mu[iPass])/passiveScale, 1)),
	}

	w := e.cfg.Weights
	total := (w.Signal*bd.Signal + w.Metrics*bd.Metrics + w.Punctuation*bd.Punctuation +
		w.Lexical*bd.Lexical + w.Passive*bd.Passive) / w.sum()
	score := roundScore(total)

	return Match{
		AuthorID:    p.AuthorID,
		Score:       score,
		Band:        e.cfg.Bands.Classify(score),
		Similarity:  sim,
		SampleCount: p.SampleCount,
		Breakdown:   bd,
	}, nil
}

// relativeDiff is |q-mu| relative to max(|mu|, reference stddev), capped
// at 1.
func (e *Engine) relativeDiff(i int, q, mu float64) float64 {
	scale := math.Max(math.Abs(mu), e.cal.Reference(i).StdDev)
	return math.Min(math.Abs(q-mu)/scale, 1)
}

// metricsScore is 100 minus the calibration-weighted mean relative
// difference over all metrics.
func (e *Engine) metricsScore(q, mu []float64) float64 {
	var sum, wsum float64
	for i := range q {
		w := e.cal.Weight(i)
		sum += w * e.relativeDiff(i, q[i], mu[i])
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return 100 * (1 - sum/wsum)
}

// roundScore clamps to 0-100 and rounds to two decimals.
func roundScore(s float64) float64 {
	s = math.Max(0, math.Min(100, s))
	return math.Round(s*100) / 100
}
