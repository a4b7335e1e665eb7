package forensics

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// FingerprintSchema is the vector layout revision. It changes only when the
// construction of the vector itself changes.
const FingerprintSchema = "sfp1"

// ZClip bounds each standardized metric.
const ZClip = 4.0

// DefaultCrossTermWeight scales cross-term dimensions relative to base
// dimensions.
const DefaultCrossTermWeight = 0.35

// ReferenceStat is the mean and standard deviation of a metric in the
// reference population.
type ReferenceStat struct {
	Mean   float64 `toml:"mean" json:"mean" yaml:"mean"`
	StdDev float64 `toml:"stddev" json:"stddev" yaml:"stddev"`
}

// CrossTerm names a pair of metrics whose standardized product is appended
// to the vector.
type CrossTerm struct {
	A string `toml:"a" json:"a" yaml:"a"`
	B string `toml:"b" json:"b" yaml:"b"`
}

// DefaultReference is the reference population for general English prose
// samples of 200-2000 words.
var DefaultReference = map[string]ReferenceStat{
	MetricAvgSentenceLength:  {Mean: 18.0, StdDev: 6.0},
	MetricLexicalDiversity:   {Mean: 0.55, StdDev: 0.12},
	MetricAvgWordLength:      {Mean: 4.6, StdDev: 0.5},
	MetricPronounFrequency:   {Mean: 0.08, StdDev: 0.04},
	MetricConjunctionFreq:    {Mean: 0.05, StdDev: 0.02},
	MetricQuestionFrequency:  {Mean: 0.05, StdDev: 0.08},
	MetricPassiveVoiceRatio:  {Mean: 0.10, StdDev: 0.10},
	MetricPunctuationEntropy: {Mean: 1.6, StdDev: 0.5},
	MetricUppercaseWordFreq:  {Mean: 0.01, StdDev: 0.02},
	MetricNumericTokenFreq:   {Mean: 0.01, StdDev: 0.02},
	MetricSpecialCharFreq:    {Mean: 0.002, StdDev: 0.005},
	MetricVocabularyRichness: {Mean: 0.50, StdDev: 0.12},
	MetricRhetoricalDensity:  {Mean: 0.01, StdDev: 0.01},
}

// DefaultCrossTerms are the interaction terms of calibration version 1.
var DefaultCrossTerms = []CrossTerm{
	{A: MetricAvgSentenceLength, B: MetricPassiveVoiceRatio},
	{A: MetricLexicalDiversity, B: MetricVocabularyRichness},
	{A: MetricPunctuationEntropy, B: MetricSpecialCharFreq},
	{A: MetricPronounFrequency, B: MetricConjunctionFreq},
	{A: MetricQuestionFrequency, B: MetricRhetoricalDensity},
	{A: MetricUppercaseWordFreq, B: MetricNumericTokenFreq},
}

// CalibrationSpec is the mutable description a Calibration is built from.
// Missing reference or weight entries fall back to the defaults.
type CalibrationSpec struct {
	Version         int
	Reference       map[string]ReferenceStat
	Weights         map[string]float64
	CrossTerms      []CrossTerm
	CrossTermWeight float64
}

// DefaultCalibrationSpec returns the version 1 calibration.
func DefaultCalibrationSpec() CalibrationSpec {
	return CalibrationSpec{
		Version:         1,
		CrossTerms:      append([]CrossTerm(nil), DefaultCrossTerms...),
		CrossTermWeight: DefaultCrossTermWeight,
	}
}

// Calibration is an immutable, versioned weight set. A recalibration
// produces a new Calibration with a new version; existing values are never
// modified.
//
// The tag carries a digest of everything that shapes the vector: reference
// statistics, weights, cross-terms and the extraction settings the
// calibration is bound to. Two calibrations with the same version number
// but different contents therefore never share a tag.
type Calibration struct {
	version         int
	reference       [NumMetrics]ReferenceStat
	weights         [NumMetrics]float64
	crossTerms      [][2]int
	crossTermWeight float64
	extraction      string
	digest          string
}

var defaultExtraction = sync.OnceValue(func() string {
	return NewExtractor(DefaultExtractorConfig(), nil).Signature()
})

// NewCalibration validates spec and builds a Calibration.
func NewCalibration(spec CalibrationSpec) (*Calibration, error) {
	if spec.Version < 1 {
		return nil, fmt.Errorf("calibration version must be >= 1, got %d", spec.Version)
	}
	if spec.CrossTermWeight < 0 || math.IsNaN(spec.CrossTermWeight) {
		return nil, errors.New("cross-term weight must be >= 0")
	}

	c := &Calibration{
		version:         spec.Version,
		crossTermWeight: spec.CrossTermWeight,
		extraction:      defaultExtraction(),
	}
	for i, name := range MetricNames {
		c.reference[i] = DefaultReference[name]
		c.weights[i] = 1
	}

	for name, ref := range spec.Reference {
		i := MetricIndex(name)
		if i < 0 {
			return nil, fmt.Errorf("calibration reference: unknown metric %q", name)
		}
		if !(ref.StdDev > 0) || math.IsInf(ref.StdDev, 0) || math.IsNaN(ref.Mean) {
			return nil, fmt.Errorf("calibration reference %s: stddev must be positive and finite", name)
		}
		c.reference[i] = ref
	}
	for name, w := range spec.Weights {
		i := MetricIndex(name)
		if i < 0 {
			return nil, fmt.Errorf("calibration weight: unknown metric %q", name)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("calibration weight %s: must be finite and >= 0", name)
		}
		c.weights[i] = w
	}

	seen := make(map[[2]int]bool)
	for _, ct := range spec.CrossTerms {
		a, b := MetricIndex(ct.A), MetricIndex(ct.B)
		if a < 0 || b < 0 {
			return nil, fmt.Errorf("calibration cross-term %s x %s: unknown metric", ct.A, ct.B)
		}
		if a == b {
			return nil, fmt.Errorf("calibration cross-term %s x %s: metrics must differ", ct.A, ct.B)
		}
		if a > b {
			a, b = b, a
		}
		key := [2]int{a, b}
		if seen[key] {
			return nil, fmt.Errorf("calibration cross-term %s x %s: duplicate", ct.A, ct.B)
		}
		seen[key] = true
		c.crossTerms = append(c.crossTerms, key)
	}

	c.digest = c.computeDigest()
	return c, nil
}

// WithExtraction returns a copy of c bound to the settings of ext. Metric
// values depend on the marker lexicon, markup stripping and tokenizer, so
// they are part of the tag.
func (c *Calibration) WithExtraction(ext *Extractor) *Calibration {
	cp := *c
	cp.extraction = ext.Signature()
	cp.digest = cp.computeDigest()
	return &cp
}

func (c *Calibration) computeDigest() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	var b strings.Builder
	fmt.Fprintf(&b, "version=%d;cross_weight=%s;extraction=%s;", c.version, f(c.crossTermWeight), c.extraction)
	for i, name := range MetricNames {
		ref := c.reference[i]
		fmt.Fprintf(&b, "%s=%s,%s,%s;", name, f(ref.Mean), f(ref.StdDev), f(c.weights[i]))
	}
	for _, ct := range c.crossTerms {
		fmt.Fprintf(&b, "cross=%d*%d;", ct[0], ct[1])
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:4])
}

// DefaultCalibration returns calibration version 1.
func DefaultCalibration() *Calibration {
	c, err := NewCalibration(DefaultCalibrationSpec())
	if err != nil {
		panic("forensics: default calibration invalid: " + err.Error())
	}
	return c
}

// Version returns the calibration version number.
func (c *Calibration) Version() int { return c.version }

// Dimensions returns the fingerprint vector length under this calibration.
func (c *Calibration) Dimensions() int { return NumMetrics + len(c.crossTerms) }

// Tag returns the fingerprint version tag, e.g. "sfp1-c1-3f9a02c1-d19".
func (c *Calibration) Tag() string {
	return fmt.Sprintf("%s-c%d-%s-d%d", FingerprintSchema, c.version, c.digest, c.Dimensions())
}

// Digest returns the content digest embedded in the tag.
func (c *Calibration) Digest() string { return c.digest }

// Reference returns the reference statistics for the metric at index i.
func (c *Calibration) Reference(i int) ReferenceStat { return c.reference[i] }

// Weight returns the vector weight for the metric at index i.
func (c *Calibration) Weight(i int) float64 { return c.weights[i] }

// CrossTermWeight returns the scale applied to cross-term dimensions.
func (c *Calibration) CrossTermWeight() float64 { return c.crossTermWeight }

// DimensionNames labels each vector dimension.
func (c *Calibration) DimensionNames() []string {
	names := make([]string, 0, c.Dimensions())
	names = append(names, MetricNames[:]...)
	for _, ct := range c.crossTerms {
		names = append(names, MetricNames[ct[0]]+"*"+MetricNames[ct[1]])
	}
	return names
}

// Spec returns a mutable copy of the calibration description.
func (c *Calibration) Spec() CalibrationSpec {
	spec := CalibrationSpec{
		Version:         c.version,
		Reference:       make(map[string]ReferenceStat, NumMetrics),
		Weights:         make(map[string]float64, NumMetrics),
		CrossTermWeight: c.crossTermWeight,
	}
	for i, name := range MetricNames {
		spec.Reference[name] = c.reference[i]
		spec.Weights[name] = c.weights[i]
	}
	for _, ct := range c.crossTerms {
		spec.CrossTerms = append(spec.CrossTerms, CrossTerm{A: MetricNames[ct[0]], B: MetricNames[ct[1]]})
	}
	return spec
}

// Standardize returns the clipped z-score of value for the metric at index i.
func (c *Calibration) Standardize(i int, value float64) float64 {
	ref := c.reference[i]
	z := (value - ref.Mean) / ref.StdDev
	return math.Max(-ZClip, math.Min(ZClip, z))
}
