package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/forensics"
	"scribe/internal/profile"
	"scribe/internal/testcorpus"
)

// =============================================================================
// Helpers
// =============================================================================

var unitVector = []float64{1, 0, 0}

func baselineMetrics() forensics.StyleMetrics {
	return forensics.StyleMetrics{
		AvgSentenceLength:  20,
		LexicalDiversity:   0.6,
		AvgWordLength:      4.5,
		PronounFrequency:   0.08,
		PassiveVoiceRatio:  0,
		PunctuationEntropy: 1.5,
		VocabularyRichness: 0.55,
	}
}

func syntheticFingerprint(m forensics.StyleMetrics, cv float64) *forensics.Fingerprint {
	return &forensics.Fingerprint{
		ID:               "fp",
		Version:          "t-c1-d3",
		Vector:           append([]float64(nil), unitVector...),
		Metrics:          m,
		Size:             forensics.SampleSize{Sentences: 10, Words: 200, Chars: 1000},
		SentenceLengthCV: cv,
	}
}

func syntheticBaseline(t *testing.T, m forensics.StyleMetrics) *profile.Profile {
	t.Helper()
	p := profile.New("author", "t-c1-d3", 3)
	require.NoError(t, p.Add(syntheticFingerprint(m, 0.4), time.Now()))
	return p
}

type corpusFixture struct {
	store    *profile.Store
	detector *Detector
	ex       *forensics.Extractor
	b        *forensics.Builder
}

func newCorpusFixture() *corpusFixture {
	s := profile.NewStore(nil)
	return &corpusFixture{
		store:    s,
		detector: NewDetector(s, nil),
		ex:       forensics.NewExtractor(forensics.DefaultExtractorConfig(), nil),
		b:        forensics.NewBuilder(nil),
	}
}

func (f *corpusFixture) fp(t *testing.T, text string) *forensics.Fingerprint {
	t.Helper()
	feat, err := f.ex.Extract(text, forensics.ExtractOptions{})
	require.NoError(t, err)
	return f.b.Build(feat)
}

// =============================================================================
// Corpus Scenarios
// =============================================================================

func TestDetectNoBaseline(t *testing.T) {
	f := newCorpusFixture()
	r, err := f.detector.Detect(context.Background(), "newcomer", f.fp(t, testcorpus.Essay(0)))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestDetectConsistentSample(t *testing.T) {
	f := newCorpusFixture()
	_, err := f.store.Upsert(context.Background(), "alice", f.fp(t, testcorpus.Essay(0)))
	require.NoError(t, err)

	r, err := f.detector.Detect(context.Background(), "alice", f.fp(t, testcorpus.Essay(1)))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestDetectUniformPassiveShift(t *testing.T) {
	f := newCorpusFixture()
	ctx := context.Background()
	for v := 0; v < 3; v++ {
		_, err := f.store.Upsert(ctx, "alice", f.fp(t, testcorpus.Essay(v)))
		require.NoError(t, err)
	}

	r, err := f.detector.Detect(ctx, "alice", f.fp(t, testcorpus.PassiveBurst()))
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.True(t, r.Anomalous)
	assert.GreaterOrEqual(t, r.Breaches, 2)
	assert.Equal(t, 3, r.BaselineSamples)
	assert.NotEmpty(t, r.ID)
	assert.Len(t, r.Deviations, forensics.NumMetrics+1)

	sl, ok := r.Deviation(forensics.MetricAvgSentenceLength)
	require.True(t, ok)
	assert.True(t, sl.Breached)
	assert.Greater(t, sl.Deviation, 0.5)

	pv, ok := r.Deviation(forensics.MetricPassiveVoiceRatio)
	require.True(t, ok)
	assert.True(t, pv.Breached)
	assert.True(t, pv.Absolute)
	assert.InDelta(t, 1.0, pv.Deviation, 1e-9)
	assert.Equal(t, forensics.SeverityAlert, pv.Severity)

	assert.Contains(t, []Classification{ClassStyleDrift, ClassMachineGenerated}, r.Classification)
	assert.Greater(t, r.Confidence, 0.0)
	assert.LessOrEqual(t, r.Confidence, 0.95)
}

func TestDetectIncompatibleBaseline(t *testing.T) {
	f := newCorpusFixture()
	p := profile.New("old", "sfp0-c1-d5", 5)
	require.NoError(t, p.Add(&forensics.Fingerprint{Version: "sfp0-c1-d5", Vector: make([]float64, 5)}, time.Now()))

	_, err := f.detector.Compare(p, f.fp(t, testcorpus.Essay(0)))
	assert.ErrorIs(t, err, forensics.ErrIncompatibleFingerprint)
}

// =============================================================================
// Breach Policy
// =============================================================================

func TestBreachAtExactThreshold(t *testing.T) {
	d := NewDetector(nil, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.AvgSentenceLength = 25 // exactly 25% above 20
	r, err := d.Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	require.NotNil(t, r)

	dv, ok := r.Deviation(forensics.MetricAvgSentenceLength)
	require.True(t, ok)
	assert.Equal(t, 0.25, dv.Deviation)
	assert.True(t, dv.Breached)
	assert.Equal(t, forensics.SeverityWarning, dv.Severity)
}

func TestBelowThresholdNoReport(t *testing.T) {
	d := NewDetector(nil, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.AvgSentenceLength = 24.9
	r, err := d.Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSingleBreachNotAnomalous(t *testing.T) {
	d := NewDetector(nil, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.AvgSentenceLength = 35
	r, err := d.Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.Anomalous)
	assert.Equal(t, 1, r.Breaches)
	assert.Equal(t, ClassSingleDeviation, r.Classification)
}

func TestStyleDrift(t *testing.T) {
	d := NewDetector(nil, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.AvgSentenceLength = 10   // 50%
	m.PunctuationEntropy = 2.4 // 60%
	r, err := d.Compare(p, syntheticFingerprint(m, 0.5))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Anomalous)
	assert.Equal(t, ClassStyleDrift, r.Classification)
	assert.Empty(t, r.Advisory)

	breached := r.Breached()
	require.Len(t, breached, 2)
	// ratio 2.0 for sentence length, 1.71 for punctuation
	assert.Equal(t, forensics.MetricAvgSentenceLength, breached[0].Metric)
	assert.Equal(t, forensics.MetricPunctuationEntropy, breached[1].Metric)
}

func TestMachineGeneratedClassification(t *testing.T) {
	d := NewDetector(nil, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.PassiveVoiceRatio = 0.6 // 0.60 absolute, ratio 4
	m.LexicalDiversity = 0.12 // 80%, ratio 4
	r, err := d.Compare(p, syntheticFingerprint(m, 0.05))
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.True(t, r.Anomalous)
	assert.Equal(t, ClassMachineGenerated, r.Classification)
	assert.Equal(t, MachineAdvisory, r.Advisory)
	assert.LessOrEqual(t, r.Confidence, DefaultMachineConfidenceCap)
}

func TestPassiveWithoutUniformityIsDrift(t *testing.T) {
	d := NewDetector(nil, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.PassiveVoiceRatio = 0.6
	m.AvgSentenceLength = 40
	r, err := d.Compare(p, syntheticFingerprint(m, 0.6))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ClassStyleDrift, r.Classification)
}

func TestGenericThresholdDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.Generic = 0
	d := NewDetectorWithConfig(nil, cfg, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.AvgWordLength = 9 // 100% off, but generic breaches are disabled
	r, err := d.Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewDetector(nil, nil).Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	require.NotNil(t, r)
	dv, _ := r.Deviation(forensics.MetricAvgWordLength)
	assert.True(t, dv.Breached)
}

func TestZScoreWithMultipleSamples(t *testing.T) {
	d := NewDetector(nil, nil)
	p := profile.New("author", "t-c1-d3", 3)
	for _, sl := range []float64{18, 20, 22} {
		m := baselineMetrics()
		m.AvgSentenceLength = sl
		require.NoError(t, p.Add(syntheticFingerprint(m, 0.4), time.Now()))
	}

	m := baselineMetrics()
	m.AvgSentenceLength = 30
	r, err := d.Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	require.NotNil(t, r)
	dv, _ := r.Deviation(forensics.MetricAvgSentenceLength)
	// mean 20, sample stddev 2
	assert.InDelta(t, 5.0, dv.ZScore, 1e-9)
}

func TestMinBaselineSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBaselineSamples = 2
	d := NewDetectorWithConfig(nil, cfg, nil)
	p := syntheticBaseline(t, baselineMetrics())

	m := baselineMetrics()
	m.AvgSentenceLength = 60
	m.LexicalDiversity = 0.1
	r, err := d.Compare(p, syntheticFingerprint(m, 0.4))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Thresholds.PassiveVoice = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MinBreaches = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MachineConfidenceCap = 1.5
	assert.Error(t, bad.Validate())
}

func TestVectorShift(t *testing.T) {
	s, err := vectorShift([]float64{1, 0}, []float64{2, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, s, 1e-12)

	s, err = vectorShift([]float64{1, 0}, []float64{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1, s, 1e-12)

	_, err = vectorShift([]float64{1}, []float64{1, 0})
	assert.ErrorIs(t, err, forensics.ErrIncompatibleFingerprint)
}
