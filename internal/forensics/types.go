// Package forensics extracts stylometric features from text samples and turns
// them into versioned, fixed-dimension fingerprints.
package forensics

import (
	"fmt"
	"time"
)

// Canonical metric names. The order of MetricNames is the order of
// StyleMetrics.Values and of the first NumMetrics fingerprint dimensions.
const (
	MetricAvgSentenceLength  = "avg_sentence_length"
	MetricLexicalDiversity   = "lexical_diversity"
	MetricAvgWordLength      = "avg_word_length"
	MetricPronounFrequency   = "pronoun_frequency"
	MetricConjunctionFreq    = "conjunction_frequency"
	MetricQuestionFrequency  = "question_frequency"
	MetricPassiveVoiceRatio  = "passive_voice_ratio"
	MetricPunctuationEntropy = "punctuation_entropy"
	MetricUppercaseWordFreq  = "uppercase_word_frequency"
	MetricNumericTokenFreq   = "numeric_token_frequency"
	MetricSpecialCharFreq    = "special_char_frequency"
	MetricVocabularyRichness = "vocabulary_richness"
	MetricRhetoricalDensity  = "rhetorical_density"
)

// NumMetrics is the number of base stylometric metrics.
const NumMetrics = 13

// MetricNames lists the metrics in canonical order.
var MetricNames = [NumMetrics]string{
	MetricAvgSentenceLength,
	MetricLexicalDiversity,
	MetricAvgWordLength,
	MetricPronounFrequency,
	MetricConjunctionFreq,
	MetricQuestionFrequency,
	MetricPassiveVoiceRatio,
	MetricPunctuationEntropy,
	MetricUppercaseWordFreq,
	MetricNumericTokenFreq,
	MetricSpecialCharFreq,
	MetricVocabularyRichness,
	MetricRhetoricalDensity,
}

// MetricIndex returns the canonical position of a metric name, or -1.
func MetricIndex(name string) int {
	for i, n := range MetricNames {
		if n == name {
			return i
		}
	}
	return -1
}

// StyleMetrics are the 13 base stylometric measurements of one sample.
type StyleMetrics struct {
	AvgSentenceLength      float64 `json:"avg_sentence_length"`      // Words per sentence
	LexicalDiversity       float64 `json:"lexical_diversity"`        // Unique word types / tokens
	AvgWordLength          float64 `json:"avg_word_length"`          // Runes per word
	PronounFrequency       float64 `json:"pronoun_frequency"`        // Pronoun tokens / tokens
	ConjunctionFrequency   float64 `json:"conjunction_frequency"`    // Conjunction tokens / tokens
	QuestionFrequency      float64 `json:"question_frequency"`       // Question sentences / sentences
	PassiveVoiceRatio      float64 `json:"passive_voice_ratio"`      // Passive sentences / sentences
	PunctuationEntropy     float64 `json:"punctuation_entropy"`      // Shannon bits over punctuation symbols
	UppercaseWordFrequency float64 `json:"uppercase_word_frequency"` // All-caps tokens / tokens
	NumericTokenFrequency  float64 `json:"numeric_token_frequency"`  // Numeric tokens / tokens
	SpecialCharFrequency   float64 `json:"special_char_frequency"`   // Special runes / non-space runes
	VocabularyRichness     float64 `json:"vocabulary_richness"`      // Distinct lemmas / tokens
	RhetoricalDensity      float64 `json:"rhetorical_density"`       // Marker hits / tokens
}

// Values returns the metrics in canonical order.
func (m StyleMetrics) Values() []float64 {
	return []float64{
		m.AvgSentenceLength,
		m.LexicalDiversity,
		m.AvgWordLength,
		m.PronounFrequency,
		m.ConjunctionFrequency,
		m.QuestionFrequency,
		m.PassiveVoiceRatio,
		m.PunctuationEntropy,
		m.UppercaseWordFrequency,
		m.NumericTokenFrequency,
		m.SpecialCharFrequency,
		m.VocabularyRichness,
		m.RhetoricalDensity,
	}
}

// Get returns a metric by canonical name.
func (m StyleMetrics) Get(name string) (float64, bool) {
	i := MetricIndex(name)
	if i < 0 {
		return 0, false
	}
	return m.Values()[i], true
}

// MetricsFromValues rebuilds StyleMetrics from a canonical-order slice.
func MetricsFromValues(v []float64) (StyleMetrics, error) {
	if len(v) != NumMetrics {
		return StyleMetrics{}, fmt.Errorf("metric vector has %d values, want %d", len(v), NumMetrics)
	}
	return StyleMetrics{
		AvgSentenceLength:      v[0],
		LexicalDiversity:       v[1],
		AvgWordLength:          v[2],
		PronounFrequency:       v[3],
		ConjunctionFrequency:   v[4],
		QuestionFrequency:      v[5],
		PassiveVoiceRatio:      v[6],
		PunctuationEntropy:     v[7],
		UppercaseWordFrequency: v[8],
		NumericTokenFrequency:  v[9],
		SpecialCharFrequency:   v[10],
		VocabularyRichness:     v[11],
		RhetoricalDensity:      v[12],
	}, nil
}

// SampleSize describes how much text a fingerprint was derived from.
type SampleSize struct {
	Chars     int `json:"chars"`
	Words     int `json:"words"`
	Sentences int `json:"sentences"`
}

// Features is the output of feature extraction for one sample.
type Features struct {
	Metrics StyleMetrics `json:"metrics"`
	Size    SampleSize   `json:"size"`

	// SentenceLengthCV is the coefficient of variation of sentence lengths.
	// Diagnostic only, not part of the vector.
	SentenceLengthCV float64 `json:"sentence_length_cv"`

	LowConfidence bool   `json:"low_confidence,omitempty"`
	Digest        string `json:"digest"`
}

// Fingerprint is the immutable stylometric signature of one text sample.
type Fingerprint struct {
	ID               string       `json:"id"`
	AuthorID         string       `json:"author_id,omitempty"`
	Version          string       `json:"version"`
	Vector           []float64    `json:"vector"`
	Metrics          StyleMetrics `json:"metrics"`
	Size             SampleSize   `json:"size"`
	SentenceLengthCV float64      `json:"sentence_length_cv"`
	LowConfidence    bool         `json:"low_confidence,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Dimensions returns the vector length.
func (f *Fingerprint) Dimensions() int {
	return len(f.Vector)
}

// WithAuthor returns a copy of f attributed to authorID.
func (f *Fingerprint) WithAuthor(authorID string) *Fingerprint {
	c := *f
	c.Vector = append([]float64(nil), f.Vector...)
	c.AuthorID = authorID
	return &c
}

// Severity indicates how far a deviation or finding exceeds its tolerance.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)
