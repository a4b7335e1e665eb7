package forensics

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Minimum sample size for a stable fingerprint.
const (
	DefaultMinChars = 200
	DefaultMinWords = 30
)

// maxControlRatio is the share of control runes above which input is
// treated as binary.
const maxControlRatio = 0.05

// ExtractorConfig controls feature extraction.
type ExtractorConfig struct {
	MinChars int
	MinWords int

	// RhetoricalMarkers overrides DefaultRhetoricalMarkers when non-empty.
	RhetoricalMarkers []string

	// StripMarkup removes HTML markup before extraction.
	StripMarkup bool
}

// DefaultExtractorConfig returns the standard extraction settings.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MinChars: DefaultMinChars,
		MinWords: DefaultMinWords,
	}
}

// ExtractOptions are per-call extraction options.
type ExtractOptions struct {
	// AllowShortSample accepts text below the minimum size. The result is
	// flagged LowConfidence instead of failing.
	AllowShortSample bool
}

// Extractor computes StyleMetrics from text. It is safe for concurrent use.
type Extractor struct {
	cfg       ExtractorConfig
	tokenizer Tokenizer
	markers   [][]string
	signature string
}

// NewExtractor creates an extractor. A nil tokenizer selects SimpleTokenizer.
func NewExtractor(cfg ExtractorConfig, tok Tokenizer) *Extractor {
	if tok == nil {
		tok = SimpleTokenizer{}
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = DefaultMinWords
	}
	list := cfg.RhetoricalMarkers
	if len(list) == 0 {
		list = DefaultRhetoricalMarkers
	}

	fold := cases.Fold()
	markers := make([][]string, 0, len(list))
	for _, phrase := range list {
		words := SimpleTokenizer{}.Words(phrase)
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = foldWord(fold, w)
		}
		markers = append(markers, words)
	}

	e := &Extractor{cfg: cfg, tokenizer: tok, markers: markers}
	e.signature = e.computeSignature()
	return e
}

// Signature identifies the settings that change metric values for the same
// text. Size minimums only flag samples and are not included.
func (e *Extractor) Signature() string { return e.signature }

func (e *Extractor) computeSignature() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tokenizer=%T;strip_markup=%t;markers=", e.tokenizer, e.cfg.StripMarkup)
	for _, m := range e.markers {
		b.WriteString(strings.Join(m, " "))
		b.WriteByte('|')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Config returns the extractor settings.
func (e *Extractor) Config() ExtractorConfig {
	return e.cfg
}

// Extract computes features for raw text.
func (e *Extractor) Extract(text string, opts ExtractOptions) (*Features, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	if e.cfg.StripMarkup {
		text = StripMarkup(text)
	}
	text = norm.NFC.String(text)
	return e.finish(text, segmentText(e.tokenizer, text), opts)
}

// ExtractSegmented computes features for pre-tokenized text.
func (e *Extractor) ExtractSegmented(seg Segmented, opts ExtractOptions) (*Features, error) {
	raw := seg.Raw
	if raw == "" {
		parts := make([]string, 0, len(seg.Sentences))
		for _, s := range seg.Sentences {
			parts = append(parts, strings.Join(s, " "))
		}
		raw = strings.Join(parts, " ")
	}
	if err := validateText(raw); err != nil {
		return nil, err
	}
	for _, s := range seg.Sentences {
		for _, t := range s {
			if !utf8.ValidString(t) {
				return nil, &InvalidInputError{Reason: "token is not valid UTF-8"}
			}
		}
	}
	raw = norm.NFC.String(raw)
	return e.finish(raw, segmentTokens(seg), opts)
}

func (e *Extractor) finish(text string, sents []sentence, opts ExtractOptions) (*Features, error) {
	size := SampleSize{
		Chars:     utf8.RuneCountInString(strings.TrimSpace(text)),
		Sentences: len(sents),
	}
	for _, s := range sents {
		size.Words += len(s.words)
	}

	short := size.Chars < e.cfg.MinChars || size.Words < e.cfg.MinWords
	if short && (!opts.AllowShortSample || size.Words == 0) {
		return nil, &InsufficientSampleError{
			Chars:    size.Chars,
			Words:    size.Words,
			MinChars: e.cfg.MinChars,
			MinWords: e.cfg.MinWords,
		}
	}

	metrics, cv := computeStyleMetrics(text, sents, e.markers)
	return &Features{
		Metrics:          metrics,
		Size:             size,
		SentenceLengthCV: cv,
		LowConfidence:    short,
		Digest:           Digest(text),
	}, nil
}

// Digest returns the hex BLAKE2b-256 digest of NFC-normalized text.
func Digest(text string) string {
	sum := blake2b.Sum256([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(sum[:])
}

// validateText rejects input that is not text: invalid UTF-8, NUL bytes or
// a high share of control characters.
func validateText(text string) error {
	if !utf8.ValidString(text) {
		return &InvalidInputError{Reason: "not valid UTF-8"}
	}
	if strings.ContainsRune(text, 0) {
		return &InvalidInputError{Reason: "contains NUL bytes"}
	}
	total, control := 0, 0
	for _, r := range text {
		total++
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			control++
		}
	}
	if total > 0 && float64(control)/float64(total) > maxControlRatio {
		return &InvalidInputError{Reason: "control characters dominate the input"}
	}
	return nil
}
