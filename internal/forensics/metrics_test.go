package forensics

import (
	"math"
	"testing"
)

// =============================================================================
// Statistical Calculation Tests
// =============================================================================

func TestShannonEntropy(t *testing.T) {
	tests := []struct {
		name      string
		histogram []int
		expected  float64
	}{
		{name: "empty", histogram: []int{}, expected: 0},
		{name: "all zero", histogram: []int{0, 0, 0}, expected: 0},
		{name: "single bin", histogram: []int{10}, expected: 0},
		{name: "two equal bins", histogram: []int{5, 5}, expected: 1},
		{name: "four equal bins", histogram: []int{3, 3, 3, 3}, expected: 2},
		{name: "zeros ignored", histogram: []int{4, 0, 4, 0}, expected: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := shannonEntropy(tc.histogram)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("shannonEntropy(%v) = %f, want %f", tc.histogram, got, tc.expected)
			}
		})
	}
}

func TestPunctuationEntropy(t *testing.T) {
	if got := PunctuationEntropy("no punctuation here"); got != 0 {
		t.Errorf("expected 0 for text without punctuation, got %f", got)
	}
	if got := PunctuationEntropy("a. b. c."); got != 0 {
		t.Errorf("expected 0 for a single punctuation symbol, got %f", got)
	}
	if got := PunctuationEntropy("a, b. c, d."); math.Abs(got-1) > 1e-9 {
		t.Errorf("expected 1 bit for two equally used symbols, got %f", got)
	}
}

func TestSpecialCharFrequency(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{name: "empty", text: "", want: 0},
		{name: "plain prose", text: "Hello, world.", want: 0},
		{name: "symbols", text: "ab#$", want: 0.5},
		{name: "spaces ignored", text: "a b # $", want: 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SpecialCharFrequency(tc.text); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("SpecialCharFrequency(%q) = %f, want %f", tc.text, got, tc.want)
			}
		})
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	if got := coefficientOfVariation(nil); got != 0 {
		t.Errorf("empty input: got %f", got)
	}
	if got := coefficientOfVariation([]float64{8, 8, 8}); got != 0 {
		t.Errorf("uniform input: got %f", got)
	}
	// mean 10, population stddev 5
	if got := coefficientOfVariation([]float64{5, 15}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("got %f, want 0.5", got)
	}
}

// =============================================================================
// Lexical Heuristics Tests
// =============================================================================

func TestIsPassive(t *testing.T) {
	tests := []struct {
		words []string
		want  bool
	}{
		{[]string{"the", "report", "was", "written", "by", "the", "team"}, true},
		{[]string{"the", "garden", "was", "planted", "yesterday"}, true},
		{[]string{"it", "is", "not", "finished"}, true},
		{[]string{"it", "was", "quickly", "forgotten"}, true},
		{[]string{"they", "got", "caught"}, true},
		{[]string{"it", "was", "also", "tested"}, true},
		{[]string{"it", "was", "not", "quickly", "forgotten"}, false},
		{[]string{"it", "was", "never", "finished"}, false},
		{[]string{"it", "was", "just", "finished"}, false},
		{[]string{"the", "team", "wrote", "the", "report"}, false},
		{[]string{"she", "is", "happy"}, false},
		{[]string{"was"}, false},
		{[]string{"planted", "was"}, false},
	}
	for _, tc := range tests {
		if got := isPassive(tc.words); got != tc.want {
			t.Errorf("isPassive(%v) = %v, want %v", tc.words, got, tc.want)
		}
	}
}

func TestIsUppercaseWord(t *testing.T) {
	tests := map[string]bool{
		"NASA":     true,
		"OK":       true,
		"I":        false,
		"Hello":    false,
		"hello":    false,
		"COVID-19": true,
		"42":       false,
	}
	for w, want := range tests {
		if got := isUppercaseWord(w); got != want {
			t.Errorf("isUppercaseWord(%q) = %v, want %v", w, got, want)
		}
	}
}

func TestIsNumericToken(t *testing.T) {
	tests := map[string]bool{
		"42":     true,
		"3.14":   true,
		"10,000": true,
		"100x":   false,
		"abc":    false,
		",":      false,
	}
	for w, want := range tests {
		if got := isNumericToken(w); got != want {
			t.Errorf("isNumericToken(%q) = %v, want %v", w, got, want)
		}
	}
}

func TestLemma(t *testing.T) {
	tests := map[string]string{
		"walking": "walk",
		"carried": "carry",
		"stories": "story",
		"planted": "plant",
		"slowly":  "slow",
		"boxes":   "box",
		"dogs":    "dog",
		"glass":   "glass",
		"sing":    "sing",
		"is":      "is",
	}
	for w, want := range tests {
		if got := lemma(w); got != want {
			t.Errorf("lemma(%q) = %q, want %q", w, got, want)
		}
	}
}

func TestCountMarkers(t *testing.T) {
	markers := [][]string{{"in", "fact"}, {"clearly"}, {"of", "course"}}
	words := []string{"clearly", "in", "fact", "it", "is", "clearly", "true", "of"}
	if got := countMarkers(words, markers); got != 3 {
		t.Errorf("countMarkers = %d, want 3", got)
	}
	if got := countMarkers(nil, markers); got != 0 {
		t.Errorf("countMarkers(nil) = %d, want 0", got)
	}
}
