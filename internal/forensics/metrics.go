package forensics

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// standardPunctuation is ordinary sentence punctuation. Anything else that is
// punctuation or a symbol counts towards special_char_frequency.
const standardPunctuation = ".,;:!?'\"-()’‘“”…–—"

// computeStyleMetrics calculates all 13 metrics plus the sentence-length
// coefficient of variation. raw must be NFC-normalized.
func computeStyleMetrics(raw string, sents []sentence, markers [][]string) (StyleMetrics, float64) {
	var m StyleMetrics
	if len(sents) == 0 {
		return m, 0
	}

	fold := cases.Fold()

	var (
		tokens     int
		runeTotal  int
		pronounN   int
		conjN      int
		upperN     int
		numericN   int
		questionN  int
		passiveN   int
		rhetorical int
	)
	types := make(map[string]struct{})
	lemmas := make(map[string]struct{})
	lengths := make([]float64, 0, len(sents))

	for _, s := range sents {
		folded := make([]string, len(s.words))
		for i, w := range s.words {
			f := foldWord(fold, w)
			folded[i] = f
			tokens++
			runeTotal += utf8.RuneCountInString(w)
			types[f] = struct{}{}
			lemmas[lemma(f)] = struct{}{}
			if inSet(pronouns, f) {
				pronounN++
			}
			if inSet(conjunctions, f) {
				conjN++
			}
			if isUppercaseWord(w) {
				upperN++
			}
			if isNumericToken(w) {
				numericN++
			}
		}
		lengths = append(lengths, float64(len(s.words)))
		if s.question {
			questionN++
		}
		if isPassive(folded) {
			passiveN++
		}
		rhetorical += countMarkers(folded, markers)
	}

	n := float64(tokens)
	sc := float64(len(sents))

	m.AvgSentenceLength = n / sc
	m.LexicalDiversity = float64(len(types)) / n
	m.AvgWordLength = float64(runeTotal) / n
	m.PronounFrequency = float64(pronounN) / n
	m.ConjunctionFrequency = float64(conjN) / n
	m.QuestionFrequency = float64(questionN) / sc
	m.PassiveVoiceRatio = float64(passiveN) / sc
	m.PunctuationEntropy = PunctuationEntropy(raw)
	m.UppercaseWordFrequency = float64(upperN) / n
	m.NumericTokenFrequency = float64(numericN) / n
	m.SpecialCharFrequency = SpecialCharFrequency(raw)
	m.VocabularyRichness = float64(len(lemmas)) / n
	m.RhetoricalDensity = float64(rhetorical) / n

	return m, coefficientOfVariation(lengths)
}

// foldWord case-folds w and maps typographic apostrophes to ASCII.
func foldWord(fold cases.Caser, w string) string {
	return strings.ReplaceAll(fold.String(w), "’", "'")
}

// PunctuationEntropy is the Shannon entropy (bits) of the distribution of
// punctuation runes in text.
func PunctuationEntropy(text string) float64 {
	counts := make(map[rune]int)
	for _, r := range text {
		if unicode.IsPunct(r) {
			counts[r]++
		}
	}
	return shannonEntropy(sortedCounts(counts))
}

// SpecialCharFrequency is the share of non-space runes that are symbols or
// non-standard punctuation.
func SpecialCharFrequency(text string) float64 {
	total, special := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsSymbol(r) || (unicode.IsPunct(r) && !strings.ContainsRune(standardPunctuation, r)) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}

// sortedCounts returns map values ordered by key so that floating point
// sums over them are reproducible.
func sortedCounts(counts map[rune]int) []int {
	keys := make([]rune, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]int, len(keys))
	for i, k := range keys {
		out[i] = counts[k]
	}
	return out
}

// shannonEntropy calculates Shannon entropy from a histogram.
// Formula: H = -sum (c_j/n) * log2(c_j/n) for non-zero bins
func shannonEntropy(histogram []int) float64 {
	n := 0
	for _, count := range histogram {
		n += count
	}
	if n == 0 {
		return 0
	}

	entropy := 0.0
	nFloat := float64(n)
	for _, count := range histogram {
		if count > 0 {
			p := float64(count) / nFloat
			entropy -= p * math.Log2(p)
		}
	}

	return entropy
}

// isPassive looks for a be/get auxiliary followed by a past participle,
// allowing at most one filler ("not", "also", "being", "been" or an -ly
// adverb) in between.
func isPassive(folded []string) bool {
	for i, w := range folded {
		if !inSet(beForms, w) {
			continue
		}
		j := i + 1
		if j < len(folded) && isFiller(folded[j]) {
			j++
		}
		if j < len(folded) && isParticiple(folded[j]) {
			return true
		}
	}
	return false
}

func isFiller(w string) bool {
	return inSet(passiveFillers, w) || (len(w) > 4 && strings.HasSuffix(w, "ly"))
}

// isUppercaseWord reports tokens with at least two letters, all upper case.
func isUppercaseWord(w string) bool {
	letters := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 2
}

// isNumericToken reports tokens made of digits and digit separators only.
func isNumericToken(w string) bool {
	digits := 0
	for _, r := range w {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '.' || r == ',':
		default:
			return false
		}
	}
	return digits > 0
}

// countMarkers counts (possibly overlapping) occurrences of each marker
// phrase in a folded token sequence.
func countMarkers(folded []string, markers [][]string) int {
	count := 0
	for i := range folded {
		for _, mk := range markers {
			if len(mk) == 0 || i+len(mk) > len(folded) {
				continue
			}
			match := true
			for k, t := range mk {
				if folded[i+k] != t {
					match = false
					break
				}
			}
			if match {
				count++
			}
		}
	}
	return count
}

// coefficientOfVariation is the population standard deviation over the mean.
func coefficientOfVariation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0
	}
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(len(values))) / mean
}
