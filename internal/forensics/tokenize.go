package forensics

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits text into sentences and words. Implementations must be
// deterministic and safe for concurrent use.
type Tokenizer interface {
	Sentences(text string) []string
	Words(sentence string) []string
}

// Segmented is text that was already split by an external tokenizer. Tokens
// without letters or digits are treated as punctuation.
type Segmented struct {
	Raw       string     `json:"raw,omitempty"`
	Sentences [][]string `json:"sentences"`
}

// SimpleTokenizer is a rule-based tokenizer for Latin-script prose.
type SimpleTokenizer struct{}

const sentenceClosers = "\"')]}»”’"

// Sentences splits at runs of . ! ? followed by whitespace or end of text,
// and at blank lines. Terminators stay attached to their sentence.
func (SimpleTokenizer) Sentences(text string) []string {
	text = norm.NFC.String(text)

	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	start := 0
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case r == '.' || r == '!' || r == '?':
			j := i + size
			for j < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[j:])
				if r2 != '.' && r2 != '!' && r2 != '?' && !strings.ContainsRune(sentenceClosers, r2) {
					break
				}
				j += s2
			}
			if j >= len(text) {
				emit(text[start:j])
				start = j
				i = j
				continue
			}
			if r2, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(r2) {
				emit(text[start:j])
				start = j
			}
			i = j
		case r == '\n' && strings.HasPrefix(strings.TrimLeft(text[i+size:], " \t\r"), "\n"):
			emit(text[start:i])
			start = i + size
			i += size
		default:
			i += size
		}
	}
	emit(text[start:])
	return out
}

// Words returns maximal runs of letters and digits. Apostrophes and hyphens
// are kept inside words, and '.' or ',' inside numbers.
func (SimpleTokenizer) Words(sentence string) []string {
	runes := []rune(sentence)
	var words []string
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		if isWordRune(r) {
			cur = append(cur, r)
			continue
		}
		if len(cur) > 0 && i+1 < len(runes) {
			next := runes[i+1]
			prev := cur[len(cur)-1]
			switch {
			case (r == '\'' || r == '’' || r == '-') && unicode.IsLetter(prev) && unicode.IsLetter(next):
				cur = append(cur, r)
				continue
			case (r == '.' || r == ',') && unicode.IsDigit(prev) && unicode.IsDigit(next):
				cur = append(cur, r)
				continue
			}
		}
		flush()
	}
	flush()
	return words
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

func isWordToken(tok string) bool {
	for _, r := range tok {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// sentence is the tokenizer-independent unit the metrics operate on.
type sentence struct {
	words    []string
	question bool
}

func segmentText(tok Tokenizer, text string) []sentence {
	var out []sentence
	for _, s := range tok.Sentences(text) {
		words := tok.Words(s)
		if len(words) == 0 {
			continue
		}
		out = append(out, sentence{words: words, question: endsWithQuestion(s)})
	}
	return out
}

func segmentTokens(seg Segmented) []sentence {
	var out []sentence
	for _, toks := range seg.Sentences {
		var s sentence
		trailing := ""
		for _, t := range toks {
			if isWordToken(t) {
				s.words = append(s.words, t)
				trailing = ""
			} else {
				trailing += t
			}
		}
		if len(s.words) == 0 {
			continue
		}
		s.question = strings.ContainsRune(trailing, '?')
		out = append(out, s)
	}
	return out
}

func endsWithQuestion(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), sentenceClosers)
	tail := len(s)
	for tail > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:tail])
		if r != '.' && r != '!' && r != '?' {
			break
		}
		if r == '?' {
			return true
		}
		tail -= size
	}
	return false
}
