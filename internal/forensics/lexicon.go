package forensics

import "strings"

// Word lists used by the English feature extractors. All entries are
// case-folded.

var pronouns = wordSet(`
i me my mine myself we us our ours ourselves you your yours yourself
yourselves he him his himself she her hers herself it its itself they them
their theirs themselves one someone somebody anyone anybody everyone
everybody nobody who whom whose this that these those`)

var conjunctions = wordSet(`
and but or nor for yet so although though because since unless until while
whereas whereby if whether once than after before when whenever where
wherever however therefore moreover furthermore nevertheless nonetheless
thus hence consequently meanwhile otherwise besides`)

// beForms precede a participle in the passive-voice heuristic.
var beForms = wordSet(`am is are was were be been being get gets got gotten getting`)

// passiveFillers may sit between the auxiliary and the participle.
var passiveFillers = wordSet(`not also being been`)

var irregularParticiples = wordSet(`
arisen awoken beaten become begun bent bet bid bitten bled blown broken
bred brought built burnt burst bought cast caught chosen clung come cost
crept cut dealt dug done drawn dreamt drunk driven eaten fallen fed felt
fought found fled flung flown forbidden forgotten forgiven frozen given gone
ground grown hung heard hidden hit held hurt kept knelt known laid led
leant learnt left lent let lain lit lost made meant met paid put quit read
ridden rung risen run said seen sought sold sent set sewn shaken shed shone
shot shown shrunk shut sung sunk slain slept slid slung spoken spent spun
spread sprung stood stolen stuck stung struck sworn swept swollen swum
swung taken taught torn told thought thrown understood undertaken upset woken
worn woven won wound written withdrawn`)

// DefaultRhetoricalMarkers is the default rhetorical-device lexicon. Entries
// may be multi-word phrases.
var DefaultRhetoricalMarkers = []string{
	"clearly", "obviously", "undoubtedly", "indeed", "surely", "certainly",
	"of course", "in fact", "needless to say", "make no mistake",
	"imagine", "consider", "think about it", "ask yourself", "let us",
	"let's", "what if", "why not", "not only", "but also", "believe me",
	"the truth is", "the fact is", "after all", "above all", "wake up",
	"mark my words", "without a doubt", "it is no secret", "everyone knows",
}

func wordSet(list string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(list) {
		set[w] = struct{}{}
	}
	return set
}

func inSet(set map[string]struct{}, w string) bool {
	_, ok := set[w]
	return ok
}

// lemma applies light suffix stripping to a case-folded word.
func lemma(w string) string {
	n := len(w)
	switch {
	case n > 5 && strings.HasSuffix(w, "ing"):
		return w[:n-3]
	case n > 4 && strings.HasSuffix(w, "ied"):
		return w[:n-3] + "y"
	case n > 4 && strings.HasSuffix(w, "ies"):
		return w[:n-3] + "y"
	case n > 4 && strings.HasSuffix(w, "ed"):
		return w[:n-2]
	case n > 4 && strings.HasSuffix(w, "ly"):
		return w[:n-2]
	case n > 4 && strings.HasSuffix(w, "es"):
		return w[:n-2]
	case n > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:n-1]
	}
	return w
}

// isParticiple reports whether a case-folded word looks like a past participle.
func isParticiple(w string) bool {
	if inSet(irregularParticiples, w) {
		return true
	}
	return len(w) > 3 && strings.HasSuffix(w, "ed")
}
