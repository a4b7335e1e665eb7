// Package testcorpus provides deterministic text samples for tests.
package testcorpus

import (
	"math/rand"
	"strings"
)

const essay = `The old {harbor} town wakes slowly each morning, and the fishermen walk down to the water while the bakers open their doors. Children run along the stone wall with their small dogs, because the tide leaves bright {shells} and strange wood on the sand. My grandmother often tells me that the town changes very little, although new families arrive every summer and rent the white cottages. We gather in the square after supper, and the musicians play old songs while the {lanterns} swing gently in the evening wind. Nobody hurries here, yet the work always finishes on time, since every neighbor knows the rhythm of the boats and the weather. In the autumn the storms come across the bay, but the houses stand firm and the people simply light their fires and wait. I love this place for its patience, and I hope that my own children will learn the same quiet habits of care. When the spring returns, the gardens fill with color, and the whole town seems to breathe again after the long gray months. Visitors sometimes ask why we stay, and we answer that the sea gives us everything we need, from food to stories to peace.`

// Substitutions of equal length that leave every metric unchanged.
var (
	harbors  = []string{"harbor", "valley", "meadow", "island", "forest"}
	shells   = []string{"shells", "plumes", "corals", "acorns", "fronds"}
	lanterns = []string{"lanterns", "garlands", "blankets", "curtains", "pennants"}
)

// EssayVariants is the number of distinct Essay variants.
const EssayVariants = 5

// Essay returns a calm, conjunction-heavy personal essay of about 200 words
// with 22-23 word sentences and no passive voice. Variants differ only in
// three nouns of equal length, so all variants share identical metrics.
func Essay(variant int) string {
	v := variant % EssayVariants
	if v < 0 {
		v += EssayVariants
	}
	r := strings.NewReplacer(
		"{harbor}", harbors[v],
		"{shells}", shells[v],
		"{lanterns}", lanterns[v],
	)
	return r.Replace(essay)
}

// PassiveBurst returns uniform 8-word sentences that are all passive.
func PassiveBurst() string {
	return `The report was written by the team today. The bridge was built by the city workers. The letters were sent by the office staff. The garden was planted by the local school. The music was played by the town band. The boats were painted by the young artists. The bread was baked by the corner bakery.`
}

// Shouty returns a short-sentence, question-heavy, all-caps social post
// style sample with numbers and symbols.
func Shouty() string {
	return `WOW!!! Did you see the price today? It jumped 45% in 2 days... I told you so. Why does NOBODY listen? Buy now, sell later? NO WAY. The chart says 100x soon!!! Trust me :) #crypto #moon @everyone Check it out at 9:30 AM. Are you in? I am ALL IN. Let's GO!!! 3 2 1 ... Do you get it now? Seriously, WHO waits for 2025? Not me!!! Ask yourself: what if it hits $10,000 by Friday? HUGE. Clearly the smart money knows. Imagine missing THIS!!!`
}

// Technical returns formal operational prose with frequent passive voice.
func Technical() string {
	return `The configuration file is parsed at startup and the resulting values are validated against the schema. Each request is authenticated by the gateway before it is forwarded to the backend service. Errors are logged with a correlation identifier, and metrics are exported every 15 seconds. When the cache is invalidated, stale entries are removed and fresh data is fetched from the primary database. Administrators are notified when latency exceeds 250 milliseconds for more than 3 consecutive intervals.`
}

// Short is below the minimum sample size.
const Short = "Too short to fingerprint."

var wordBank = strings.Fields(`
river stone quiet morning letter window garden market winter bridge
travel simple gentle bright narrow ancient silver yellow summer evening
walk carry follow listen remember borrow gather answer notice wonder
and but because while although so yet or when since
we they she he it you our their my your
always often rarely never sometimes slowly quickly softly nearly only`)

// Random returns a deterministic pseudo-random text of the given number of
// sentences, each 10-20 words long.
func Random(seed int64, sentences int) string {
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		n := 10 + rng.Intn(11)
		for j := 0; j < n; j++ {
			w := wordBank[rng.Intn(len(wordBank))]
			if j == 0 {
				w = strings.ToUpper(w[:1]) + w[1:]
			} else {
				b.WriteByte(' ')
			}
			b.WriteString(w)
		}
		if rng.Intn(5) == 0 {
			b.WriteString("? ")
		} else {
			b.WriteString(". ")
		}
	}
	return strings.TrimSpace(b.String())
}
