// Package intent recognises conversational signals in caller transcripts that
// the call session acts on without consulting the reasoning service, such as
// the caller saying goodbye.
//
// Matching tolerates transcription noise: each farewell phrase is compared
// against the tail of the utterance using Double Metaphone codes for phonetic
// candidate filtering and Jaro-Winkler similarity for scoring.
package intent

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.94
	defaultTailTokens        = 6
)

// DefaultFarewells returns the phrases that end a call by default.
func DefaultFarewells() []string {
	return []string{
		"goodbye",
		"bye bye",
		"bye now",
		"good night",
		"talk to you later",
		"talk to you tomorrow",
		"see you later",
		"i have to go",
		"i need to go",
		"i'm going to go now",
		"that's all for today",
		"please hang up",
		"end the call",
	}
}

// DefaultClosers returns phrases that, at the end of an assistant reply, signal
// that the assistant is wrapping the call up.
func DefaultClosers() []string {
	return []string{
		"goodbye",
		"take care",
		"talk to you tomorrow",
		"talk to you soon",
		"have a wonderful day",
		"have a good night",
	}
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithPhrases replaces the default farewell phrases.
func WithPhrases(phrases ...string) Option {
	return func(d *Detector) {
		d.phrases = compilePhrases(phrases)
	}
}

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a window that
// shares a phonetic code with a phrase. Default: 0.85.
func WithPhoneticThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window with no
// phonetic overlap. Default: 0.94.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// WithTailTokens limits matching to the last n words of an utterance, so that
// a farewell mentioned in passing early in a long sentence is ignored.
// Default: 6.
func WithTailTokens(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.tail = n
		}
	}
}

// Match describes a detected farewell.
type Match struct {
	// Phrase is the configured phrase that matched.
	Phrase string
	// Score is the Jaro-Winkler similarity in [0, 1].
	Score float64
}

type phrase struct {
	text   string
	tokens int
	joined string
	codes  map[string]struct{}
}

// Detector recognises farewells. It is read-only after construction and safe
// for concurrent use.
type Detector struct {
	phrases           []phrase
	phoneticThreshold float64
	fuzzyThreshold    float64
	tail              int
}

// NewDetector returns a [Detector] with [DefaultFarewells] unless overridden.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		phrases:           compilePhrases(DefaultFarewells()),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		tail:              defaultTailTokens,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Farewell reports whether transcript ends with a farewell. When several
// phrases qualify the highest-scoring one is returned.
func (d *Detector) Farewell(transcript string) (Match, bool) {
	tokens := Normalize(transcript)
	if len(tokens) == 0 || len(d.phrases) == 0 {
		return Match{}, false
	}
	if len(tokens) > d.tail {
		tokens = tokens[len(tokens)-d.tail:]
	}

	var best Match
	var found bool
	for _, p := range d.phrases {
		for size := max(1, p.tokens-1); size <= p.tokens+1; size++ {
			for start := 0; start+size <= len(tokens); start++ {
				window := strings.Join(tokens[start:start+size], "")
				score := matchr.JaroWinkler(window, p.joined, false)
				threshold := d.fuzzyThreshold
				if codesOverlap(codesFor(window), p.codes) {
					threshold = d.phoneticThreshold
				}
				if score >= threshold && score > best.Score {
					best = Match{Phrase: p.text, Score: score}
					found = true
				}
			}
		}
	}
	return best, found
}

// Normalize lower-cases s, drops apostrophes and splits on everything that is
// not a letter or digit.
func Normalize(s string) []string {
	s = strings.ToLower(strings.NewReplacer("'", "", "’", "").Replace(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func compilePhrases(texts []string) []phrase {
	out := make([]phrase, 0, len(texts))
	for _, t := range texts {
		tokens := Normalize(t)
		if len(tokens) == 0 {
			continue
		}
		joined := strings.Join(tokens, "")
		out = append(out, phrase{
			text:   t,
			tokens: len(tokens),
			joined: joined,
			codes:  codesFor(joined),
		})
	}
	return out
}

// codesFor returns the non-empty Double Metaphone codes of s.
func codesFor(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, a := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if a != "" {
		codes[a] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
