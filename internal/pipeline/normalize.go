package pipeline

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	markupRe   = regexp.MustCompile("[*_`#~]+")
	emphaticRe = regexp.MustCompile(`[!?]{2,}`)
	dotsRe     = regexp.MustCompile(`\.{4,}`)
	shoutRe    = regexp.MustCompile(`\b[A-Z]{4,}\b`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Normalize prepares reply text for speech synthesis: markdown emphasis is
// stripped, runs of "!" and "?" collapse to one mark, long dot runs become an
// ellipsis and shouted words of four or more capitals are lower-cased.
// Acronyms up to three letters (TV, ER) are kept.
func Normalize(text string) string {
	s := markupRe.ReplaceAllString(text, "")
	s = emphaticRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(m, "?") {
			return "?"
		}
		return "!"
	})
	s = dotsRe.ReplaceAllString(s, "...")
	s = shoutRe.ReplaceAllStringFunc(s, strings.ToLower)
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	return capitalizeFirst(s)
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
