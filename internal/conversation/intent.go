package conversation

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	resumePhoneticThreshold = 0.93
	resumeFuzzyThreshold    = 0.95

	// Tokens this short only match through a shared phonetic code.
	shortTokenLen = 4
)

// resumeWords are answers to "shall we continue?" that keep the
// conversation going.
var resumeWords = []string{
	"yes", "yeah", "yep", "yup", "sure", "okay", "ok", "continue",
	"more", "again", "ready", "please", "absolutely", "definitely",
}

// resumePhrases are multi-word resume answers matched on adjacent tokens.
var resumePhrases = []string{"go on", "keep going", "let's go", "of course"}

// stopWords end the conversation even when a resume word is also present
// ("no more", "not again").
var stopWords = map[string]bool{
	"no": true, "nope": true, "nah": true, "not": true, "don't": true,
	"dont": true, "stop": true, "enough": true, "bye": true,
	"goodbye": true, "later": true, "quit": true, "done": true,
	"finished": true, "tired": true,
}

// IsResume classifies the transcription of an answer to a prolonged-pause
// follow-up question. It reports true when the learner wants to continue.
//
// Words are compared exactly first, then by Double Metaphone code overlap
// with a Jaro-Winkler score of at least 0.93, and finally by Jaro-Winkler
// alone at 0.95, so that slightly mis-transcribed answers ("yess", "contineu")
// are still understood while near neighbours ("year", "contain") are not.
// Tokens of four letters or fewer need the phonetic match. Any stop word
// wins over a resume word.
func IsResume(text string) bool {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if stopWords[t] {
			return false
		}
	}

	for i := range tokens {
		if i+1 < len(tokens) {
			bigram := tokens[i] + " " + tokens[i+1]
			for _, p := range resumePhrases {
				if bigram == p {
					return true
				}
			}
		}
		for _, w := range resumeWords {
			if matchesWord(tokens[i], w) {
				return true
			}
		}
	}
	return false
}

// matchesWord reports whether a spoken token is close enough to a resume
// word.
func matchesWord(token, word string) bool {
	if token == word {
		return true
	}
	// Very short tokens collide phonetically with too many words.
	if len(token) < 3 || len(word) < 3 {
		return false
	}
	score := matchr.JaroWinkler(token, word, false)
	if codesOverlap(token, word) {
		return score >= resumePhoneticThreshold
	}
	if len(token) <= shortTokenLen {
		return false
	}
	return score >= resumeFuzzyThreshold
}

// codesOverlap reports whether a and b share a Double Metaphone code.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

// tokenize lower-cases text and splits it into words, keeping apostrophes
// so contractions survive.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
