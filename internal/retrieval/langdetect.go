// Language detection over a fixed set of languages using script and
// stop-word heuristics. The detected language picks the embedding model
// variant and travels with each chunk.
package retrieval

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

var (
	englishStopwords = map[string]struct{}{
		"the": {}, "and": {}, "of": {}, "to": {}, "in": {}, "is": {},
		"that": {}, "for": {}, "it": {}, "with": {}, "was": {}, "this": {},
	}
	frenchStopwords = map[string]struct{}{
		"le": {}, "la": {}, "les": {}, "de": {}, "des": {}, "et": {},
		"un": {}, "une": {}, "est": {}, "que": {}, "pour": {}, "dans": {},
	}
)

// DetectLanguage classifies text as English, French, Russian, Chinese, or
// Und. Script wins outright for Han and Cyrillic; Latin text is split
// between English and French by stop-word counts.
func DetectLanguage(text string) language.Tag {
	var han, cyrillic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.IsLetter(r):
			latin++
		}
	}
	total := han + cyrillic + latin
	if total == 0 {
		return language.Und
	}
	if han*2 >= total {
		return language.Chinese
	}
	if cyrillic*2 >= total {
		return language.Russian
	}

	var en, fr int
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if _, ok := englishStopwords[w]; ok {
			en++
		}
		if _, ok := frenchStopwords[w]; ok {
			fr++
		}
	}
	switch {
	case fr > en:
		return language.French
	case en > 0:
		return language.English
	default:
		// Latin script with no recognizable stop words: assume English,
		// the dominant language of the corpus.
		return language.English
	}
}
