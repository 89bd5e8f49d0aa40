// Sentence-boundary chunking with configurable chunk size.
package retrieval

import (
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

// TextChunk is one chunk of source text with its detected language.
type TextChunk struct {
	Text string
	Lang language.Tag
}

// sentenceRE splits on Western and CJK sentence terminators, keeping the
// terminator with the sentence.
var sentenceRE = regexp.MustCompile(`[^.!?。！？]+[.!?。！？]*`)

// Chunker groups sentences into chunks of a fixed size.
type Chunker struct {
	// SentencesPerChunk is the number of sentences per chunk; values < 1
	// fall back to the default of 3.
	SentencesPerChunk int
}

// Split segments text into sentence groups and tags each with its detected
// language. Whitespace-only input yields no chunks.
func (c Chunker) Split(text string) []TextChunk {
	per := c.SentencesPerChunk
	if per < 1 {
		per = 3
	}

	var sentences []string
	for _, s := range sentenceRE.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return nil
	}

	chunks := make([]TextChunk, 0, (len(sentences)+per-1)/per)
	for i := 0; i < len(sentences); i += per {
		end := i + per
		if end > len(sentences) {
			end = len(sentences)
		}
		joined := strings.Join(sentences[i:end], " ")
		chunks = append(chunks, TextChunk{Text: joined, Lang: DetectLanguage(joined)})
	}
	return chunks
}
