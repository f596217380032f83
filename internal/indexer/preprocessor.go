package indexer

import (
	"strings"
	"unicode"

	"github.com/hyperjump/nagare/pkg/utils"
)

// Preprocess normalizes text for indexing (trim, collapse whitespace).
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// EmbeddingText prepares the text sent to the embedding collaborator: normalized and cut to
// at most maxChars characters without splitting a multi-byte character.
func EmbeddingText(text string, maxChars int) string {
	return utils.TruncateChars(Preprocess(text), maxChars)
}
