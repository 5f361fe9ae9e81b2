package dom

import (
	"strings"
	"sync"

	"github.com/tdewolff/minify/v2"
	minhtml "github.com/tdewolff/minify/v2/html"
)

var (
	minifier *minify.M
	once     sync.Once
)

// getMinifier returns the shared markup normalizer. Quotes, end tags and
// document tags are kept so normalized output still parses to the same tree;
// only insignificant whitespace is collapsed.
func getMinifier() *minify.M {
	once.Do(func() {
		minifier = minify.New()
		minifier.Add("text/html", &minhtml.Minifier{
			KeepQuotes:       true,
			KeepEndTags:      true,
			KeepDocumentTags: true,
		})
	})
	return minifier
}

// Normalize collapses insignificant whitespace in markup so two renderings
// of the same tree compare equal regardless of template indentation. Falls
// back to the input when the markup cannot be minified.
func Normalize(markup string) string {
	if !strings.Contains(markup, "<") {
		return normalizeWhitespace(markup)
	}
	normalized, err := getMinifier().String("text/html", markup)
	if err != nil {
		return markup
	}
	return normalized
}

// normalizeWhitespace trims and collapses runs of whitespace in plain text.
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
}
