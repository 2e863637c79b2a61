package translate

import (
	"context"
)

// Translation is one resolved target-language rendering of a source text.
type Translation struct {
	Text       string
	Confidence float64
	Provider   string
	Cached     bool
}

// Translator converts text between languages. The contextType hint ("general",
// "religious", ...) steers phrasing and keys the cache.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang, contextType string) (Translation, error)
}
