package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"docbatch/internal/models"
)

// Transformer turns one raw document into a processed result. Implementations
// must be stateless; a returned error counts as a failed document.
type Transformer interface {
	Transform(ctx context.Context, doc models.Document) (*models.ProcessedResult, error)
}

// TransformFunc adapts a plain function to Transformer
type TransformFunc func(ctx context.Context, doc models.Document) (*models.ProcessedResult, error)

func (f TransformFunc) Transform(ctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
	return f(ctx, doc)
}

var ErrEmptyText = errors.New("document has no text after cleaning")

var (
	htmlTag    = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
	replacer   = strings.NewReplacer(
		"\u2018", "'", "\u2019", "'", "\u201c", `"`, "\u201d", `"`,
		"\u2013", "-", "\u2014", "-", "\u00a0", " ",
	)
)

// NormalizeTransformer strips markup, folds typographic punctuation, drops
// control characters and collapses whitespace.
type NormalizeTransformer struct{}

func (NormalizeTransformer) Transform(_ context.Context, doc models.Document) (*models.ProcessedResult, error) {
	text := htmlTag.ReplaceAllString(doc.Text, " ")
	text = replacer.Replace(text)
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return nil, ErrEmptyText
	}

	payload := map[string]any{
		"cleaned_text":    text,
		"original_length": len(doc.Text),
		"cleaned_length":  len(text),
		"word_count":      len(strings.Fields(text)),
	}
	if len(doc.Metadata) > 0 {
		payload["metadata"] = doc.Metadata
	}
	return &models.ProcessedResult{DocumentID: doc.ID, Payload: payload}, nil
}
