package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/models"
)

func TestNormalizeTransformer(t *testing.T) {
	doc := models.Document{
		ID:       "d1",
		Text:     "<div>Hello \u201cworld\u201d \u2014 it\u2019s\x07   <b>clean</b></div>\n\n",
		Metadata: map[string]any{"lang": "en"},
	}

	res, err := NormalizeTransformer{}.Transform(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DocumentID)
	assert.Equal(t, `Hello "world" - it's clean`, res.Payload["cleaned_text"])
	assert.Equal(t, 5, res.Payload["word_count"])
	assert.Equal(t, map[string]any{"lang": "en"}, res.Payload["metadata"])
}

func TestNormalizeTransformerRejectsEmptyText(t *testing.T) {
	_, err := NormalizeTransformer{}.Transform(context.Background(), models.Document{ID: "d1", Text: "<br/> \t "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestTransformFunc(t *testing.T) {
	var called bool
	f := TransformFunc(func(_ context.Context, doc models.Document) (*models.ProcessedResult, error) {
		called = true
		return &models.ProcessedResult{DocumentID: doc.ID}, nil
	})
	res, err := f.Transform(context.Background(), models.Document{ID: "x"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "x", res.DocumentID)
}
