package rag

import (
	"context"

	"coachchat/internal/models"

	"github.com/pkg/errors"
)

// BuildSections chunks content and embeds every chunk. Any embedding
// failure aborts the whole document write.
func BuildSections(ctx context.Context, embedder Embedder, content string) ([]models.DocumentSection, error) {
	chunks := Chunk(content, DefaultChunkSize, DefaultOverlapRatio)
	sections := make([]models.DocumentSection, 0, len(chunks))
	for i, chunk := range chunks {
		vec, err := embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "embed chunk %d", i)
		}
		sections = append(sections, models.DocumentSection{
			ChunkIndex: i,
			Content:    chunk,
			Embedding:  vec,
		})
	}
	return sections, nil
}
