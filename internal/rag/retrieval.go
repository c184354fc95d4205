package rag

import (
	"context"
	"log"

	"coachchat/internal/models"
)

const (
	DefaultMatchCount    = 5
	DefaultMinSimilarity = 0.7
)

// SectionSearcher ranks the owner's project sections against a query vector.
type SectionSearcher interface {
	MatchDocumentSections(ctx context.Context, ownerID int64, projectID string, query []float32, threshold float64, limit int) ([]models.SectionMatch, error)
}

// Retriever finds the knowledge-base sections relevant to a chat message.
type Retriever struct {
	embedder      Embedder
	searcher      SectionSearcher
	dims          int
	matchCount    int
	minSimilarity float64
}

// NewRetriever wires an embedder and a searcher with the default k and threshold.
func NewRetriever(embedder Embedder, searcher SectionSearcher, dims int) *Retriever {
	return &Retriever{
		embedder:      embedder,
		searcher:      searcher,
		dims:          dims,
		matchCount:    DefaultMatchCount,
		minSimilarity: DefaultMinSimilarity,
	}
}

// Retrieve never fails the turn: embedding errors fall back to a zero vector
// and search errors yield no matches. Both are logged.
func (r *Retriever) Retrieve(ctx context.Context, query string, ownerID int64, projectID string) []models.SectionMatch {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("retrieval: embed query for project %s: %v", projectID, err)
		vec = ZeroVector(r.dims)
	}
	matches, err := r.searcher.MatchDocumentSections(ctx, ownerID, projectID, vec, r.minSimilarity, r.matchCount)
	if err != nil {
		log.Printf("retrieval: match sections for project %s: %v", projectID, err)
		return nil
	}
	return matches
}
