package assistant

import (
	"context"
	"database/sql"
	"sort"

	"coachchat/internal/models"

	"github.com/pkg/errors"
)

// MatchDocumentSections scores every section of the owner's project against
// the query embedding and returns up to limit matches at or above threshold,
// best first. Embeddings are stored normalised, so the dot product is the
// cosine similarity.
func (s *Service) MatchDocumentSections(ctx context.Context, ownerID int64, projectID string, query []float32, threshold float64, limit int) ([]models.SectionMatch, error) {
	if limit <= 0 || len(query) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, s.content, s.embedding
		 FROM document_sections s JOIN documents d ON d.id = s.document_id
		 WHERE d.user_id = ? AND d.project_id = ?`,
		ownerID, projectID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load sections")
	}
	defer rows.Close()

	var matches []models.SectionMatch
	for rows.Next() {
		var (
			m   models.SectionMatch
			raw sql.NullString
		)
		if err := rows.Scan(&m.DocumentID, &m.Title, &m.Content, &raw); err != nil {
			return nil, errors.Wrap(err, "scan section")
		}
		vec, err := decodeEmbedding(raw)
		if err != nil || len(vec) != len(query) {
			continue
		}
		m.Similarity = dot(query, vec)
		if m.Similarity >= threshold {
			matches = append(matches, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sections")
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
