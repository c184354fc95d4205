package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"coachchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeSearcher struct {
	matches   []models.SectionMatch
	err       error
	gotQuery  []float32
	gotOwner  int64
	gotProj   string
	gotThresh float64
	gotLimit  int
}

func (f *fakeSearcher) MatchDocumentSections(_ context.Context, ownerID int64, projectID string, query []float32, threshold float64, limit int) ([]models.SectionMatch, error) {
	f.gotQuery, f.gotOwner, f.gotProj, f.gotThresh, f.gotLimit = query, ownerID, projectID, threshold, limit
	return f.matches, f.err
}

func TestRetrieveUsesDefaults(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0}}
	search := &fakeSearcher{matches: []models.SectionMatch{{Title: "Goals", Content: "run", Similarity: 0.9}}}
	r := NewRetriever(emb, search, 2)

	matches := r.Retrieve(context.Background(), "how do I run", 7, "p1")
	require.Len(t, matches, 1)
	assert.Equal(t, int64(7), search.gotOwner)
	assert.Equal(t, "p1", search.gotProj)
	assert.Equal(t, DefaultMatchCount, search.gotLimit)
	assert.Equal(t, DefaultMinSimilarity, search.gotThresh)
	assert.Equal(t, []float32{1, 0}, search.gotQuery)
}

func TestRetrieveFallsBackToZeroVector(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("boom")}
	search := &fakeSearcher{}
	r := NewRetriever(emb, search, 4)

	matches := r.Retrieve(context.Background(), "q", 1, "p")
	assert.Empty(t, matches)
	assert.Equal(t, make([]float32, 4), search.gotQuery)
}

func TestRetrieveSearchFailureIsEmpty(t *testing.T) {
	r := NewRetriever(&fakeEmbedder{vec: []float32{1}}, &fakeSearcher{err: errors.New("db down")}, 1)
	assert.Empty(t, r.Retrieve(context.Background(), "q", 1, "p"))
}

func TestBuildSectionsAbortsOnEmbedError(t *testing.T) {
	_, err := BuildSections(context.Background(), &fakeEmbedder{err: ErrEmbeddingUnavailable}, "text")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)

	emb := &fakeEmbedder{vec: []float32{1}}
	sections, err := BuildSections(context.Background(), emb, strings.Repeat("abcdefghij", 250))
	require.NoError(t, err)
	require.Len(t, sections, 3)
	assert.Equal(t, 2, sections[2].ChunkIndex)
	assert.Len(t, emb.calls, 3)

	sections, err = BuildSections(context.Background(), emb, "")
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestBuildContext(t *testing.T) {
	assert.Equal(t, "", BuildContext(nil))

	got := BuildContext([]models.SectionMatch{
		{Title: "Goals", Content: "Run a marathon."},
		{Title: "Values", Content: "Honesty."},
	})
	want := "---\nUse the below context to provide relevant insights to the user, but don't explicitly mention that you're reading from these files unless the user asks about their Files.\n---\n\n" +
		"\nContext from user Files:\n\n" +
		"[Goals]\nRun a marathon.\n\n" +
		"[Values]\nHonesty.\n\n" +
		"---\nEnd of context from user Files.\n---\n\n"
	assert.Equal(t, want, got)
}
