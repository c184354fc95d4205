package rag

import (
	"context"
	"math"
	"net/http"

	"coachchat/internal/config"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// ErrEmbeddingUnavailable is returned when the provider yields no vector.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Embedder turns text into a unit-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIEmbedder builds an embedder from config. httpClient may be nil.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, httpClient *http.Client) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultEmbeddingModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = config.DefaultEmbeddingDims
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(model),
		dims:   dims,
	}
}

// Dimensions reports the configured vector size.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

// Embed requests an embedding for text and normalises it.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating embedding")
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.Wrapf(ErrEmbeddingUnavailable, "model %s returned no data", e.model)
	}
	return Normalize(resp.Data[0].Embedding), nil
}

// Normalize scales v to unit length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	mag := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}

// ZeroVector is the query vector used when embedding fails on the chat path;
// it matches nothing above a positive threshold.
func ZeroVector(dims int) []float32 {
	if dims <= 0 {
		dims = config.DefaultEmbeddingDims
	}
	return make([]float32, dims)
}
