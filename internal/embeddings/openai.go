package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"docqa/internal/retry"
)

// OpenAIEmbedder calls OpenAI's embeddings API. It makes exactly one request
// per call; retries and timeouts belong to Resilient.
type OpenAIEmbedder struct {
	model  openai.EmbeddingModel
	dims   int
	client *openai.Client
}

// NewOpenAIEmbedder creates a new OpenAI embedder. baseURL may be empty.
func NewOpenAIEmbedder(apiKey, baseURL string, model openai.EmbeddingModel, dims int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	cli := openai.NewClient(opts...)
	return &OpenAIEmbedder{
		model:  model,
		dims:   dims,
		client: &cli,
	}, nil
}

func (e *OpenAIEmbedder) Model() string   { return "openai/" + string(e.model) }
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	if e == nil || e.client == nil {
		return nil, retry.Permanent(fmt.Errorf("nil openai client"))
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: e.model,
	}
	// ada-002 has a fixed output size and rejects the parameter.
	if e.dims > 0 && e.model != openai.EmbeddingModelTextEmbeddingAda002 {
		params.Dimensions = openai.Int(int64(e.dims))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	vecs := make([]Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vecs) {
			return nil, fmt.Errorf("malformed response: embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = toVector(d.Embedding)
	}
	return vecs, nil
}

// classifyOpenAIError marks client errors other than rate limiting and
// request timeouts as permanent.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return err
		}
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
