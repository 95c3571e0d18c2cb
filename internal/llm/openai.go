package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"docqa/internal/retry"
)

// OpenAIGenerator calls the OpenAI Chat Completions API. Retries and
// timeouts are left to Resilient.
type OpenAIGenerator struct {
	model  openai.ChatModel
	client *openai.Client
}

// NewOpenAIGenerator builds a client against api.openai.com, or baseURL when set.
func NewOpenAIGenerator(apiKey, baseURL string, model openai.ChatModel) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	cli := openai.NewClient(opts...)
	return &OpenAIGenerator{
		model:  model,
		client: &cli,
	}, nil
}

func (g *OpenAIGenerator) Model() string { return "openai/" + string(g.model) }

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if g == nil || g.client == nil {
		return Response{}, retry.Permanent(fmt.Errorf("nil openai client"))
	}
	params := openai.ChatCompletionNewParams{
		Model:       g.model,
		Messages:    buildMessages(req.System, req.User),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Response{}, fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return Response{
		Text:        resp.Choices[0].Message.Content,
		Model:       resp.Model,
		TotalTokens: int(resp.Usage.TotalTokens),
	}, nil
}

func buildMessages(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(system),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(user),
				},
			},
		},
	}
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
