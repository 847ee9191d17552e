package enhance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	openAIDefaultModel   = "gpt-4o-mini"
	openAIDefaultTimeout = 120 * time.Second
	summaryMaxTokens     = 900
)

// OpenAIConfig configures the OpenAI summarizer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string        // Optional: any OpenAI-compatible endpoint
	Model       string        // Default: gpt-4o-mini
	Temperature float64       // Default: 0.3
	Timeout     time.Duration // Default: 120s
	HTTPClient  *http.Client  // Optional (tests)
}

// OpenAISummarizer implements Summarizer with chat completions and a JSON
// schema response format.
type OpenAISummarizer struct {
	model       string
	temperature float64
	client      openai.Client
}

// NewOpenAISummarizer creates a summarizer. Retries are left to the caller
// so rate limits are handled in one place.
func NewOpenAISummarizer(cfg OpenAIConfig) *OpenAISummarizer {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openAIDefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAISummarizer{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      openai.NewClient(opts...),
	}
}

// Model returns the configured model.
func (s *OpenAISummarizer) Model() string {
	return s.model
}

// Summarize requests a structured summary for one chapter.
func (s *OpenAISummarizer) Summarize(ctx context.Context, req SummaryRequest) (*SummaryResult, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(req)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "chapter_summary",
					Description: openai.String("A chapter summary with key points"),
					Schema:      summarySchema,
				},
			},
		},
		Temperature:         openai.Float(s.temperature),
		MaxCompletionTokens: openai.Int(summaryMaxTokens),
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrInvalidOutput)
	}
	return ParseSummary(resp.Choices[0].Message.Content)
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.Message != "" {
			return fmt.Errorf("OpenAI error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("OpenAI error (status %d)", apiErr.StatusCode)
	}
	return err
}

var _ Summarizer = (*OpenAISummarizer)(nil)
