package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// DefaultModel is used when neither the node nor the configuration names one.
const DefaultModel = "claude-sonnet-4-5"

// AnthropicClient implements ports.LLMClient with the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(cfg *Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	// Retries are driven by the recovery policy, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: logger,
	}, nil
}

// Complete implements ports.LLMClient.
func (c *AnthropicClient) Complete(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("anthropic message created",
		zap.String("model", string(msg.Model)),
		zap.Duration("duration", time.Since(start)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens))

	return &ports.LLMResponse{
		Text:         text.String(),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// classify maps API failures to node error categories.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &domain.NodeError{Category: domain.CategoryExternalCall, Message: "anthropic request failed", Cause: err}
	}

	nodeErr := &domain.NodeError{
		Category: CategoryForStatus(apiErr.StatusCode),
		Message:  fmt.Sprintf("anthropic API returned %d", apiErr.StatusCode),
		Cause:    err,
	}
	if apiErr.Response != nil {
		if secs, convErr := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			nodeErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return nodeErr
}

// CategoryForStatus maps an API status code to an error category.
func CategoryForStatus(status int) domain.Category {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.CategoryRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.CategoryPermissionDenied
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.CategoryTimeout
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return domain.CategoryValidation
	case status == 529:
		return domain.CategoryResourceExhausted
	default:
		return domain.CategoryExternalCall
	}
}
