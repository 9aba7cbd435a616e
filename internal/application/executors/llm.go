package executors

import (
	"context"
	"fmt"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"go.uber.org/zap"
)

// LLMExecutor sends the "prompt" input to a language model.
//
// Config: model, system, max_tokens, temperature (all optional). Outputs:
// text, model, stop_reason, input_tokens, output_tokens.
type LLMExecutor struct {
	client       ports.LLMClient
	defaultModel string
	logger       *zap.Logger
}

// NewLLMExecutor creates an llm capability executor.
func NewLLMExecutor(client ports.LLMClient, defaultModel string, logger *zap.Logger) *LLMExecutor {
	return &LLMExecutor{client: client, defaultModel: defaultModel, logger: logger}
}

// Execute implements Executor.
func (e *LLMExecutor) Execute(ctx context.Context, req *Request) (map[string]interface{}, error) {
	prompt, ok := req.Inputs["prompt"]
	if !ok || prompt == nil {
		return nil, domain.NewNodeError(domain.CategoryMissingData, "input prompt is required")
	}

	llmReq := &ports.LLMRequest{
		Model:     req.ConfigString("model", e.defaultModel),
		System:    req.ConfigString("system", ""),
		Prompt:    fmt.Sprint(prompt),
		MaxTokens: 1024,
	}
	if v, ok := domain.ToFloat(req.Node.Config["max_tokens"]); ok && v > 0 {
		llmReq.MaxTokens = int64(v)
	}
	if v, ok := domain.ToFloat(req.Node.Config["temperature"]); ok {
		llmReq.Temperature = &v
	}

	req.Report(0, "waiting for model")
	resp, err := e.client.Complete(ctx, llmReq)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("llm completion",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("model", resp.Model),
		zap.Int64("input_tokens", resp.InputTokens),
		zap.Int64("output_tokens", resp.OutputTokens))

	return map[string]interface{}{
		"text":          resp.Text,
		"model":         resp.Model,
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}, nil
}
