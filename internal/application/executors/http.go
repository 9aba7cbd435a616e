package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"go.uber.org/zap"
)

const maxResponseBody = 4 << 20

// HTTPExecutor performs the request described by a node's config.
//
// Config: url (required), method (default GET, or POST when a body input is
// present), headers (object). Input "body" is sent as JSON unless it is a
// string. Outputs: status_code, body (decoded JSON when possible), headers.
type HTTPExecutor struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPExecutor creates an executor using client, or a pooled default
// client when nil.
func NewHTTPExecutor(client *http.Client, logger *zap.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPExecutor{client: client, logger: logger}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (map[string]interface{}, error) {
	url := req.ConfigString("url", "")
	if url == "" {
		return nil, domain.NewNodeError(domain.CategoryValidation, "config.url is required")
	}

	var body io.Reader
	method := "GET"
	contentType := ""
	if payload, ok := req.Inputs["body"]; ok && payload != nil {
		method = "POST"
		switch p := payload.(type) {
		case string:
			body = strings.NewReader(p)
			contentType = "text/plain"
		default:
			data, err := json.Marshal(p)
			if err != nil {
				return nil, domain.NewNodeError(domain.CategoryValidation, "failed to encode body: %v", err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}
	method = strings.ToUpper(req.ConfigString("method", method))

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, domain.NewNodeError(domain.CategoryValidation, "failed to create request: %v", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Node.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	e.logger.Debug("making http request",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("attempt", req.Attempt))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.NodeError{
			Category: domain.CategoryExternalCall,
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &domain.NodeError{
			Category: domain.CategoryExternalCall,
			Message:  "failed to read response body",
			Cause:    err,
		}
	}

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var decoded interface{} = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var v interface{}
		if err := json.Unmarshal(data, &v); err == nil {
			decoded = v
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        decoded,
		"headers":     headers,
	}, nil
}

// classifyStatus maps HTTP failure statuses to error categories.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return &domain.NodeError{
			Category:   domain.CategoryRateLimited,
			Message:    resp.Status,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.NodeError{Category: domain.CategoryPermissionDenied, Message: resp.Status}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &domain.NodeError{Category: domain.CategoryTimeout, Message: resp.Status}
	case code >= 500:
		return &domain.NodeError{Category: domain.CategoryExternalCall, Message: resp.Status}
	default:
		return &domain.NodeError{Category: domain.CategoryValidation, Message: resp.Status}
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
