package main

import (
	"context"
	"errors"

	"github.com/aescanero/dago-kernel/pkg/ports"
)

var errOffline = errors.New("no LLM provider configured")

// offlineLLM stands in for a provider when only validating.
type offlineLLM struct{}

func (offlineLLM) Complete(context.Context, *ports.LLMRequest) (*ports.LLMResponse, error) {
	return nil, errOffline
}
