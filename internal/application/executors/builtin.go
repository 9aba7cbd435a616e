package executors

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"go.uber.org/zap"
)

const (
	TypePassthrough domain.CapabilityType = "passthrough"
	TypeSet         domain.CapabilityType = "set"
	TypeBranch      domain.CapabilityType = "branch"
	TypeDelay       domain.CapabilityType = "delay"
	TypeHTTP        domain.CapabilityType = "http"
	TypeLLM         domain.CapabilityType = "llm"
)

// Concurrency categories used by the built-in capabilities.
const (
	CategoryCompute = "compute"
	CategoryTimer   = "timer"
	CategoryNetwork = "network"
)

// BuiltinOptions configures RegisterBuiltins.
type BuiltinOptions struct {
	HTTPClient *http.Client
	// LLM enables the llm capability when set.
	LLM          ports.LLMClient
	DefaultModel string
	Logger       *zap.Logger
}

// RegisterBuiltins registers the built-in capabilities on r.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	builtins := []struct {
		desc Descriptor
		exec Executor
	}{
		{
			desc: Descriptor{
				Type:        TypePassthrough,
				Kind:        KindLeaf,
				Category:    CategoryCompute,
				Description: "copies resolved inputs to outputs",
			},
			exec: ExecutorFunc(passthrough),
		},
		{
			desc: Descriptor{
				Type:           TypeSet,
				Kind:           KindLeaf,
				Category:       CategoryCompute,
				RequiredConfig: []string{"values"},
				Description:    "emits the static values held in config.values",
			},
			exec: ExecutorFunc(setValues),
		},
		{
			desc: Descriptor{
				Type:           TypeBranch,
				Kind:           KindBranch,
				Category:       CategoryCompute,
				DefaultOutputs: []string{"result", "negated"},
				Description:    "compares input value against config.value with config.operator",
			},
			exec: ExecutorFunc(branch),
		},
		{
			desc: Descriptor{
				Type:           TypeDelay,
				Kind:           KindLeaf,
				Category:       CategoryTimer,
				RequiredConfig: []string{"duration_ms"},
				DefaultOutputs: []string{"waited_ms"},
				Description:    "waits config.duration_ms then passes inputs through",
			},
			exec: ExecutorFunc(delay),
		},
		{
			desc: Descriptor{
				Type:           TypeHTTP,
				Kind:           KindLeaf,
				Category:       CategoryNetwork,
				ExternalCall:   true,
				RequiredConfig: []string{"url"},
				DefaultOutputs: []string{"status_code", "body"},
				DefaultTimeout: 30 * time.Second,
				Description:    "performs an HTTP request",
			},
			exec: NewHTTPExecutor(opts.HTTPClient, logger),
		},
	}
	if opts.LLM != nil {
		builtins = append(builtins, struct {
			desc Descriptor
			exec Executor
		}{
			desc: Descriptor{
				Type:           TypeLLM,
				Kind:           KindLeaf,
				Category:       CategoryNetwork,
				ExternalCall:   true,
				DefaultOutputs: []string{"text"},
				DefaultTimeout: 2 * time.Minute,
				Description:    "sends input prompt to the configured language model",
			},
			exec: NewLLMExecutor(opts.LLM, opts.DefaultModel, logger),
		})
	}

	for _, b := range builtins {
		if err := r.Register(b.desc, b.exec); err != nil {
			return err
		}
	}
	return nil
}

func passthrough(_ context.Context, req *Request) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(req.Inputs))
	for k, v := range req.Inputs {
		out[k] = v
	}
	return out, nil
}

func setValues(_ context.Context, req *Request) (map[string]interface{}, error) {
	values, ok := req.Node.Config["values"].(map[string]interface{})
	if !ok {
		return nil, domain.NewNodeError(domain.CategoryValidation, "config.values must be an object")
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

// branch evaluates "<input value> <operator> <config value>". Supported
// operators: eq, ne, gt, ge, lt, le, truthy (the default) and exists.
func branch(_ context.Context, req *Request) (map[string]interface{}, error) {
	left, present := req.Inputs["value"]
	right := req.Node.Config["value"]
	op := req.ConfigString("operator", "truthy")

	var result bool
	switch op {
	case "truthy":
		result = domain.Truthy(left)
	case "exists":
		result = present && left != nil
	case "eq":
		result = equal(left, right)
	case "ne":
		result = !equal(left, right)
	case "gt", "ge", "lt", "le":
		l, lok := domain.ToFloat(left)
		r, rok := domain.ToFloat(right)
		if !lok || !rok {
			return nil, domain.NewNodeError(domain.CategoryValidation,
				"operator %s needs numeric operands, got %v and %v", op, left, right)
		}
		switch op {
		case "gt":
			result = l > r
		case "ge":
			result = l >= r
		case "lt":
			result = l < r
		default:
			result = l <= r
		}
	default:
		return nil, domain.NewNodeError(domain.CategoryValidation, "unknown operator %q", op)
	}

	return map[string]interface{}{
		"result":  result,
		"negated": !result,
	}, nil
}

func equal(a, b interface{}) bool {
	af, aok := domain.ToFloat(a)
	bf, bok := domain.ToFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func delay(ctx context.Context, req *Request) (map[string]interface{}, error) {
	ms, ok := domain.ToFloat(req.Node.Config["duration_ms"])
	if !ok || ms < 0 {
		return nil, domain.NewNodeError(domain.CategoryValidation, "config.duration_ms must be a non-negative number")
	}
	d := time.Duration(ms) * time.Millisecond

	req.Report(0, fmt.Sprintf("waiting %s", d))
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	req.Report(1, "done")

	out, _ := passthrough(ctx, req)
	out["waited_ms"] = d.Milliseconds()
	return out, nil
}
