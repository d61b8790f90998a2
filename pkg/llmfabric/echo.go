package llmfabric

import (
	"context"
	"fmt"

	"github.com/quintet-kernel/quintet/pkg/llm"
)

// EchoBackend is a no-network test backend that echoes the last
// message back with a fixed prefix. Ported from model/backends.py's
// EchoBackend — used to exercise the Fabric's slot-resolution and
// receipt-minting logic without a live provider.
type EchoBackend struct{}

func (EchoBackend) Chat(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition, _ *llm.SamplingOptions) (*llm.Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("llmfabric: echo backend received no messages")
	}
	last := messages[len(messages)-1]
	return &llm.Response{Content: "echo: " + last.Content}, nil
}

// MockBackend is a configurable test backend that returns a fixed
// response or error, ported from model/backends.py's MockBackend.
type MockBackend struct {
	Response *llm.Response
	Err      error
}

func (m MockBackend) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ *llm.SamplingOptions) (*llm.Response, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Response != nil {
		return m.Response, nil
	}
	return &llm.Response{Content: "mock response"}, nil
}
