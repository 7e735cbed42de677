package agents

import (
	"context"
	"encoding/json"
)

// Func adapts a plain function to the Executor interface.
type Func struct {
	AgentName   string
	Description string
	Fn          func(ctx context.Context, req Request) (json.RawMessage, error)
}

func (f *Func) Name() string { return f.AgentName }

func (f *Func) Describe() Info { return Info{Name: f.AgentName, Description: f.Description} }

func (f *Func) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f.Fn(ctx, req)
}

var _ Executor = (*Func)(nil)
