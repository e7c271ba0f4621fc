package service

import (
	"context"

	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// EnvService defines all session operations exposed to the transports.
type EnvService interface {
	// Session lifecycle
	Create(ctx context.Context, kind string, params sim.Params) (session.Handle, error)
	Close(ctx context.Context, h session.Handle) (bool, error)
	Detail(ctx context.Context, h session.Handle) (*SessionInfo, error)
	List(ctx context.Context) ([]*SessionInfo, error)
	Kinds() []string

	// Episode operations
	Step(ctx context.Context, h session.Handle, action string) (*StepResult, error)
	Reset(ctx context.Context, h session.Handle, target sim.Target) (*ResetResult, error)
	Observe(ctx context.Context, h session.Handle) (*Observation, error)

	// Simulator queries
	Metadata(ctx context.Context, h session.Handle) (map[string]any, error)
	Page(ctx context.Context, h session.Handle) (map[string]any, error)
}
