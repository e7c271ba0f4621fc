package service

import (
	"time"

	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Observation is the view of one session after an operation. The snapshot
// fields are flattened in JSON.
type Observation struct {
	Handle session.Handle `json:"handle"`
	State  session.State  `json:"state"`
	sim.Snapshot
}

// StepResult is returned by Step.
type StepResult = Observation

// ResetResult is returned by Reset.
type ResetResult = Observation

// SessionInfo describes a live session.
type SessionInfo struct {
	Handle         session.Handle `json:"handle"`
	Kind           string         `json:"kind"`
	State          session.State  `json:"state"`
	Steps          int            `json:"steps"`
	Resets         int            `json:"resets"`
	Done           bool           `json:"done"`
	Reward         float64        `json:"reward"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	WorkerID       string         `json:"worker_id,omitempty"`
	Worker         string         `json:"worker,omitempty"`
}

func infoFromRecord(rec session.Record) *SessionInfo {
	return &SessionInfo{
		Handle:         rec.Handle,
		Kind:           rec.Kind,
		State:          rec.State,
		Steps:          rec.Steps,
		Resets:         rec.Resets,
		Done:           rec.Last.Done,
		Reward:         rec.Last.Reward,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
	}
}
