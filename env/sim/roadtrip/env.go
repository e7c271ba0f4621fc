package roadtrip

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Kind is the registry name of this simulator.
const Kind = "roadtrip"

// Env is an in-process road trip episode.
type Env struct {
	catalog *catalog.Manager
	level   Level
	index   *int
	state   *State
}

// NewEnv creates an env on the built-in level. cat may be nil, in which case
// only the default target is accepted.
func NewEnv(cat *catalog.Manager) *Env {
	e := &Env{catalog: cat, level: DefaultLevel()}
	e.state = newState(&e.level)
	return e
}

// Reset loads the level at target.Index, or the built-in level when the index
// is nil.
func (e *Env) Reset(_ context.Context, target sim.Target) (sim.Snapshot, error) {
	level, err := e.loadLevel(target.Index)
	if err != nil {
		return sim.Snapshot{}, err
	}
	e.level = level
	e.index = target.Index
	e.state = newState(&e.level)
	return e.snapshot(0, true), nil
}

func (e *Env) loadLevel(index *int) (Level, error) {
	if index == nil {
		return DefaultLevel(), nil
	}
	if e.catalog == nil {
		return Level{}, fmt.Errorf("%w: no catalog for level %d", sim.ErrInvalidTarget, *index)
	}

	var level Level
	if err := e.catalog.LoadInto(Kind, *index, &level); err != nil {
		if errors.Is(err, catalog.ErrTaskNotFound) || errors.Is(err, catalog.ErrInvalidTask) {
			return Level{}, fmt.Errorf("%w: %v", sim.ErrInvalidTarget, err)
		}
		return Level{}, err
	}
	if err := level.Validate(); err != nil {
		return Level{}, fmt.Errorf("%w: level %d: %v", sim.ErrInvalidTarget, *index, err)
	}
	return level.withDefaultMessages(), nil
}

// Step accepts a direction, optionally prefixed with "move". Several
// directions separated by commas or spaces run as a bulk move that stops when
// the game ends.
func (e *Env) Step(_ context.Context, action string) (sim.Snapshot, error) {
	moves := parseMoves(action)
	if len(moves) == 0 {
		return sim.Snapshot{}, fmt.Errorf("empty action")
	}

	before := e.state.Score
	succeeded := true
	for _, dir := range moves {
		if e.state.GameOver {
			break
		}
		if !e.state.move(dir, &e.level) {
			succeeded = false
		}
	}
	return e.snapshot(float64(e.state.Score-before), succeeded), nil
}

func parseMoves(action string) []string {
	fields := strings.FieldsFunc(strings.ToLower(action), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if f == "move" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (e *Env) snapshot(reward float64, success bool) sim.Snapshot {
	s := e.state
	truncated := e.level.MaxSteps > 0 && s.Moves >= e.level.MaxSteps && !s.GameOver

	var obs strings.Builder
	obs.WriteString(s.render())
	fmt.Fprintf(&obs, "Battery: %d/%d  Score: %d/%d  Position: (%d,%d)\n",
		s.Battery, s.MaxBattery, s.Score, s.totalParks(), s.PlayerPos.X, s.PlayerPos.Y)
	obs.WriteString(s.Message)

	return sim.Snapshot{
		Observation: obs.String(),
		Reward:      reward,
		Done:        s.GameOver || truncated,
		Truncated:   truncated,
		Info: map[string]any{
			"level":        e.level.Name,
			"battery":      s.Battery,
			"score":        s.Score,
			"victory":      s.Victory,
			"success":      success,
			"moves":        s.Moves,
			"battery_risk": s.batteryRisk(),
		},
	}
}

// Metadata describes the loaded level.
func (e *Env) Metadata(context.Context) (map[string]any, error) {
	out := map[string]any{
		"level":       e.level.Name,
		"description": e.level.Description,
		"grid_size":   e.level.GridSize,
		"max_battery": e.level.MaxBattery,
		"total_parks": e.state.totalParks(),
	}
	if e.index != nil {
		out["index"] = *e.index
	}
	return out, nil
}

// Page returns the full state plus the moves available from here.
func (e *Env) Page(context.Context) (map[string]any, error) {
	return map[string]any{
		"state":          e.state,
		"possible_moves": e.state.possibleMoves(),
	}, nil
}

// Close is a no-op; the env holds no external resources.
func (e *Env) Close(context.Context) error { return nil }

// Factory creates road trip envs that start ready on the built-in level.
type Factory struct {
	Catalog *catalog.Manager
}

func (f *Factory) Kind() string { return Kind }

// New accepts an optional integer "level" param selecting the first level.
func (f *Factory) New(ctx context.Context, params sim.Params) (sim.Env, *sim.Snapshot, error) {
	env := NewEnv(f.Catalog)

	var target sim.Target
	switch v := params["level"].(type) {
	case nil:
	case float64:
		target = sim.IndexTarget(int(v))
	case int:
		target = sim.IndexTarget(v)
	default:
		return nil, nil, fmt.Errorf("level must be a number, got %T", v)
	}

	snap, err := env.Reset(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	return env, &snap, nil
}
