package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

func decodeLines(t *testing.T, out string) []response {
	t.Helper()
	var resps []response
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var r response
		require.NoError(t, json.Unmarshal([]byte(line), &r), "line %q", line)
		resps = append(resps, r)
	}
	return resps
}

func TestServe_OneResponsePerCommand(t *testing.T) {
	env := newCounterEnv()
	in := strings.Join([]string{
		`{"tag":"reset","payload":{}}`,
		`{"tag":"fly","payload":{}}`,
		`not json at all`,
		`{"tag":"step","payload":{"action":"inc"}}`,
		`{"tag":"step","payload":"oops"}`,
		`{"tag":"queryMetadata"}`,
		`{"tag":"evaluate","payload":{"trajectory":[{"action":"inc","observation":"count 1"}]}}`,
		`{"tag":"close"}`,
		`{"tag":"step","payload":{"action":"inc"}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), strings.NewReader(in), &out, NewEnvTarget(env, nil)))

	resps := decodeLines(t, out.String())
	// Nothing after close is processed.
	require.Len(t, resps, 8)

	assert.Nil(t, resps[0].Error)

	require.NotNil(t, resps[1].Error)
	assert.Equal(t, KindProtocol, resps[1].Error.Kind)
	assert.Contains(t, resps[1].Error.Message, "fly")

	require.NotNil(t, resps[2].Error)
	assert.Equal(t, KindProtocol, resps[2].Error.Kind)

	require.Nil(t, resps[3].Error)
	var snap sim.Snapshot
	require.NoError(t, json.Unmarshal(resps[3].Result, &snap))
	assert.Equal(t, "count 1", snap.Observation)

	require.NotNil(t, resps[4].Error)
	assert.Equal(t, KindProtocol, resps[4].Error.Kind)

	require.NotNil(t, resps[5].Error)
	assert.Equal(t, KindUnsupported, resps[5].Error.Kind)

	var eval EvalResult
	require.NoError(t, json.Unmarshal(resps[6].Result, &eval))
	assert.Equal(t, 1.0, eval.Score)

	var ack CloseAck
	require.NoError(t, json.Unmarshal(resps[7].Result, &ack))
	assert.True(t, ack.Closed)

	assert.True(t, env.isClosed())
}

func TestServe_EOFClosesTarget(t *testing.T) {
	env := newCounterEnv()
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), strings.NewReader(""), &out, NewEnvTarget(env, nil)))
	assert.Empty(t, out.String())
	assert.True(t, env.isClosed())
}

// plainEnv has no evaluator; evaluation falls back to the last reward.
type plainEnv struct{ reward float64 }

func (e *plainEnv) Reset(context.Context, sim.Target) (sim.Snapshot, error) {
	return sim.Snapshot{}, nil
}

func (e *plainEnv) Step(context.Context, string) (sim.Snapshot, error) {
	return sim.Snapshot{Reward: e.reward, Done: true}, nil
}

func (e *plainEnv) Close(context.Context) error { return nil }

func TestEnvTarget_EvaluateFallsBackToLastReward(t *testing.T) {
	target := NewEnvTarget(&plainEnv{reward: 0.5}, nil)
	ctx := context.Background()

	score, err := target.Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	_, err = target.Step(ctx, "anything")
	require.NoError(t, err)
	score, err = target.Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}
