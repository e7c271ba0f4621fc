package webnav

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

func shopTask() Task {
	return Task{
		Intent:   "What is the price of the blue widget?",
		StartURL: "http://shop/",
		Pages: map[string]Page{
			"http://shop/": {Title: "Shop", Elements: []Element{
				{ID: 1, Role: "link", Name: "Widgets", Href: "http://shop/widgets"},
				{ID: 2, Role: "searchbox", Name: "Search"},
				{ID: 3, Role: "button", Name: "Go", Href: "http://shop/search?q={value}", Input: 2},
			}},
			"http://shop/widgets": {Title: "Widgets", Elements: []Element{
				{ID: 4, Role: "StaticText", Name: "Blue widget $12.99"},
				{ID: 5, Role: "StaticText", Name: "Red widget $9.50"},
			}},
			"http://shop/search?q=blue": {Title: "Results", Elements: []Element{
				{ID: 6, Role: "link", Name: "Blue widget", Href: "http://shop/widgets"},
			}},
		},
		Eval:     Eval{ReferenceAnswer: "$12.99"},
		MaxSteps: 5,
	}
}

func createTestCatalog(t *testing.T) *catalog.Manager {
	t.Helper()
	cat, err := catalog.NewManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cat.Save(Kind, 0, shopTask()))
	require.NoError(t, cat.Save(Kind, 1, Task{Intent: "broken", StartURL: "http://nowhere/"}))
	return cat
}

func TestEnv_NavigateAndAnswer(t *testing.T) {
	env := NewEnv(createTestCatalog(t))
	ctx := context.Background()

	snap, err := env.Reset(ctx, sim.IndexTarget(0))
	require.NoError(t, err)
	assert.Contains(t, snap.Observation, "OBJECTIVE: What is the price of the blue widget?")
	assert.Contains(t, snap.Observation, "URL: http://shop/")
	assert.Contains(t, snap.Observation, "[1] link 'Widgets'")

	snap, err = env.Step(ctx, "click [1]")
	require.NoError(t, err)
	assert.False(t, snap.Done)
	assert.Contains(t, snap.Observation, "Blue widget $12.99")
	assert.Equal(t, "http://shop/widgets", snap.Info["url"])

	snap, err = env.Step(ctx, "stop [$12.99]")
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.False(t, snap.Truncated)

	score, err := env.Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	_, err = env.Step(ctx, "go_back")
	assert.Error(t, err, "no steps after stop")
}

func TestEnv_TypeSearchAndGoBack(t *testing.T) {
	env := NewEnv(createTestCatalog(t))
	ctx := context.Background()
	_, err := env.Reset(ctx, sim.IndexTarget(0))
	require.NoError(t, err)

	snap, err := env.Step(ctx, "type [2] [blue]")
	require.NoError(t, err)
	assert.Contains(t, snap.Observation, "[2] searchbox 'Search' value: 'blue'")

	snap, err = env.Step(ctx, "click [3]")
	require.NoError(t, err)
	assert.Equal(t, "http://shop/search?q=blue", snap.Info["url"])

	snap, err = env.Step(ctx, "go_back")
	require.NoError(t, err)
	assert.Equal(t, "http://shop/", snap.Info["url"])
	assert.NotContains(t, snap.Observation, "value:")

	page, err := env.Page(ctx)
	require.NoError(t, err)
	assert.Empty(t, page["history"])
	assert.Len(t, page["pages"], 3)
}

func TestEnv_BadActionsAreObservations(t *testing.T) {
	env := NewEnv(createTestCatalog(t))
	ctx := context.Background()
	_, err := env.Reset(ctx, sim.IndexTarget(0))
	require.NoError(t, err)

	tests := []struct {
		action string
		msg    string
	}{
		{"click [99]", "element [99] not found"},
		{"type [1] [x]", "element [1] is not editable"},
		{"goto [http://elsewhere/]", "page http://elsewhere/ not found"},
		{"go_back", "no previous page"},
	}
	for _, tt := range tests {
		snap, err := env.Step(ctx, tt.action)
		require.NoError(t, err)
		assert.Contains(t, snap.Observation, "MESSAGE: "+tt.msg)
		assert.False(t, snap.Done)
	}
}

func TestEnv_TruncatesAtMaxSteps(t *testing.T) {
	env := NewEnv(createTestCatalog(t))
	ctx := context.Background()
	_, err := env.Reset(ctx, sim.IndexTarget(0))
	require.NoError(t, err)

	var snap sim.Snapshot
	for i := 0; i < 5; i++ {
		snap, err = env.Step(ctx, "scroll [down]")
		require.NoError(t, err)
	}
	assert.True(t, snap.Done)
	assert.True(t, snap.Truncated)

	score, err := env.Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestEnv_ResetTargets(t *testing.T) {
	env := NewEnv(createTestCatalog(t))
	ctx := context.Background()

	snap, err := env.Reset(ctx, sim.Target{})
	require.NoError(t, err)
	assert.Equal(t, "URL: about:blank\n[0] RootWebArea ''", snap.Observation)

	for _, idx := range []int{1, 42} {
		_, err := env.Reset(ctx, sim.IndexTarget(idx))
		assert.True(t, errors.Is(err, sim.ErrInvalidTarget), "index %d: %v", idx, err)
	}

	_, err = NewEnv(nil).Reset(ctx, sim.IndexTarget(0))
	assert.True(t, errors.Is(err, sim.ErrInvalidTarget))
}

func TestEnv_Metadata(t *testing.T) {
	env := NewEnv(createTestCatalog(t))
	ctx := context.Background()
	_, err := env.Reset(ctx, sim.IndexTarget(0))
	require.NoError(t, err)

	meta, err := env.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://shop/", meta["url"])
	assert.Equal(t, 0, meta["index"])
	nodes := meta["obs_nodes_info"].(map[string]any)
	assert.Len(t, nodes, 3)
	assert.Equal(t, "searchbox", nodes["2"].(map[string]any)["role"])
}
