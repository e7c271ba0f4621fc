package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/envserver/api"
	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/sim"
	"github.com/wricardo/mcp-training/envserver/env/sim/roadtrip"
)

func startServer(t *testing.T) string {
	t.Helper()
	registry := sim.NewRegistry()
	require.NoError(t, registry.Register(&roadtrip.Factory{}))
	mgr, err := service.NewManager(service.Config{DefaultKind: roadtrip.Kind}, registry, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	srv := httptest.NewServer(api.NewServer(mgr, nil, nil))
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(context.Background(), append([]string{"envctl"}, args...))
	return out.String(), err
}

func TestEnvctl_Session(t *testing.T) {
	url := startServer(t)

	out, err := run(t, "--server", url, "create")
	require.NoError(t, err)
	handle := strings.TrimSpace(out)
	_, err = strconv.ParseInt(handle, 10, 64)
	require.NoError(t, err, "create should print the handle, got %q", out)

	out, err = run(t, "--server", url, "step", handle, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "session "+handle)

	out, err = run(t, "--server", url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "kinds: roadtrip")
	assert.Contains(t, out, handle+"\troadtrip\tready")

	out, err = run(t, "--server", url, "--json", "detail", handle)
	require.NoError(t, err)
	assert.Contains(t, out, `"kind": "roadtrip"`)

	_, err = run(t, "--server", url, "reset", "--target", "5", handle)
	var failure *apiError
	require.True(t, errors.As(err, &failure), "expected api error, got %v", err)
	assert.Equal(t, service.CodeInvalidTarget, failure.Code)

	_, err = run(t, "--server", url, "observe", handle)
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, service.CodeNotInitialized, failure.Code)

	out, err = run(t, "--server", url, "reset", handle)
	require.NoError(t, err)
	assert.Contains(t, out, "[ready]")

	out, err = run(t, "--server", url, "close", handle)
	require.NoError(t, err)
	assert.Equal(t, "closed "+handle+"\n", out)

	_, err = run(t, "--server", url, "close", handle)
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, service.CodeHandleNotFound, failure.Code)
}

func TestEnvctl_ArgumentErrors(t *testing.T) {
	url := startServer(t)

	_, err := run(t, "--server", url, "step")
	assert.Error(t, err)

	_, err = run(t, "--server", url, "step", "0")
	assert.ErrorContains(t, err, "action")

	_, err = run(t, "--server", url, "create", "--params", "[1,2]")
	assert.ErrorContains(t, err, "JSON object")
}

func TestCheckCatalog(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.NewManager(dir)
	require.NoError(t, err)

	good := roadtrip.DefaultLevel()
	broken := roadtrip.DefaultLevel()
	broken.Name = ""
	require.NoError(t, cat.Save(roadtrip.Kind, 0, good))
	require.NoError(t, cat.Save(roadtrip.Kind, 1, broken))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "chess"), 0o755))

	results, err := checkCatalog(context.Background(), cat)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byName := map[string]error{}
	for _, r := range results {
		byName[r.Kind+"/"+strconv.Itoa(r.Index)] = r.Err
	}
	assert.NoError(t, byName["roadtrip/0"])
	assert.ErrorIs(t, byName["roadtrip/1"], sim.ErrInvalidTarget)
	assert.ErrorIs(t, byName["chess/-1"], sim.ErrUnknownKind)

	out, err := run(t, "check", "--catalog-dir", dir)
	assert.ErrorContains(t, err, "2 broken")
	assert.Contains(t, out, "ok   roadtrip/0")
	assert.Contains(t, out, "3 tasks checked, 2 broken")
}
