// Command envctl drives a running envserver from the shell and checks task
// catalogs before they are deployed.
//
//	envctl create --kind roadtrip
//	envctl reset --target 0 3
//	envctl step 3 right
//	envctl close 3
//	envctl check --catalog-dir ./catalog
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
	"github.com/wricardo/mcp-training/envserver/env/sim/roadtrip"
	"github.com/wricardo/mcp-training/envserver/env/sim/sqlgym"
	"github.com/wricardo/mcp-training/envserver/env/sim/webnav"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "envctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "envctl",
		Usage: "operate an envserver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   defaultServer,
				Usage:   "envserver base URL",
				Sources: cli.EnvVars("ENVSERVER_URL"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "request timeout",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print raw JSON responses",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "start a session and print its handle",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "environment kind, server default when empty"},
					&cli.StringFlag{Name: "params", Usage: "creation params as a JSON object"},
				},
				Action: runCreate,
			},
			{
				Name:      "reset",
				Usage:     "reset a session",
				ArgsUsage: "<handle>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "target", Value: -1, Usage: "task index, -1 for the environment default"},
					&cli.IntFlag{Name: "seed", Usage: "random seed"},
				},
				Action: runReset,
			},
			{
				Name:      "step",
				Usage:     "send one action",
				ArgsUsage: "<handle> <action...>",
				Action:    runStep,
			},
			{
				Name:      "observe",
				Usage:     "print the cached observation",
				ArgsUsage: "<handle>",
				Action:    getByHandle("/observation"),
			},
			{
				Name:      "detail",
				Usage:     "describe a session",
				ArgsUsage: "<handle>",
				Action:    getByHandle("/detail"),
			},
			{
				Name:      "metadata",
				Usage:     "print simulator metadata",
				ArgsUsage: "<handle>",
				Action:    getByHandle("/observation_metadata"),
			},
			{
				Name:      "close",
				Usage:     "close a session",
				ArgsUsage: "<handle>",
				Action:    runClose,
			},
			{
				Name:   "list",
				Usage:  "list live sessions",
				Action: runList,
			},
			{
				Name:  "check",
				Usage: "load every catalog task through its environment and report the broken ones",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "catalog-dir",
						Usage:    "catalog root",
						Required: true,
						Sources:  cli.EnvVars("ENVSERVER_CATALOG_DIR"),
					},
				},
				Action: runCheck,
			},
		},
	}
}

// client calls the envserver REST API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(cmd *cli.Command) *client {
	root := cmd.Root()
	return &client{
		baseURL: strings.TrimRight(root.String("server"), "/"),
		http:    &http.Client{Timeout: root.Duration("timeout")},
	}
}

// apiError is a failure reported in a response body.
type apiError struct {
	Message string            `json:"error"`
	Code    service.ErrorCode `json:"code"`
}

func (e *apiError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// call sends body to path and returns the raw response. Failures come back
// with status 200 and an error field, and are returned as *apiError.
func (c *client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var failure apiError
	if json.Unmarshal(data, &failure) == nil && failure.Message != "" {
		return nil, &failure
	}
	return data, nil
}

func parseHandle(cmd *cli.Command) (session.Handle, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return 0, errors.New("handle argument is required")
	}
	return session.ParseHandle(raw)
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// printResult writes data as indented JSON, or as text when the response is
// an observation and --json is not set.
func printResult(cmd *cli.Command, data json.RawMessage) error {
	w := output(cmd)
	if !cmd.Root().Bool("json") {
		var obs service.Observation
		if json.Unmarshal(data, &obs) == nil && obs.Observation != "" {
			fmt.Fprintf(w, "session %d [%s] reward=%g done=%t\n%s\n",
				obs.Handle, obs.State, obs.Reward, obs.Done, obs.Observation)
			return nil
		}
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(w, strings.TrimSpace(out.String()))
	return nil
}

func runCreate(ctx context.Context, cmd *cli.Command) error {
	body := map[string]any{}
	if kind := cmd.String("kind"); kind != "" {
		body["kind"] = kind
	}
	if raw := cmd.String("params"); raw != "" {
		var params sim.Params
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("params must be a JSON object: %w", err)
		}
		body["params"] = params
	}

	data, err := newClient(cmd).call(ctx, "POST", "/create", body)
	if err != nil {
		return err
	}
	var resp struct {
		Handle session.Handle `json:"handle"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	fmt.Fprintln(output(cmd), resp.Handle)
	return nil
}

func runReset(ctx context.Context, cmd *cli.Command) error {
	h, err := parseHandle(cmd)
	if err != nil {
		return err
	}
	body := map[string]any{"handle": h}
	if target := cmd.Int("target"); target >= 0 {
		body["target"] = target
	}
	if cmd.IsSet("seed") {
		body["seed"] = cmd.Int("seed")
	}

	data, err := newClient(cmd).call(ctx, "POST", "/reset", body)
	if err != nil {
		return err
	}
	return printResult(cmd, data)
}

func runStep(ctx context.Context, cmd *cli.Command) error {
	h, err := parseHandle(cmd)
	if err != nil {
		return err
	}
	action := strings.Join(cmd.Args().Tail(), " ")
	if action == "" {
		return errors.New("action argument is required")
	}

	data, err := newClient(cmd).call(ctx, "POST", "/step", map[string]any{"handle": h, "action": action})
	if err != nil {
		return err
	}
	return printResult(cmd, data)
}

func runClose(ctx context.Context, cmd *cli.Command) error {
	h, err := parseHandle(cmd)
	if err != nil {
		return err
	}
	if _, err := newClient(cmd).call(ctx, "POST", "/close", map[string]any{"handle": h}); err != nil {
		return err
	}
	fmt.Fprintf(output(cmd), "closed %d\n", h)
	return nil
}

func runList(ctx context.Context, cmd *cli.Command) error {
	data, err := newClient(cmd).call(ctx, "GET", "/list_envs", nil)
	if err != nil {
		return err
	}
	if cmd.Root().Bool("json") {
		return printResult(cmd, data)
	}

	var resp struct {
		Sessions []service.SessionInfo `json:"sessions"`
		Kinds    []string              `json:"kinds"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	w := output(cmd)
	fmt.Fprintf(w, "kinds: %s\n", strings.Join(resp.Kinds, ", "))
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\tsteps=%d\n", s.Handle, s.Kind, s.State, s.Steps)
	}
	return nil
}

func getByHandle(path string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		h, err := parseHandle(cmd)
		if err != nil {
			return err
		}
		data, err := newClient(cmd).call(ctx, "GET", path+"?handle="+url.QueryEscape(h.String()), nil)
		if err != nil {
			return err
		}
		return printResult(cmd, data)
	}
}

// checkResult is the outcome of loading one catalog task.
type checkResult struct {
	Kind  string
	Index int
	Err   error
}

// checkCatalog resets a fresh environment to every task of every known kind
// in cat. Directories of unknown kinds are reported as errors.
func checkCatalog(ctx context.Context, cat *catalog.Manager) ([]checkResult, error) {
	factories := map[string]sim.Factory{
		roadtrip.Kind: &roadtrip.Factory{Catalog: cat},
		sqlgym.Kind:   &sqlgym.Factory{Catalog: cat},
		webnav.Kind:   &webnav.Factory{Catalog: cat},
	}

	kinds, err := cat.Kinds()
	if err != nil {
		return nil, err
	}

	var results []checkResult
	for _, kind := range kinds {
		factory, ok := factories[kind]
		if !ok {
			results = append(results, checkResult{Kind: kind, Index: -1, Err: fmt.Errorf("%w: %q", sim.ErrUnknownKind, kind)})
			continue
		}
		indices, err := cat.List(kind)
		if err != nil {
			return nil, err
		}
		for _, idx := range indices {
			results = append(results, checkResult{Kind: kind, Index: idx, Err: checkTask(ctx, factory, idx)})
		}
	}
	return results, nil
}

func checkTask(ctx context.Context, factory sim.Factory, idx int) error {
	env, _, err := factory.New(ctx, nil)
	if err != nil {
		return err
	}
	defer env.Close(ctx)
	_, err = env.Reset(ctx, sim.IndexTarget(idx))
	return err
}

func runCheck(ctx context.Context, cmd *cli.Command) error {
	cat, err := catalog.NewManager(cmd.String("catalog-dir"))
	if err != nil {
		return err
	}
	results, err := checkCatalog(ctx, cat)
	if err != nil {
		return err
	}

	w := output(cmd)
	broken := 0
	for _, r := range results {
		if r.Err != nil {
			broken++
			fmt.Fprintf(w, "FAIL %s/%d: %v\n", r.Kind, r.Index, r.Err)
			continue
		}
		fmt.Fprintf(w, "ok   %s/%d\n", r.Kind, r.Index)
	}
	fmt.Fprintf(w, "%d tasks checked, %d broken\n", len(results), broken)
	if broken > 0 {
		return fmt.Errorf("%d broken tasks", broken)
	}
	return nil
}
