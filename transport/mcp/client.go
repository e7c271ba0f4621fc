package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/session"
)

// DefaultTimeout bounds one REST round trip. Steps on worker-hosted
// environments can be slow, so it is well above a typical request.
const DefaultTimeout = 5 * time.Minute

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"envserver",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Environment Server - MCP Interface

This is a thin client that proxies all requests to the REST API server.

WORKFLOW:
1. create_env to start a session and get its integer handle.
2. reset_env to load a task (some kinds start ready, others need a reset first).
3. step_env with one action at a time until the result says done.
4. After done, reset_env again or close_env.

AVAILABLE TOOLS:
- create_env: Start a session of an environment kind
- reset_env: Load a task by index
- step_env: Send one action
- observe_env: Re-read the last observation without acting
- close_env: Close a session
- list_envs: List live sessions and available kinds
- env_detail: Describe one session
- env_metadata: Simulator metadata for the current observation

Errors come back as text with a code such as not_initialized, invalid_state or handle_not_found.`),
	)

	c.registerTools()
}

func handleProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Session handle returned by create_env",
	}
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	// Session lifecycle
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "create_env",
		Description: "Start a new environment session and return its handle",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"kind": map[string]interface{}{
					"type":        "string",
					"description": "Environment kind (optional, server default when omitted)",
				},
				"params": map[string]interface{}{
					"type":        "object",
					"description": "Kind specific creation parameters (optional)",
				},
			},
		},
	}, c.handleCreate)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "close_env",
		Description: "Close an environment session",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"handle": handleProperty()},
			Required:   []string{"handle"},
		},
	}, c.handleClose)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_envs",
		Description: "List live sessions and the environment kinds that can be created",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleList)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "env_detail",
		Description: "Describe one session: kind, state, step count and worker",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"handle": handleProperty()},
			Required:   []string{"handle"},
		},
	}, c.handleDetail)

	// Episode operations
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "reset_env",
		Description: "Reset a session to a task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"handle": handleProperty(),
				"target": map[string]interface{}{
					"type":        "integer",
					"description": "Task index (optional, environment default when omitted)",
				},
				"seed": map[string]interface{}{
					"type":        "integer",
					"description": "Random seed (optional)",
				},
			},
			Required: []string{"handle"},
		},
	}, c.handleReset)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "step_env",
		Description: "Send one action to a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"handle": handleProperty(),
				"action": map[string]interface{}{
					"type":        "string",
					"description": "Action text in the format the environment expects",
				},
				"intent": map[string]interface{}{
					"type":        "string",
					"description": "Brief explanation of the intent behind this action (serves as a rubber duck to help explain your reasoning)",
				},
			},
			Required: []string{"handle", "action"},
		},
	}, c.handleStep)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "observe_env",
		Description: "Return the last observation of a session without acting",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"handle": handleProperty()},
			Required:   []string{"handle"},
		},
	}, c.handleObserve)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "env_metadata",
		Description: "Return simulator metadata for the current observation",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"handle": handleProperty()},
			Required:   []string{"handle"},
		},
	}, c.handleMetadata)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// APIError is an error reported in a REST response body.
type APIError struct {
	Message string            `json:"error"`
	Code    service.ErrorCode `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Failures arrive with status 200 and an error field.
	var apiErr APIError
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		return &apiErr
	}

	if result != nil {
		return json.Unmarshal(data, result)
	}
	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// handleArg reads the required handle argument. JSON numbers arrive as
// float64; a numeric string is accepted too.
func handleArg(args map[string]interface{}) (session.Handle, error) {
	switch v := args["handle"].(type) {
	case float64:
		return session.Handle(int64(v)), nil
	case int:
		return session.Handle(v), nil
	case int64:
		return session.Handle(v), nil
	case string:
		return session.ParseHandle(v)
	case nil:
		return 0, fmt.Errorf("handle is required")
	default:
		return 0, fmt.Errorf("handle must be an integer, got %T", v)
	}
}

func intArg(args map[string]interface{}, key string) (*int64, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case float64:
		n := int64(v)
		return &n, nil
	case int:
		n := int64(v)
		return &n, nil
	default:
		return nil, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}

// Tool handlers

func (c *Client) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	body := map[string]interface{}{}
	if kind, _ := args["kind"].(string); kind != "" {
		body["kind"] = kind
	}
	if params, ok := args["params"].(map[string]interface{}); ok {
		body["params"] = params
	}

	var resp struct {
		Handle session.Handle `json:"handle"`
	}
	if err := c.apiCall(ctx, "POST", "/create", body, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Created session: %d\n", resp.Handle)), nil
}

func (c *Client) handleClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, err := handleArg(arguments(request))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var resp struct {
		Closed bool   `json:"closed"`
		Error  string `json:"error"`
	}
	// /close reports failure inside its own response shape.
	if err := c.apiCall(ctx, "POST", "/close", map[string]interface{}{"handle": h}, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !resp.Closed {
		return mcp.NewToolResultError(fmt.Sprintf("session %d was not closed", h)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Closed session: %d\n", h)), nil
}

func (c *Client) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count    int                   `json:"count"`
		Sessions []service.SessionInfo `json:"sessions"`
		Kinds    []string              `json:"kinds"`
	}

	if err := c.apiCall(ctx, "GET", "/list_envs", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Kinds: %s\n", strings.Join(response.Kinds, ", "))
	fmt.Fprintf(&b, "Active Sessions (%d):\n\n", response.Count)
	for i := range response.Sessions {
		s := &response.Sessions[i]
		fmt.Fprintf(&b, "- %d (Kind: %s, State: %s, Steps: %d, Created: %s)\n",
			s.Handle, s.Kind, s.State, s.Steps, s.CreatedAt.Format("15:04:05"))
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleDetail(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, err := handleArg(arguments(request))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var info service.SessionInfo
	if err := c.apiCall(ctx, "GET", "/detail?handle="+url.QueryEscape(h.String()), nil, &info); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatSessionInfo(&info)), nil
}

func (c *Client) handleReset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	h, err := handleArg(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body := map[string]interface{}{"handle": h}
	target, err := intArg(args, "target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if target != nil {
		body["target"] = *target
	}
	seed, err := intArg(args, "seed")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if seed != nil {
		body["seed"] = *seed
	}

	var result service.ResetResult
	if err := c.apiCall(ctx, "POST", "/reset", body, &result); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatObservation(&result)), nil
}

func (c *Client) handleStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	h, err := handleArg(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, _ := args["action"].(string)
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	// Intent parameter serves as rubber duck debugging - we don't need to process it further
	_ = args["intent"]

	var result service.StepResult
	if err := c.apiCall(ctx, "POST", "/step", map[string]interface{}{"handle": h, "action": action}, &result); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatObservation(&result)), nil
}

func (c *Client) handleObserve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, err := handleArg(arguments(request))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var obs service.Observation
	if err := c.apiCall(ctx, "GET", "/observation?handle="+url.QueryEscape(h.String()), nil, &obs); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatObservation(&obs)), nil
}

func (c *Client) handleMetadata(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, err := handleArg(arguments(request))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var meta map[string]interface{}
	if err := c.apiCall(ctx, "GET", "/observation_metadata?handle="+url.QueryEscape(h.String()), nil, &meta); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func formatSessionInfo(info *service.SessionInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %d\n", info.Handle)
	fmt.Fprintf(&b, "Kind: %s\n", info.Kind)
	fmt.Fprintf(&b, "State: %s\n", info.State)
	fmt.Fprintf(&b, "Steps: %d  Resets: %d\n", info.Steps, info.Resets)
	fmt.Fprintf(&b, "Last reward: %g  Done: %t\n", info.Reward, info.Done)
	if info.WorkerID != "" {
		fmt.Fprintf(&b, "Worker: %s (%s)\n", info.WorkerID, info.Worker)
	}
	fmt.Fprintf(&b, "Created: %s  Last access: %s\n",
		info.CreatedAt.Format("15:04:05"), info.LastAccessedAt.Format("15:04:05"))
	return b.String()
}

func formatObservation(obs *service.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %d [%s]\n\n", obs.Handle, obs.State)
	b.WriteString(obs.Observation)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Reward: %g  Done: %t", obs.Reward, obs.Done)
	if obs.Truncated {
		b.WriteString("  (truncated)")
	}
	b.WriteString("\n")
	if obs.State == session.StateDone {
		b.WriteString("Episode finished. Use reset_env to start again.\n")
	}
	return b.String()
}
