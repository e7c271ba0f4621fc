// Command envserver serves interactive environments to agents over HTTP.
//
// It has three commands:
//  1. "server" – runs the HTTP server exposing the REST API, WebSocket updates and an /mcp endpoint
//  2. "stdio-mcp" – runs an MCP stdio server and spins up an internal HTTP API if none is available
//  3. "worker" – hosts one environment on stdin/stdout; started by the server, not by hand
//
// Every flag can also be set through an ENVSERVER_* environment variable or a
// .env file, and ngrok tunneling is available for external access during
// development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/mcp-training/envserver/api"
	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
	"github.com/wricardo/mcp-training/envserver/env/sim/roadtrip"
	"github.com/wricardo/mcp-training/envserver/env/sim/sqlgym"
	"github.com/wricardo/mcp-training/envserver/env/sim/webnav"
	"github.com/wricardo/mcp-training/envserver/env/worker"
	"github.com/wricardo/mcp-training/envserver/transport/mcp"
	"github.com/wricardo/mcp-training/envserver/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "envserver"
)

const (
	defaultPort          = 8080
	defaultSweepInterval = time.Minute
	shutdownTimeout      = 30 * time.Second
)

// main loads .env and runs the selected command.
func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "session registry and isolated workers for interactive environments",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:    "server",
				Aliases: []string{"http"},
				Usage:   "Run HTTP server with API, WebSocket, and MCP endpoint",
				Flags:   append(commonFlags(), serverFlags()...),
				Action:  runServer,
			},
			{
				Name:    "stdio-mcp",
				Aliases: []string{"mcp-stdio", "mcp"},
				Usage:   "Run MCP stdio server, with an internal HTTP server if none is running",
				Flags:   append(commonFlags(), serverFlags()...),
				Action:  runStdioMCP,
			},
			{
				Name:   "worker",
				Usage:  "Host one environment over the worker protocol on stdin/stdout",
				Hidden: true,
				Flags: append(commonFlags(), &cli.StringFlag{
					Name:     "env",
					Usage:    "environment kind to host",
					Required: true,
				}),
				Action: runWorker,
			},
		},
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug logging",
			Sources: cli.EnvVars("ENVSERVER_DEBUG"),
		},
		&cli.StringFlag{
			Name:    "catalog-dir",
			Usage:   "Directory of task catalogs, <dir>/<kind>/<index>.json",
			Sources: cli.EnvVars("ENVSERVER_CATALOG_DIR", "CONFIG_DIR"),
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Value: "localhost", Usage: "HTTP server host", Sources: cli.EnvVars("ENVSERVER_HOST")},
		&cli.IntFlag{Name: "port", Value: defaultPort, Usage: "HTTP server port", Sources: cli.EnvVars("ENVSERVER_PORT", "PORT")},
		&cli.StringFlag{Name: "default-kind", Value: roadtrip.Kind, Usage: "Kind created when /create names none", Sources: cli.EnvVars("ENVSERVER_DEFAULT_KIND")},

		// Session table
		&cli.IntFlag{Name: "capacity", Usage: "Maximum live sessions, 0 for unbounded", Sources: cli.EnvVars("ENVSERVER_CAPACITY")},
		&cli.StringFlag{Name: "policy", Value: string(session.PolicyMonotonic), Usage: "Handle policy: monotonic or random", Sources: cli.EnvVars("ENVSERVER_POLICY")},
		&cli.StringFlag{Name: "overflow", Usage: "At capacity: reject or roundrobin (default depends on policy)", Sources: cli.EnvVars("ENVSERVER_OVERFLOW")},
		&cli.IntFlag{Name: "id-range", Usage: "Upper bound of random handles, 0 for the default", Sources: cli.EnvVars("ENVSERVER_ID_RANGE")},
		&cli.IntFlag{Name: "seed", Usage: "Seed for random handles, 0 for clock", Sources: cli.EnvVars("ENVSERVER_SEED")},
		&cli.DurationFlag{Name: "max-idle", Usage: "Close sessions idle this long, 0 to keep forever", Sources: cli.EnvVars("ENVSERVER_MAX_IDLE")},
		&cli.DurationFlag{Name: "sweep-interval", Value: defaultSweepInterval, Usage: "How often idle sessions are swept", Sources: cli.EnvVars("ENVSERVER_SWEEP_INTERVAL")},

		// Timeouts
		&cli.DurationFlag{Name: "call-timeout", Value: service.DefaultCallTimeout, Usage: "Bound on one simulator call", Sources: cli.EnvVars("ENVSERVER_CALL_TIMEOUT")},
		&cli.DurationFlag{Name: "close-timeout", Value: service.DefaultCloseTimeout, Usage: "Bound on closing one session", Sources: cli.EnvVars("ENVSERVER_CLOSE_TIMEOUT")},
		&cli.DurationFlag{Name: "worker-ack-timeout", Value: worker.DefaultAckTimeout, Usage: "Wait for a worker's close acknowledgement", Sources: cli.EnvVars("ENVSERVER_WORKER_ACK_TIMEOUT")},
		&cli.DurationFlag{Name: "worker-grace", Value: worker.DefaultGracePeriod, Usage: "Wait between terminate and kill", Sources: cli.EnvVars("ENVSERVER_WORKER_GRACE")},

		// Ngrok
		&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
		&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
	}
}

// newLogger builds the process logger. Both encoders write to stderr, which
// keeps stdout free for the stdio transports.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// serviceConfig reads the manager settings from cmd.
func serviceConfig(cmd *cli.Command) service.Config {
	return service.Config{
		Allocator: session.AllocatorConfig{
			Policy:   session.Policy(cmd.String("policy")),
			Capacity: int(cmd.Int("capacity")),
			Overflow: session.Overflow(cmd.String("overflow")),
			IDRange:  int64(cmd.Int("id-range")),
			Seed:     uint64(cmd.Int("seed")),
		},
		DefaultKind:  cmd.String("default-kind"),
		CallTimeout:  cmd.Duration("call-timeout"),
		CloseTimeout: cmd.Duration("close-timeout"),
		MaxIdle:      cmd.Duration("max-idle"),
	}
}

// workerConfig reads the worker channel settings from cmd.
func workerConfig(cmd *cli.Command) worker.Config {
	return worker.Config{
		CallTimeout: cmd.Duration("call-timeout"),
		AckTimeout:  cmd.Duration("worker-ack-timeout"),
		GracePeriod: cmd.Duration("worker-grace"),
	}
}

// openCatalog opens dir. An empty dir means no catalog: only the built-in
// default targets can be reset to.
func openCatalog(dir string) (*catalog.Manager, error) {
	if dir == "" {
		return nil, nil
	}
	return catalog.NewManager(dir)
}

// localFactory returns the in-process factory for kind.
func localFactory(kind string, cat *catalog.Manager) (sim.Factory, error) {
	switch kind {
	case roadtrip.Kind:
		return &roadtrip.Factory{Catalog: cat}, nil
	case sqlgym.Kind:
		return &sqlgym.Factory{Catalog: cat}, nil
	case webnav.Kind:
		return &webnav.Factory{Catalog: cat}, nil
	}
	return nil, fmt.Errorf("%w: %q", sim.ErrUnknownKind, kind)
}

// workerArgs is the command line of a worker process hosting kind.
func workerArgs(kind, catalogDir string, debug bool) []string {
	args := []string{"worker", "--env", kind}
	if catalogDir != "" {
		args = append(args, "--catalog-dir", catalogDir)
	}
	if debug {
		args = append(args, "--debug")
	}
	return args
}

// newRegistry registers the in-process kinds and the isolated webnav kind,
// which runs each session in its own worker process.
func newRegistry(cat *catalog.Manager, spawn worker.SpawnFunc) (*sim.Registry, error) {
	registry := sim.NewRegistry()
	for _, f := range []sim.Factory{
		&roadtrip.Factory{Catalog: cat},
		&sqlgym.Factory{Catalog: cat},
		worker.NewFactory(webnav.Kind, spawn, true),
	} {
		if err := registry.Register(f); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// initializeServices wires the catalog, registry and session manager.
func initializeServices(cmd *cli.Command, log *zap.Logger) (*service.Manager, error) {
	catalogDir := cmd.String("catalog-dir")
	cat, err := openCatalog(catalogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if cat == nil {
		log.Warn("no catalog directory configured, only default targets are available")
	}

	spec := worker.Spec{Args: workerArgs(webnav.Kind, catalogDir, cmd.Bool("debug"))}
	registry, err := newRegistry(cat, worker.ExecSpawner(spec, workerConfig(cmd)))
	if err != nil {
		return nil, fmt.Errorf("failed to register environments: %w", err)
	}

	mgr, err := service.NewManager(serviceConfig(cmd), registry, log.Named("service"))
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}
	return mgr, nil
}

// mcpHandler serves MCP JSON-RPC messages posted to /mcp.
func mcpHandler(mcpClient *mcp.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	}
}

// runServer starts the HTTP server with REST API, WebSocket hub, and an /mcp
// proxy endpoint. If ngrok is enabled it also provisions a public tunnel.
func runServer(ctx context.Context, cmd *cli.Command) error {
	log, err := newLogger(cmd.Bool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()
	worker.SetLogger(log.Named("worker"))
	log.Info("starting", zap.String("app", AppName), zap.String("version", Version))

	mgr, err := initializeServices(cmd, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(log.Named("websocket"))
	go hub.Run(ctx)
	go mgr.RunSweeper(ctx, cmd.Duration("sweep-interval"))

	apiServer := api.NewServer(mgr, hub, log.Named("api"))

	addr := fmt.Sprintf("%s:%d", cmd.String("host"), cmd.Int("port"))
	mcpClient := mcp.NewClient(fmt.Sprintf("http://%s", addr))
	apiServer.Router().HandleFunc("/mcp", mcpHandler(mcpClient)).Methods("POST")

	// No write timeout: worker-hosted steps may run for minutes.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     apiServer,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("HTTP server listening",
			zap.String("addr", addr),
			zap.String("websocket", fmt.Sprintf("ws://%s/ws?handle=<handle>", addr)),
			zap.String("mcp", fmt.Sprintf("http://%s/mcp", addr)),
			zap.Strings("kinds", mgr.Kinds()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if cmd.Bool("ngrok") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(ctx, cmd, apiServer, log.Named("ngrok"))
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("session shutdown error", zap.Error(err))
	}

	wg.Wait()
	log.Info("server stopped")
	return err
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, cmd *cli.Command, handler http.Handler, log *zap.Logger) {
	authToken := cmd.String("ngrok-auth")
	if authToken == "" {
		log.Warn("ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if domain := cmd.String("ngrok-domain"); domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
		log.Info("using custom ngrok domain", zap.String("domain", domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		log.Error("failed to start ngrok tunnel", zap.Error(err))
		return
	}
	defer func() {
		if err := tun.Close(); err != nil {
			log.Warn("failed to close ngrok tunnel", zap.Error(err))
		}
	}()

	ngrokURL := tun.URL()
	log.Info("ngrok tunnel established",
		zap.String("url", ngrokURL),
		zap.String("mcp", ngrokURL+"/mcp"))

	go func() {
		<-ctx.Done()
		tun.Close()
	}()
	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		log.Warn("ngrok server error", zap.Error(err))
	}
	log.Info("ngrok tunnel closed")
}

// runStdioMCP runs an MCP stdio server. It reuses an API already listening
// on the configured port; otherwise it starts an internal HTTP API on a
// random loopback port and targets that.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	log, err := newLogger(cmd.Bool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()
	worker.SetLogger(log.Named("worker"))

	externalURL := fmt.Sprintf("http://%s:%d", cmd.String("host"), cmd.Int("port"))
	baseURL := externalURL

	testClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := testClient.Get(externalURL + "/")
	if err == nil && resp.StatusCode < 500 {
		resp.Body.Close()
		log.Info("external API server found, using it for MCP", zap.String("url", externalURL))
	} else {
		log.Info("no external API server found, starting internal HTTP server")

		mgr, err := initializeServices(cmd, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := mgr.Shutdown(shutdownCtx); err != nil {
				log.Warn("session shutdown error", zap.Error(err))
			}
		}()

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}

		hub := websocket.NewHub(log.Named("websocket"))
		go hub.Run(ctx)
		go mgr.RunSweeper(ctx, cmd.Duration("sweep-interval"))

		httpServer := &http.Server{Handler: api.NewServer(mgr, hub, log.Named("api"))}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("internal HTTP server error", zap.Error(err))
			}
		}()
		defer httpServer.Close()

		baseURL = "http://" + listener.Addr().String()
		log.Info("internal HTTP server started", zap.String("url", baseURL))
	}

	mcpClient := mcp.NewClient(baseURL)
	log.Info("MCP stdio server ready", zap.String("api", baseURL))

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

// runWorker hosts one environment on stdin/stdout until the server sends
// close or closes the pipe. Logs go to stderr, which the server collects.
func runWorker(ctx context.Context, cmd *cli.Command) error {
	log, err := newLogger(cmd.Bool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()

	kind := cmd.String("env")
	log = log.With(zap.String("worker_id", os.Getenv(worker.WorkerIDEnv)), zap.String("kind", kind))
	worker.SetLogger(log)

	cat, err := openCatalog(cmd.String("catalog-dir"))
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	factory, err := localFactory(kind, cat)
	if err != nil {
		return err
	}
	env, snap, err := factory.New(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s environment: %w", kind, err)
	}

	log.Debug("worker ready", zap.Int("pid", os.Getpid()))
	return worker.Serve(ctx, os.Stdin, os.Stdout, worker.NewEnvTarget(env, snap))
}
