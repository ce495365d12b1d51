package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/konveyor/solution-client/internal/agent"
)

const (
	// transportStreamableHTTP is the bridge transport served over HTTP
	transportStreamableHTTP = "streamable-http"
)

var (
	version         string
	endpoint        string
	realm           string
	username        string
	password        string
	clientID        string
	authURL         string
	insecure        bool
	envFile         string
	callTimeout     time.Duration
	connectRetries  int
	timeout         time.Duration
	verbose         bool
	noColor         bool
	jsonRPC         bool
	repl            bool
	mcpServer       bool
	serverTransport string
	listenAddr      string
	metricsAddr     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "solution-client",
	Short: "Authenticated client for the Konveyor solution server",
	Long: `solution-client keeps an authenticated MCP session with a solution server.

It logs into the configured realm, attaches the bearer token to a streamable-http
connection, and rotates the token in the background before it expires, reconnecting
the transport without dropping calls.

The tool supports multiple modes:
- Normal mode (default): Connect and keep the session alive until --timeout or Ctrl+C
- REPL mode (--repl): Interactive exploration and execution
- MCP Server mode (--mcp-server): Re-expose the authenticated session as a local MCP server

Connection settings are read from SOLUTION_SERVER_* environment variables (optionally
loaded from --env-file) and can be overridden with flags.

By default, it connects to http://localhost:8090/mcp.`,
	RunE: runSolutionClient,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	// Connection flags, shared by every subcommand
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&endpoint, "url", agent.DefaultEndpoint, "Solution server MCP endpoint (env SOLUTION_SERVER_URL)")
	pf.StringVar(&realm, "realm", "", "Identity realm (env SOLUTION_SERVER_REALM)")
	pf.StringVar(&username, "username", "", "Realm username (env SOLUTION_SERVER_USERNAME)")
	pf.StringVar(&password, "password", "", "Realm password (env SOLUTION_SERVER_PASSWORD)")
	pf.StringVar(&clientID, "client-id", "", "Realm client id, defaults to <realm>-ui (env SOLUTION_SERVER_CLIENT_ID)")
	pf.StringVar(&authURL, "auth-url", "", "Identity provider base URL, defaults to <server>/auth (env SOLUTION_SERVER_AUTH_URL)")
	pf.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (env SOLUTION_SERVER_INSECURE)")
	pf.StringVar(&envFile, "env-file", ".env", "Load environment variables from this file when it exists")
	pf.DurationVar(&callTimeout, "call-timeout", 30*time.Second, "Timeout for each tool call (env SOLUTION_SERVER_CALL_TIMEOUT)")
	pf.IntVar(&connectRetries, "connect-retries", 3, "Connection attempts before giving up on transport errors")
	pf.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")

	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "Disconnect after this long in normal mode (0 waits for Ctrl+C)")
	rootCmd.Flags().BoolVar(&repl, "repl", false, "Start interactive REPL mode")
	rootCmd.Flags().BoolVar(&mcpServer, "mcp-server", false, "Run as MCP server bridging to the solution server")
	rootCmd.Flags().StringVar(&serverTransport, "server-transport", "stdio", "Transport protocol for the MCP server itself (stdio, streamable-http)")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8899", "Listen address for streamable-http server (path is fixed to /mcp)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	// Add subcommands
	rootCmd.AddCommand(newHintCmd(), newSuccessRateCmd(), newCallCmd(), newSelfUpdateCmd())

	// Mark flags as mutually exclusive
	rootCmd.MarkFlagsMutuallyExclusive("repl", "mcp-server")
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc, quiet bool) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if !quiet {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down gracefully...")
		}
		cancel()
	}()
}

// buildClientConfig resolves the environment and lets explicitly set flags win
func buildClientConfig(cmd *cobra.Command, logger *agent.Logger, metrics *agent.Metrics) (agent.ClientConfig, error) {
	env, err := agent.LoadEnvConfig(envFile)
	if err != nil {
		return agent.ClientConfig{}, err
	}
	cfg := env.ClientConfig()

	flags := cmd.Flags()
	override := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	override("url", func() { cfg.Endpoint = endpoint })
	override("realm", func() { cfg.Auth.Realm = realm })
	override("username", func() { cfg.Auth.Username = username })
	override("password", func() { cfg.Auth.Password = password })
	override("client-id", func() { cfg.Auth.ClientID = clientID })
	override("auth-url", func() { cfg.Auth.AuthURL = authURL })
	override("insecure", func() { cfg.Auth.Insecure = insecure })
	override("call-timeout", func() { cfg.CallTimeout = callTimeout })

	if cfg.Endpoint == "" {
		cfg.Endpoint = endpoint
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = callTimeout
	}

	if flags.Changed("password") {
		logger.Warning("Security Warning: a password passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export SOLUTION_SERVER_PASSWORD=\"...\"")
	}

	cfg.Logger = logger
	cfg.Metrics = metrics
	cfg.Version = version
	return cfg, nil
}

// connectWithRetry retries Connect on transport errors only; configuration and
// authentication failures are returned at once
func connectWithRetry(ctx context.Context, cfg agent.ClientConfig, logger *agent.Logger) (*agent.Client, error) {
	attempts := connectRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := retryablehttp.DefaultBackoff(time.Second, 30*time.Second, attempt-1, nil)
			logger.Warning("Connection attempt %d/%d failed: %v (retrying in %s)", attempt, attempts, lastErr, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		client, err := agent.Connect(ctx, cfg)
		if err == nil {
			return client, nil
		}
		var transportErr *agent.TransportError
		if !errors.As(err, &transportErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}

// startMetricsServer serves the client registry until ctx is cancelled
func startMetricsServer(ctx context.Context, metrics *agent.Metrics, logger *agent.Logger) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		logger.Info("Serving metrics on http://%s/metrics", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed: %v", err)
		}
	}()
}

// session sets up logging, signals and an authenticated client for a command
func session(cmd *cobra.Command, quiet bool) (context.Context, *agent.Client, *agent.Logger, func(), error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	setupSignalHandler(cancel, quiet)

	logger := agent.NewLogger(verbose, !noColor, jsonRPC)
	metrics := agent.NewMetrics()

	cfg, err := buildClientConfig(cmd, logger, metrics)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, err
	}

	client, err := connectWithRetry(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect client: %w", err)
	}
	startMetricsServer(ctx, metrics, logger)

	cleanup := func() {
		client.Dispose()
		cancel()
	}
	return ctx, client, logger, cleanup, nil
}

// runMCPServer runs the bridge in MCP server mode
func runMCPServer(ctx context.Context, client *agent.Client, logger *agent.Logger) error {
	server, err := agent.NewMCPServer(client, serverTransport, logger, version)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	logger.Info("Starting solution-client MCP server (transport: %s)...", serverTransport)
	addr := listenAddr
	if serverTransport == transportStreamableHTTP && !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	if err := server.Start(ctx, addr); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// runNormalMode keeps the session alive so background rotations keep happening
func runNormalMode(ctx context.Context, client *agent.Client, logger *agent.Logger) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status := client.Status()
	logger.Info("Session active (auth: %s, %d tools). Press Ctrl+C to exit.", status.AuthState, status.Tools)
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Info("Timeout reached after %v", timeout)
	} else {
		logger.Info("Shutting down...")
	}
	return nil
}

func runSolutionClient(cmd *cobra.Command, args []string) error {
	ctx, client, logger, cleanup, err := session(cmd, mcpServer)
	if err != nil {
		return err
	}
	defer cleanup()

	if mcpServer {
		return runMCPServer(ctx, client, logger)
	}

	if repl {
		replHandler := agent.NewREPL(client, logger)
		if err := replHandler.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}

	return runNormalMode(ctx, client, logger)
}
