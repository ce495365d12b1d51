package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer re-exposes the authenticated client as a local MCP server, so tools
// that cannot log into the realm can still reach the solution server.
type MCPServer struct {
	client          *Client
	logger          *Logger
	mcpServer       *server.MCPServer
	serverTransport string
}

// NewMCPServer creates the bridge server
func NewMCPServer(client *Client, serverTransport string, logger *Logger, version string) (*MCPServer, error) {
	switch serverTransport {
	case "stdio", "streamable-http":
	default:
		return nil, fmt.Errorf("unsupported server transport: %s", serverTransport)
	}

	mcpServer := server.NewMCPServer(
		clientName+"-bridge",
		version,
		server.WithToolCapabilities(false),
	)

	ms := &MCPServer{
		client:          client,
		logger:          logger,
		mcpServer:       mcpServer,
		serverTransport: serverTransport,
	}
	ms.registerTools()

	return ms, nil
}

// Handler returns the streamable HTTP handler of the bridge
func (m *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(m.mcpServer)
}

// Start serves the bridge until ctx is cancelled (streamable-http) or stdin closes (stdio)
func (m *MCPServer) Start(ctx context.Context, listenAddr string) error {
	switch m.serverTransport {
	case "stdio":
		return server.ServeStdio(m.mcpServer)
	case "streamable-http":
		mux := http.NewServeMux()
		mux.Handle("/mcp", m.Handler())
		httpServer := &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		m.logger.Info("Bridge listening on http://%s/mcp", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported server transport: %s", m.serverTransport)
	}
}

// registerTools registers all bridge tools
func (m *MCPServer) registerTools() {
	getBestHintTool := mcp.NewTool(OperationGetBestHint,
		mcp.WithDescription("Get the best known hint for a violation; hint_id is -1 when none is known"),
		mcp.WithString("ruleset_name",
			mcp.Required(),
			mcp.Description("Name of the ruleset"),
		),
		mcp.WithString("violation_name",
			mcp.Required(),
			mcp.Description("Name of the violation within the ruleset"),
		),
	)
	m.mcpServer.AddTool(getBestHintTool, m.handleGetBestHint)

	getSuccessRateTool := mcp.NewTool(OperationGetSuccessRate,
		mcp.WithDescription("Get solution outcome counts for a set of violations"),
		mcp.WithArray("violation_ids",
			mcp.Required(),
			mcp.Description("Violations as {ruleset_name, violation_name} objects"),
			mcp.Items(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"ruleset_name":   map[string]interface{}{"type": "string"},
					"violation_name": map[string]interface{}{"type": "string"},
				},
				"required": []string{"ruleset_name", "violation_name"},
			}),
		),
	)
	m.mcpServer.AddTool(getSuccessRateTool, m.handleGetSuccessRate)

	listToolsTool := mcp.NewTool("list_tools",
		mcp.WithDescription("List the tools offered by the solution server"),
	)
	m.mcpServer.AddTool(listToolsTool, m.handleListTools)

	callToolTool := mcp.NewTool("call_tool",
		mcp.WithDescription("Execute a solution server tool with the given arguments"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to call"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the tool (as JSON object)"),
		),
	)
	m.mcpServer.AddTool(callToolTool, m.handleCallTool)

	authStatusTool := mcp.NewTool("auth_status",
		mcp.WithDescription("Show the session, token expiry and connection state"),
	)
	m.mcpServer.AddTool(authStatusTool, m.handleAuthStatus)
}
