package agent

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// streamableDialer opens MCP sessions over streamable HTTP
type streamableDialer struct {
	endpoint   string
	httpClient *http.Client
	logger     *Logger
	version    string

	// onToolsChanged runs after a session refreshed its catalog
	onToolsChanged func()
}

// Dial creates the transport with the bearer header, starts it and performs the handshake
func (d *streamableDialer) Dial(ctx context.Context, token string) (toolSession, error) {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPHeaders(headers),
		transport.WithContinuousListening(),
	}
	if d.httpClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(d.httpClient))
	}
	tr, err := transport.NewStreamableHTTP(d.endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}

	mcpClient := client.NewClient(tr)
	s := newMCPSession(mcpClient, d.logger, d.onToolsChanged)

	// the notification listener lives as long as the session, not the dial
	if err := mcpClient.Start(s.ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	mcpClient.OnNotification(s.enqueue)

	if err := s.initialize(ctx, d.version); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.listTools(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initial tool listing failed: %w", err)
	}

	s.wg.Add(1)
	go s.watchNotifications()
	return s, nil
}

// mcpSession adapts an mcp-go client to toolSession
type mcpSession struct {
	client         *client.Client
	logger         *Logger
	onToolsChanged func()

	ctx           context.Context
	cancel        context.CancelFunc
	notifications chan mcp.JSONRPCNotification
	wg            sync.WaitGroup

	mu           sync.RWMutex
	capabilities mcp.ServerCapabilities
	tools        []mcp.Tool
}

func newMCPSession(c *client.Client, logger *Logger, onToolsChanged func()) *mcpSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &mcpSession{
		client:         c,
		logger:         logger,
		onToolsChanged: onToolsChanged,
		ctx:            ctx,
		cancel:         cancel,
		notifications:  make(chan mcp.JSONRPCNotification, notificationQueueSize),
	}
}

// initialize performs the MCP protocol handshake
func (s *mcpSession) initialize(ctx context.Context, version string) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: version,
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	s.logger.Request(methodInitialize, req.Params)

	result, err := s.client.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	s.logger.Response(methodInitialize, result)
	s.logger.InfoVerbose("Server: %s %s (protocol %s)", result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)

	if result.Capabilities.Tools == nil {
		return fmt.Errorf("server %s does not advertise the tools capability", result.ServerInfo.Name)
	}
	if result.Capabilities.Resources == nil {
		s.logger.WarningVerbose("Server does not support resources capability")
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.mu.Unlock()
	return nil
}

// listTools fills the tool catalog of this session
func (s *mcpSession) listTools(ctx context.Context) error {
	req := mcp.ListToolsRequest{}

	s.logger.Request(methodToolsList, req.Params)

	result, err := s.client.ListTools(ctx, req)
	if err != nil {
		return err
	}

	s.logger.Response(methodToolsList, result)

	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()
	return nil
}

func (s *mcpSession) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Request(methodToolsCall, req.Params)
	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Response(methodToolsCall, result)
	return result, nil
}

func (s *mcpSession) Capabilities() mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

func (s *mcpSession) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

func (s *mcpSession) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}

// enqueue hands a notification to the session's worker. It runs on the
// transport's reader and must not block.
func (s *mcpSession) enqueue(notification mcp.JSONRPCNotification) {
	select {
	case s.notifications <- notification:
	case <-s.ctx.Done():
	default:
		s.logger.WarningVerbose("Dropping notification %s, queue is full", notification.Method)
	}
}

func (s *mcpSession) watchNotifications() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case notification := <-s.notifications:
			if err := s.handleNotification(notification); err != nil && s.ctx.Err() == nil {
				s.logger.Error("Failed to handle notification: %v", err)
			}
		}
	}
}

// handleNotification processes incoming notifications
func (s *mcpSession) handleNotification(notification mcp.JSONRPCNotification) error {
	s.logger.Notification(notification.Method, notification.Params)

	switch notification.Method {
	case notificationToolsListChanged:
		ctx, cancel := context.WithTimeout(s.ctx, notificationTimeout)
		defer cancel()

		oldTools := s.Tools()
		if err := s.listTools(ctx); err != nil {
			return fmt.Errorf("failed to refresh tool list: %w", err)
		}
		s.showToolDiff(oldTools, s.Tools())
		if s.onToolsChanged != nil {
			s.onToolsChanged()
		}
	}
	return nil
}

// showToolDiff logs the differences between old and new tool lists
func (s *mcpSession) showToolDiff(oldTools, newTools []mcp.Tool) {
	added, removed := diffTools(oldTools, newTools)
	if len(added) == 0 && len(removed) == 0 {
		s.logger.Info("No tool changes detected")
		return
	}
	s.logger.Info("Tool changes detected:")
	for _, name := range added {
		s.logger.Success("  + Added: %s", name)
	}
	for _, name := range removed {
		s.logger.Warning("  - Removed: %s", name)
	}
}

// diffTools returns the sorted names present only in newTools and only in oldTools
func diffTools(oldTools, newTools []mcp.Tool) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(oldTools))
	for _, tool := range oldTools {
		oldSet[tool.Name] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newTools))
	for _, tool := range newTools {
		newSet[tool.Name] = struct{}{}
		if _, ok := oldSet[tool.Name]; !ok {
			added = append(added, tool.Name)
		}
	}
	for _, tool := range oldTools {
		if _, ok := newSet[tool.Name]; !ok {
			removed = append(removed, tool.Name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
