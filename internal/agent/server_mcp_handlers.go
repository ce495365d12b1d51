package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// jsonResult marshals v into a text result
func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// handleGetBestHint handles the get_best_hint request
func (m *MCPServer) handleGetBestHint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	ruleset, ok := args["ruleset_name"].(string)
	if !ok || ruleset == "" {
		return mcp.NewToolResultError("missing or invalid 'ruleset_name' argument"), nil
	}
	violation, ok := args["violation_name"].(string)
	if !ok || violation == "" {
		return mcp.NewToolResultError("missing or invalid 'violation_name' argument"), nil
	}

	hint, err := m.client.GetBestHint(ctx, ruleset, violation)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get_best_hint failed: %v", err)), nil
	}
	return jsonResult(hint), nil
}

// handleGetSuccessRate handles the get_success_rate request
func (m *MCPServer) handleGetSuccessRate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	raw, ok := args["violation_ids"].([]interface{})
	if !ok {
		return mcp.NewToolResultError("missing or invalid 'violation_ids' argument"), nil
	}
	var ids []ViolationID
	if err := remarshal(raw, &ids); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid 'violation_ids': %v", err)), nil
	}

	rate, err := m.client.GetSuccessRate(ctx, ids)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get_success_rate failed: %v", err)), nil
	}
	return jsonResult(rate), nil
}

// handleListTools handles the list_tools request
func (m *MCPServer) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.client.Tools()), nil
}

// handleCallTool handles the call_tool request
func (m *MCPServer) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	toolName, ok := args["name"].(string)
	if !ok || toolName == "" {
		return mcp.NewToolResultError("missing or invalid 'name' argument"), nil
	}

	var toolArgs map[string]interface{}
	if argValue, exists := args["arguments"]; exists {
		toolArgs, _ = argValue.(map[string]interface{})
	}

	result, err := m.client.CallTool(ctx, toolName, toolArgs)
	if err != nil {
		var remoteErr *RemoteOperationError
		if errors.As(err, &remoteErr) {
			return mcp.NewToolResultError(remoteErr.Message), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("tool call failed: %v", err)), nil
	}
	return result, nil
}

// handleAuthStatus handles the auth_status request
func (m *MCPServer) handleAuthStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.client.Status()), nil
}
