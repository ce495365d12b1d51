package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// parseToolArgs parses JSON arguments for a tool call
func parseToolArgs(argsStr string, toolName string) (map[string]interface{}, error) {
	if argsStr == "" {
		return nil, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments (example: call %s {\"param1\": \"value1\"}): %w", toolName, err)
	}
	return args, nil
}

// parseViolationIDs turns "ruleset/violation" pairs into ids
func parseViolationIDs(specs []string) ([]ViolationID, error) {
	ids := make([]ViolationID, 0, len(specs))
	for _, spec := range specs {
		ruleset, violation, ok := strings.Cut(spec, "/")
		if !ok || ruleset == "" || violation == "" {
			return nil, fmt.Errorf("invalid violation id %q, expected <ruleset>/<violation>", spec)
		}
		ids = append(ids, ViolationID{RulesetName: ruleset, ViolationName: violation})
	}
	return ids, nil
}

// displayTextContent displays text content, pretty-printing JSON if possible
func displayTextContent(w io.Writer, text string) {
	var jsonData interface{}
	if err := json.Unmarshal([]byte(text), &jsonData); err == nil {
		_, _ = fmt.Fprintln(w, PrettyJSON(jsonData))
	} else {
		_, _ = fmt.Fprintln(w, text)
	}
}

// displayToolResult displays the result of a tool call
func displayToolResult(w io.Writer, result *mcp.CallToolResult) {
	if len(result.Content) == 0 {
		_, _ = fmt.Fprintln(w, "Result: (empty)")
		return
	}
	_, _ = fmt.Fprintln(w, "Result:")
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			displayTextContent(w, textContent.Text)
		} else if imageContent, ok := mcp.AsImageContent(content); ok {
			_, _ = fmt.Fprintf(w, "[Image: MIME type %s, %d bytes]\n", imageContent.MIMEType, len(imageContent.Data))
		}
	}
}

// handleCallTool executes a tool with the given arguments
func (r *REPL) handleCallTool(ctx context.Context, toolName string, argsStr string) error {
	if !r.client.ServerSupportsTools() {
		return fmt.Errorf("server does not support tools capability")
	}

	if _, ok := r.client.Tool(toolName); !ok {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	args, err := parseToolArgs(argsStr, toolName)
	if err != nil {
		return err
	}

	r.printf("Executing tool: %s...\n", toolName)
	result, err := r.client.CallTool(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}

	displayToolResult(r.out, result)
	return nil
}

// handleHint fetches the best hint for a violation
func (r *REPL) handleHint(ctx context.Context, ruleset, violation string) error {
	hint, err := r.client.GetBestHint(ctx, ruleset, violation)
	if err != nil {
		return err
	}
	if hint.HintID < 0 {
		r.printf("No hint known for %s/%s\n", ruleset, violation)
		return nil
	}
	r.printf("Hint #%d:\n%s\n", hint.HintID, hint.Hint)
	return nil
}

// handleSuccessRate fetches the success rate over the given violations
func (r *REPL) handleSuccessRate(ctx context.Context, specs []string) error {
	ids, err := parseViolationIDs(specs)
	if err != nil {
		return err
	}
	rate, err := r.client.GetSuccessRate(ctx, ids)
	if err != nil {
		return err
	}
	r.println(PrettyJSON(rate))
	return nil
}

// showStatus prints session and connection state
func (r *REPL) showStatus() error {
	s := r.client.Status()
	r.printf("Endpoint:    %s\n", s.Endpoint)
	r.printf("Auth state:  %s\n", s.AuthState)
	if s.ConnectionID != "" {
		r.printf("Connection:  %s (%d tools)\n", s.ConnectionID, s.Tools)
		if !r.client.ServerSupportsResources() {
			r.println("Resources:   not supported")
		}
	} else {
		r.println("Connection:  none")
	}
	return nil
}

// showToken prints the masked token and its remaining validity
func (r *REPL) showToken() error {
	cred := r.client.Credential()
	if cred == nil {
		r.println("Session is not authenticated.")
		return nil
	}
	r.printf("Token:       %s\n", maskToken(cred.Token))
	if cred.ExpiresAt.IsZero() {
		r.println("Expires:     unknown")
		return nil
	}
	if cred.Expired(time.Now()) {
		r.printf("Expires:     %s (expired)\n", cred.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	r.printf("Expires:     %s (in %s)\n", cred.ExpiresAt.Format(time.RFC3339), time.Until(cred.ExpiresAt).Round(time.Second))
	return nil
}

// handleRefresh rotates the token immediately
func (r *REPL) handleRefresh(ctx context.Context) error {
	r.println("Refreshing bearer token...")
	if err := r.client.ForceRefresh(ctx); err != nil {
		return err
	}
	return r.showToken()
}
