package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Request invokes a tool and decodes its validated result into T. A result with
// no content is returned as nil without an error.
func Request[T any](ctx context.Context, c *Client, operation string, args map[string]interface{}, schema *ResultSchema) (*T, error) {
	payload, err := c.invoke(ctx, operation, args, schema)
	if err != nil || payload == "" {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return nil, &ProtocolError{Operation: operation, Payload: payload, Err: err}
	}
	return out, nil
}

// CallTool invokes a tool through the refresh barrier and returns the raw result.
// A result flagged as an error is returned as *RemoteOperationError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	start := time.Now()
	result, err := c.dispatch(ctx, name, args)
	if err != nil {
		c.metrics.toolCall(name, outcomeOf(err), time.Since(start))
		return nil, err
	}
	if result.IsError {
		err := &RemoteOperationError{Operation: name, Arguments: args, Message: joinText(result.Content)}
		c.metrics.toolCall(name, outcomeOf(err), time.Since(start))
		return result, err
	}
	c.metrics.toolCall(name, "success", time.Since(start))
	return result, nil
}

// invoke runs one call and returns the validated JSON payload, or "" when the
// server returned no content
func (c *Client) invoke(ctx context.Context, operation string, args map[string]interface{}, schema *ResultSchema) (payload string, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = outcomeOf(err)
		} else if payload == "" {
			outcome = "empty"
		}
		c.metrics.toolCall(operation, outcome, time.Since(start))
	}()

	result, err := c.dispatch(ctx, operation, args)
	if err != nil {
		return "", err
	}

	// Error text is a message for humans, never a payload
	if result.IsError {
		return "", &RemoteOperationError{Operation: operation, Arguments: args, Message: joinText(result.Content)}
	}

	if len(result.Content) == 0 {
		return "", nil
	}

	text := joinText(result.Content)
	if text == "" {
		return "", &ProtocolError{Operation: operation, Err: errors.New("result has content but no text blocks")}
	}

	value, err := decodePayload(operation, text)
	if err != nil {
		return "", err
	}

	if err := schema.Validate(value); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Payload = text
		}
		c.logger.Error("Result of %s does not match its schema: %v\nPayload: %s", operation, err, text)
		return "", err
	}

	return text, nil
}

// dispatch waits on the refresh barrier, pins the live connection and sends the call
func (c *Client) dispatch(ctx context.Context, operation string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if c.auth != nil {
		if err := c.auth.WaitForRefresh(ctx); err != nil {
			return nil, err
		}
	}

	conn, err := c.transport.acquire()
	if err != nil {
		return nil, &TransportError{Op: operation, Err: err}
	}
	defer conn.release()

	requestID := uuid.NewString()
	c.logger.Debug("Dispatching %s [%s] on connection %s", operation, shortID(requestID), shortID(conn.id))

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = operation
	req.Params.Arguments = args

	result, err := conn.session.CallTool(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Operation: operation, Phase: "tool invocation", Err: err}
		}
		if isConnectionFailure(err) {
			c.logger.Warning("Connection %s looks broken: %v", shortID(conn.id), err)
		}
		return nil, &TransportError{Op: operation, Err: err}
	}
	if result == nil {
		return nil, &ProtocolError{Operation: operation, Err: errors.New("empty response")}
	}
	c.logger.Debug("Completed %s [%s]", operation, shortID(requestID))
	return result, nil
}

// joinText concatenates the text blocks of a result in order
func joinText(content []mcp.Content) string {
	var b strings.Builder
	for _, block := range content {
		if tc, ok := mcp.AsTextContent(block); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func outcomeOf(err error) string {
	var (
		remoteErr     *RemoteOperationError
		protocolErr   *ProtocolError
		validationErr *ValidationError
		timeoutErr    *TimeoutError
		authErr       *AuthenticationError
		transportErr  *TransportError
	)
	switch {
	case errors.As(err, &remoteErr):
		return "remote_error"
	case errors.As(err, &protocolErr):
		return "protocol_error"
	case errors.As(err, &validationErr):
		return "validation_error"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	default:
		return "error"
	}
}
