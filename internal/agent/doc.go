// Package agent implements an authenticated client for the Konveyor solution server.
//
// The solution server speaks MCP over streamable HTTP and expects a bearer token
// issued by an identity realm. Client logs into the realm, opens the transport
// with the token attached and keeps the token fresh in the background. When the
// token rotates, the transport is reconnected with the new token before any
// further call is dispatched; calls already in flight finish on the old
// connection.
//
// # Key Components
//
//   - Client: connects, dispatches tool calls and exposes the typed operations
//     (GetBestHint, GetSuccessRate, CreateIncident, CreateSolution, AcceptFile, RejectFile)
//   - Request: generic call that validates the result against a ResultSchema and decodes it
//   - AuthManager: credential lifecycle, refresh timer and the dispatch barrier
//   - TransportManager: the live MCP connection and reconnect-on-rotation
//   - REPL: interactive shell over a connected client
//   - MCPServer: re-exposes the authenticated client as a local MCP server
//   - Logger and Metrics: console logging and Prometheus collectors
//
// Failures are reported with typed errors (ConfigurationError, AuthenticationError,
// TransportError, RemoteOperationError, ProtocolError, ValidationError, TimeoutError)
// that callers inspect with errors.As.
package agent
