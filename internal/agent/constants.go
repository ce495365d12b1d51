package agent

import "time"

// MCP method names used across the package.
const (
	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"

	// notificationToolsListChanged is sent when the server's tool list changes
	notificationToolsListChanged = "notifications/tools/list_changed"
)

// Tool names exposed by the solution server.
const (
	OperationGetBestHint    = "get_best_hint"
	OperationGetSuccessRate = "get_success_rate"
	OperationCreateIncident = "create_incident"
	OperationCreateSolution = "create_solution"
	OperationAcceptFile     = "accept_file"
	OperationRejectFile     = "reject_file"
)

// keycloakTokenPath is the token endpoint relative to the realm issuer
const keycloakTokenPath = "/protocol/openid-connect/token"

// URL scheme constants for validation.
const (
	schemeHTTPS = "https"
	schemeHTTP  = "http"
)

// Defaults applied by ClientConfig.WithDefaults.
const (
	DefaultEndpoint       = "http://localhost:8090/mcp"
	defaultCallTimeout    = 30 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultDisposeTimeout = 10 * time.Second
	notificationTimeout   = 10 * time.Second
	notificationQueueSize = 10
	clientName            = "solution-client"
)
