// Package toolbridge connects external MCP tool servers to the agent loop.
// Each registered server contributes its tools under a server-prefixed name,
// so tools from different servers never collide.
package toolbridge

import "time"

// Transport identifies how a tool server is reached.
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// Valid reports whether the transport is one of the supported kinds.
func (t Transport) Valid() bool {
	return t == TransportSSE || t == TransportStreamableHTTP
}

// ConnectionStatus is the observed health of a tool server connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ToolDescriptor is one tool from a server's catalog, cached at discovery
// time. InputSchema is the server's JSON schema, passed through untouched.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ToolConnection is a registered MCP tool server scoped to a project. The
// auth token is stored encrypted and never leaves the store in plaintext
// except to authenticate outbound requests.
type ToolConnection struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	ServerID  string           `json:"server_id"`
	Transport Transport        `json:"transport"`
	URL       string           `json:"url"`
	Enabled   bool             `json:"enabled"`
	Status    ConnectionStatus `json:"status"`
	LastError string           `json:"last_error,omitempty"`
	Tools     []ToolDescriptor `json:"tools,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// AuthToken carries the plaintext token on registration input only; it is
	// cleared before the connection is returned to callers.
	AuthToken string `json:"auth_token,omitempty"`
}

// CallRecord captures one tool invocation made during an agent run.
type CallRecord struct {
	Tool         string    `json:"tool"`
	ServerID     string    `json:"server_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Arguments    string    `json:"arguments,omitempty"`
	Result       string    `json:"result,omitempty"`
	IsError      bool      `json:"is_error"`
	Timestamp    time.Time `json:"timestamp"`
}
