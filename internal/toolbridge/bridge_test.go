package toolbridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklet/tracklet/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeSession is a scripted ToolClient served by fakeDialer.
type fakeSession struct {
	tools  []ToolDescriptor
	call   func(name string, args map[string]interface{}) (string, bool, error)
	closed bool
}

func (s *fakeSession) ListTools(context.Context) ([]ToolDescriptor, error) {
	return s.tools, nil
}

func (s *fakeSession) CallTool(_ context.Context, name string, args map[string]interface{}) (string, bool, error) {
	if s.call == nil {
		return "", false, fmt.Errorf("no tool handler")
	}
	return s.call(name, args)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeDialer returns a per-server scripted session and records the auth
// tokens it was handed.
type fakeDialer struct {
	sessions map[string]*fakeSession
	err      error
	tokens   []string
}

func (d *fakeDialer) dial(_ context.Context, conn *ToolConnection, authToken string) (ToolClient, error) {
	d.tokens = append(d.tokens, authToken)
	if d.err != nil {
		return nil, d.err
	}
	session, ok := d.sessions[conn.ServerID]
	if !ok {
		return nil, fmt.Errorf("no session for %s", conn.ServerID)
	}
	return session, nil
}

func newTestBridge(t *testing.T, dialer *fakeDialer) *Bridge {
	t.Helper()
	bridge := NewBridge(NewMemoryStore(), nil, newTestLogger(t))
	bridge.SetDialer(dialer.dial)
	return bridge
}

func TestRegisterDiscoversCatalog(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"figma": {tools: []ToolDescriptor{
			{Name: "get_file", Description: "Fetch a file"},
			{Name: "get_comments"},
		}},
	}}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	conn, err := bridge.Register(ctx, &ToolConnection{
		ProjectID: "p1",
		ServerID:  "figma",
		Transport: TransportSSE,
		URL:       "https://mcp.figma.example/sse",
		AuthToken: "figma-token",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusConnected, conn.Status)
	assert.Len(t, conn.Tools, 2)
	assert.Empty(t, conn.AuthToken, "plaintext token must not be returned")
	require.Len(t, dialer.tokens, 1)
	assert.Equal(t, "figma-token", dialer.tokens[0], "discovery must authenticate with the stored token")
}

func TestRegisterValidation(t *testing.T) {
	bridge := newTestBridge(t, &fakeDialer{})
	ctx := context.Background()

	_, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", Transport: TransportSSE, URL: "http://x"})
	assert.ErrorContains(t, err, "server id")

	_, err = bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "bad__id", Transport: TransportSSE, URL: "http://x"})
	assert.ErrorContains(t, err, "must not contain")

	_, err = bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "s", Transport: "grpc", URL: "http://x"})
	assert.ErrorContains(t, err, "transport")

	_, err = bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "s", Transport: TransportSSE})
	assert.ErrorContains(t, err, "url")
}

func TestRegisterDuplicateServerID(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"figma": {}}}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	_, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "figma", Transport: TransportSSE, URL: "http://x"})
	require.NoError(t, err)

	_, err = bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "figma", Transport: TransportSSE, URL: "http://y"})
	assert.ErrorContains(t, err, "already registered")

	// The same server ID under a different project is fine.
	_, err = bridge.Register(ctx, &ToolConnection{ProjectID: "p2", ServerID: "figma", Transport: TransportSSE, URL: "http://x"})
	assert.NoError(t, err)
}

func TestRegisterKeepsConnectionOnDiscoveryFailure(t *testing.T) {
	dialer := &fakeDialer{err: fmt.Errorf("connection refused")}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	conn, err := bridge.Register(ctx, &ToolConnection{
		ProjectID: "p1", ServerID: "flaky", Transport: TransportSSE, URL: "http://down",
	})
	require.NoError(t, err, "a failing discovery must not undo the registration")
	assert.Equal(t, StatusError, conn.Status)
	assert.Contains(t, conn.LastError, "connection refused")

	// Still listed, and refresh recovers once the server is reachable.
	conns, err := bridge.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, conns, 1)

	dialer.err = nil
	dialer.sessions = map[string]*fakeSession{"flaky": {tools: []ToolDescriptor{{Name: "ping"}}}}
	refreshed, err := bridge.Refresh(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, refreshed.Status)
	assert.Empty(t, refreshed.LastError)
	assert.Len(t, refreshed.Tools, 1)
}

func TestToolDefsPrefixesAndFilters(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"figma":  {tools: []ToolDescriptor{{Name: "get_file", Description: "Fetch a file"}}},
		"github": {tools: []ToolDescriptor{{Name: "create_pr"}}},
	}}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	_, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "figma", Transport: TransportSSE, URL: "http://f"})
	require.NoError(t, err)
	ghConn, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "github", Transport: TransportStreamableHTTP, URL: "http://g"})
	require.NoError(t, err)

	defs, err := bridge.ToolDefs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, defs, 2)

	names := []string{defs[0].Name, defs[1].Name}
	assert.Contains(t, names, "figma__get_file")
	assert.Contains(t, names, "github__create_pr")
	for _, def := range defs {
		if def.Name == "figma__get_file" {
			assert.Equal(t, "[figma] Fetch a file", def.Description)
		}
		if def.Name == "github__create_pr" {
			// Tools without a description fall back to the tool name.
			assert.Equal(t, "[github] create_pr", def.Description)
		}
	}

	// Disabled connections drop out of the tool surface.
	ghConn.Enabled = false
	require.NoError(t, bridge.store.Update(ctx, ghConn))
	defs, err = bridge.ToolDefs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "figma__get_file", defs[0].Name)
}

func TestCallRoutesToOwningServer(t *testing.T) {
	var gotTool string
	var gotArgs map[string]interface{}
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"figma": {
			tools: []ToolDescriptor{{Name: "get_file"}},
			call: func(name string, args map[string]interface{}) (string, bool, error) {
				gotTool = name
				gotArgs = args
				return `{"file": "design.fig"}`, false, nil
			},
		},
		"github": {
			tools: []ToolDescriptor{{Name: "get_file"}},
			call: func(string, map[string]interface{}) (string, bool, error) {
				return "", false, fmt.Errorf("wrong server")
			},
		},
	}}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	figma, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "figma", Transport: TransportSSE, URL: "http://f"})
	require.NoError(t, err)
	_, err = bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "github", Transport: TransportSSE, URL: "http://g"})
	require.NoError(t, err)

	record := bridge.Call(ctx, "p1", "figma__get_file", map[string]interface{}{"key": "abc"})
	assert.False(t, record.IsError)
	assert.Equal(t, `{"file": "design.fig"}`, record.Result)
	assert.Equal(t, "figma", record.ServerID)
	assert.Equal(t, figma.ID, record.ConnectionID)
	assert.Equal(t, "get_file", gotTool, "server sees the unprefixed tool name")
	assert.Equal(t, map[string]interface{}{"key": "abc"}, gotArgs)
	assert.Equal(t, `{"key":"abc"}`, record.Arguments)
}

func TestCallFailuresBecomeErrorResults(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"srv": {
			tools: []ToolDescriptor{{Name: "boom"}},
			call: func(string, map[string]interface{}) (string, bool, error) {
				return "", false, fmt.Errorf("upstream exploded")
			},
		},
	}}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	conn, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "srv", Transport: TransportSSE, URL: "http://s"})
	require.NoError(t, err)

	// Malformed bridged name.
	record := bridge.Call(ctx, "p1", "not-bridged", nil)
	assert.True(t, record.IsError)
	assert.Contains(t, record.Result, "tool error:")

	// Unregistered server.
	record = bridge.Call(ctx, "p1", "ghost__tool", nil)
	assert.True(t, record.IsError)
	assert.Contains(t, record.Result, "no tool server")

	// Invocation failure.
	record = bridge.Call(ctx, "p1", "srv__boom", nil)
	assert.True(t, record.IsError)
	assert.Contains(t, record.Result, "upstream exploded")

	// Disabled server.
	conn.Enabled = false
	require.NoError(t, bridge.store.Update(ctx, conn))
	record = bridge.Call(ctx, "p1", "srv__boom", nil)
	assert.True(t, record.IsError)
	assert.Contains(t, record.Result, "disabled")
}

func TestDelete(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"srv": {}}}
	bridge := newTestBridge(t, dialer)
	ctx := context.Background()

	conn, err := bridge.Register(ctx, &ToolConnection{ProjectID: "p1", ServerID: "srv", Transport: TransportSSE, URL: "http://s"})
	require.NoError(t, err)

	require.NoError(t, bridge.Delete(ctx, conn.ID))
	_, err = bridge.store.Get(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	assert.ErrorIs(t, bridge.Delete(ctx, conn.ID), ErrConnectionNotFound)
}
