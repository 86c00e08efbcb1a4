package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/events"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/llm"
)

// Bridge exposes registered tool servers' catalogs to the agent loop and
// routes tool invocations back to the owning server.
type Bridge struct {
	store    Store
	eventBus bus.EventBus
	dial     Dialer
	log      *logger.Logger
}

// NewBridge creates a bridge over the given connection store.
func NewBridge(store Store, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{store: store, eventBus: eventBus, dial: DialMCP, log: log}
}

// SetDialer overrides the session dialer. Used by tests.
func (b *Bridge) SetDialer(dial Dialer) {
	b.dial = dial
}

// Register validates and stores a new tool server connection, then performs
// an initial catalog discovery. A failing discovery does not undo the
// registration; the connection is kept with status error.
func (b *Bridge) Register(ctx context.Context, conn *ToolConnection) (*ToolConnection, error) {
	if err := validateServerID(conn.ServerID); err != nil {
		return nil, err
	}
	if !conn.Transport.Valid() {
		return nil, fmt.Errorf("unsupported transport: %q", conn.Transport)
	}
	if conn.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if _, err := b.store.GetByServerID(ctx, conn.ProjectID, conn.ServerID); err == nil {
		return nil, fmt.Errorf("server %q already registered for project", conn.ServerID)
	}

	conn.Enabled = true
	conn.Status = StatusDisconnected
	if err := b.store.Create(ctx, conn); err != nil {
		return nil, err
	}

	return b.Refresh(ctx, conn.ID)
}

// Refresh re-discovers the connection's tool catalog. Discovery failures are
// recorded on the connection (status error plus diagnostic), not returned as
// errors; only store failures propagate.
func (b *Bridge) Refresh(ctx context.Context, id string) (*ToolConnection, error) {
	conn, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	tools, discoverErr := b.discover(ctx, conn)
	if discoverErr != nil {
		conn.Status = StatusError
		conn.LastError = discoverErr.Error()
		b.log.Warn("tool server discovery failed",
			zap.String("server_id", conn.ServerID),
			zap.Error(discoverErr))
	} else {
		conn.Status = StatusConnected
		conn.LastError = ""
		conn.Tools = tools
	}

	if err := b.store.Update(ctx, conn); err != nil {
		return nil, err
	}
	b.publishUpdated(ctx, conn)
	return conn, nil
}

// List returns the project's registered connections.
func (b *Bridge) List(ctx context.Context, projectID string) ([]*ToolConnection, error) {
	return b.store.ListByProject(ctx, projectID)
}

// Delete removes a connection.
func (b *Bridge) Delete(ctx context.Context, id string) error {
	conn, err := b.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := b.store.Delete(ctx, id); err != nil {
		return err
	}
	conn.Status = StatusDisconnected
	b.publishUpdated(ctx, conn)
	return nil
}

// ToolDefs returns the project's bridged tool surface for the model: every
// enabled connection's cached catalog under server-prefixed names.
func (b *Bridge) ToolDefs(ctx context.Context, projectID string) ([]llm.ToolDef, error) {
	conns, err := b.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var defs []llm.ToolDef
	for _, conn := range conns {
		if !conn.Enabled {
			continue
		}
		for _, tool := range conn.Tools {
			description := tool.Description
			if description == "" {
				description = tool.Name
			}
			defs = append(defs, llm.ToolDef{
				Name:        BridgedName(conn.ServerID, tool.Name),
				Description: fmt.Sprintf("[%s] %s", conn.ServerID, description),
				InputSchema: tool.InputSchema,
			})
		}
	}
	return defs, nil
}

// Call routes one model tool invocation. Failures of any kind come back as
// the result text with IsError set, never as an error: the model gets a
// structured diagnostic and the run keeps going.
func (b *Bridge) Call(ctx context.Context, projectID, bridgedName string, args map[string]interface{}) CallRecord {
	record := CallRecord{
		Tool:      bridgedName,
		Arguments: compactArgs(args),
		Timestamp: time.Now().UTC(),
	}

	serverID, toolName, err := ParseBridgedName(bridgedName)
	if err != nil {
		record.IsError = true
		record.Result = fmt.Sprintf("tool error: %v", err)
		return record
	}
	record.ServerID = serverID

	conn, err := b.store.GetByServerID(ctx, projectID, serverID)
	if err != nil {
		record.IsError = true
		record.Result = fmt.Sprintf("tool error: no tool server %q registered for this project", serverID)
		return record
	}
	record.ConnectionID = conn.ID
	if !conn.Enabled {
		record.IsError = true
		record.Result = fmt.Sprintf("tool error: tool server %q is disabled", serverID)
		return record
	}

	text, isError, err := b.invoke(ctx, conn, toolName, args)
	if err != nil {
		record.IsError = true
		record.Result = fmt.Sprintf("tool error: %v", err)
		b.log.Warn("tool invocation failed",
			zap.String("tool", bridgedName),
			zap.Error(err))
		return record
	}

	record.Result = text
	record.IsError = isError
	return record
}

func (b *Bridge) discover(ctx context.Context, conn *ToolConnection) ([]ToolDescriptor, error) {
	session, err := b.open(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Close() }()
	return session.ListTools(ctx)
}

func (b *Bridge) invoke(ctx context.Context, conn *ToolConnection, toolName string, args map[string]interface{}) (string, bool, error) {
	session, err := b.open(ctx, conn)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = session.Close() }()
	return session.CallTool(ctx, toolName, args)
}

func (b *Bridge) open(ctx context.Context, conn *ToolConnection) (ToolClient, error) {
	token, err := b.store.RevealToken(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	return b.dial(ctx, conn, token)
}

func (b *Bridge) publishUpdated(ctx context.Context, conn *ToolConnection) {
	if b.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.ToolConnectionUpdated, "toolbridge", map[string]interface{}{
		"connection_id": conn.ID,
		"project_id":    conn.ProjectID,
		"server_id":     conn.ServerID,
		"status":        string(conn.Status),
	})
	if err := b.eventBus.Publish(ctx, events.BuildEntitySubject(events.ToolConnectionUpdated, conn.ID), event); err != nil {
		b.log.Warn("failed to publish tool connection event", zap.Error(err))
	}
}

func compactArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
