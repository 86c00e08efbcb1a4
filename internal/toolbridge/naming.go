package toolbridge

import (
	"fmt"
	"strings"
)

// nameSeparator joins a server ID and a tool name into the bridged name the
// model sees. Server IDs must not contain it; tool names may.
const nameSeparator = "__"

// BridgedName returns the model-facing name for a server's tool.
func BridgedName(serverID, toolName string) string {
	return serverID + nameSeparator + toolName
}

// ParseBridgedName splits a bridged name back into server ID and tool name.
// It splits on the first separator, so tool names containing "__" round-trip.
func ParseBridgedName(name string) (serverID, toolName string, err error) {
	idx := strings.Index(name, nameSeparator)
	if idx <= 0 || idx+len(nameSeparator) >= len(name) {
		return "", "", fmt.Errorf("not a bridged tool name: %q", name)
	}
	return name[:idx], name[idx+len(nameSeparator):], nil
}

// validateServerID rejects server IDs that would make bridged names ambiguous.
func validateServerID(serverID string) error {
	if serverID == "" {
		return fmt.Errorf("server id is required")
	}
	if strings.Contains(serverID, nameSeparator) {
		return fmt.Errorf("server id must not contain %q", nameSeparator)
	}
	return nil
}
