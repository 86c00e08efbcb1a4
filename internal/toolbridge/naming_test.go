package toolbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgedNameRoundTrip(t *testing.T) {
	tests := []struct {
		serverID string
		toolName string
	}{
		{"figma", "get_file"},
		{"github", "create_pull_request"},
		{"jira", "search__issues"}, // tool names may contain the separator
	}
	for _, tt := range tests {
		name := BridgedName(tt.serverID, tt.toolName)
		serverID, toolName, err := ParseBridgedName(name)
		require.NoError(t, err)
		assert.Equal(t, tt.serverID, serverID)
		assert.Equal(t, tt.toolName, toolName)
	}
}

func TestParseBridgedNameSplitsOnFirstSeparator(t *testing.T) {
	serverID, toolName, err := ParseBridgedName("srv__a__b")
	require.NoError(t, err)
	assert.Equal(t, "srv", serverID)
	assert.Equal(t, "a__b", toolName)
}

func TestParseBridgedNameInvalid(t *testing.T) {
	for _, name := range []string{"", "no_separator", "__leading", "trailing__", "__"} {
		_, _, err := ParseBridgedName(name)
		assert.Error(t, err, "expected error for %q", name)
	}
}

func TestValidateServerID(t *testing.T) {
	assert.NoError(t, validateServerID("figma"))
	assert.NoError(t, validateServerID("my-server_1"))
	assert.Error(t, validateServerID(""))
	assert.Error(t, validateServerID("bad__id"))
}
