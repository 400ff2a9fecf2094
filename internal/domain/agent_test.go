package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Scout", "scout"},
		{"Market Watcher", "market-watcher"},
		{"Two  Spaces", "two--spaces"},
		{"Keep_Under.Score!", "keep_under.score!"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AgentID(tt.name), "AgentID(%q)", tt.name)
	}
}

func TestNewAgentManifestDefaults(t *testing.T) {
	m := NewAgentManifest("scout", "Scout", "/sets/Scout.3ox")

	assert.Equal(t, DefaultRole, m.Role)
	assert.Equal(t, DefaultDescription, m.Description)
	assert.Equal(t, DefaultTier, m.Tier)
	assert.Equal(t, DefaultIcon, m.Icon)
	assert.Equal(t, DefaultLimits(), m.Limits)
	assert.NotNil(t, m.Capabilities)
	assert.Empty(t, m.Capabilities)
}

func TestCanonFilesetComplete(t *testing.T) {
	var fs CanonFileset
	assert.False(t, fs.Complete())
	assert.Equal(t, CanonFiles, fs.Missing())

	for _, name := range CanonFiles {
		*fs.Slot(name) = "/b/" + name
	}
	assert.True(t, fs.Complete())
	assert.Empty(t, fs.Missing())

	fs.CargoToml = ""
	assert.False(t, fs.Complete())
	assert.Equal(t, []string{FileCargoToml}, fs.Missing())
}

func TestCanonFilesetChecksumsDoNotAffectPresence(t *testing.T) {
	fs := CanonFileset{Checksums: map[string]string{"run.rb": "abc"}}
	assert.False(t, fs.Complete())
	assert.Len(t, fs.Missing(), len(CanonFiles))
}

func TestCanonFilesetSlotUnknownName(t *testing.T) {
	var fs CanonFileset
	assert.Nil(t, fs.Slot(FileChecksums))
	assert.Nil(t, fs.Slot("README.md"))
}

func TestAgentManifestCloneIsDeep(t *testing.T) {
	m := NewAgentManifest("scout", "Scout", "/sets/Scout.3ox")
	m.Capabilities = []string{"scan"}
	m.Routes.Endpoints = []AgentEndpoint{{Path: "/scan", Parameters: []AgentParameter{{Name: "q"}}}}
	m.Files.Checksums = map[string]string{"run.rb": "abc"}

	c := m.Clone()
	c.Capabilities[0] = "changed"
	c.Routes.Endpoints[0].Parameters[0].Name = "changed"
	c.Files.Checksums["run.rb"] = "changed"

	assert.Equal(t, "scan", m.Capabilities[0])
	assert.Equal(t, "q", m.Routes.Endpoints[0].Parameters[0].Name)
	assert.Equal(t, "abc", m.Files.Checksums["run.rb"])
}

func TestAgentManifestJSONShape(t *testing.T) {
	m := NewAgentManifest("scout", "Scout", "/sets/Scout.3ox")

	data, err := json.Marshal(m.Clone())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "scout", decoded["id"])
	assert.Equal(t, "stopped", decoded["status"])
	assert.Equal(t, "invalid", decoded["verification"])
	assert.Equal(t, []any{}, decoded["capabilities"], "empty capabilities must encode as [] not null")
}
