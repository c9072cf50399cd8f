package mcpmgr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfigYAML(t *testing.T) {
	t.Parallel()

	doc := `
port: 14000
handshakeTimeout: 3s
callTimeout: 45s
mcpServers:
  playwright:
    command: npx
    args: ["@playwright/mcp@latest"]
    env:
      HEADLESS: "1"
  docs:
    url: https://example.test/mcp
    bearerToken: secret
    preconnect: false
    timeout: 2s
  legacy:
    type: sse
    url: https://example.test/sse
  off:
    command: nope
    disabled: true
`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, 14000, cfg.Port)
	require.Equal(t, Duration(3*time.Second), cfg.HandshakeTimeout)
	require.Equal(t, Duration(45*time.Second), cfg.CallTimeout)

	servers, err := cfg.ServerConfigs()
	require.NoError(t, err)
	require.Len(t, servers, 3)

	pw, ok := servers["playwright"].(*StdioServerConfig)
	require.True(t, ok)
	require.Equal(t, "npx", pw.Command)
	require.Equal(t, []string{"@playwright/mcp@latest"}, pw.Args)
	require.Equal(t, "1", pw.Env["HEADLESS"])
	require.True(t, pw.Preconnect)

	docs, ok := servers["docs"].(*HTTPServerConfig)
	require.True(t, ok)
	require.False(t, docs.Preconnect)
	require.Equal(t, 2*time.Second, docs.Timeout)
	require.Equal(t, "Bearer secret", docs.Headers.Get("Authorization"))
	require.Nil(t, docs.PreferSSE)

	legacy, ok := servers["legacy"].(*HTTPServerConfig)
	require.True(t, ok)
	require.NotNil(t, legacy.PreferSSE)
	require.True(t, *legacy.PreferSSE)
}

func TestParseConfigJSON(t *testing.T) {
	t.Parallel()

	doc := `{"mcpServers": {"demo": {"command": "demo-server", "args": ["--stdio"]}}}`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	servers, err := cfg.ServerConfigs()
	require.NoError(t, err)
	require.Equal(t, TransportStdio, TransportOf(servers["demo"]))
}

func TestParseConfigRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing target": `mcpServers: {demo: {}}`,
		"bad type":       `mcpServers: {demo: {type: carrier-pigeon, url: x}}`,
		"stdio no cmd":   `mcpServers: {demo: {type: stdio}}`,
		"bad name":       `mcpServers: {"demo/../x": {command: a}}`,
		"not yaml":       `mcpServers: [`,
		"bare duration":  `callTimeout: 5000`,
		"server timeout": `{"mcpServers": {"demo": {"command": "a", "timeout": 5000}}}`,
		"list duration":  `idleTimeout: [1s]`,
	}
	for name, doc := range cases {
		_, err := ParseConfig([]byte(doc))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mcpServers: {demo: {command: demo}}\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Servers, "demo")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
