package cli

import (
	"os"
	"path/filepath"
	"prioserver/src/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		serverCfg = config.Default()
		configPath = ""
		app.SetArgs(nil)
	})
}

func TestResolveServerConfig_Layers(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threads: 8\nqueue_size: 32\npolicy: dh\n"), 0o644))

	flags := serverCmd.Flags()
	require.NoError(t, flags.Parse([]string{"--config", path, "--threads", "3"}))
	require.NoError(t, resolveServerConfig(flags, []string{"9000"}))

	assert.Equal(t, 9000, serverCfg.Port)
	assert.Equal(t, 3, serverCfg.Threads)
	assert.Equal(t, 32, serverCfg.QueueSize)
	assert.Equal(t, "dh", serverCfg.Policy)
}

func TestResolveServerConfig_Positional(t *testing.T) {
	resetFlags(t)
	flags := serverCmd.Flags()
	require.NoError(t, resolveServerConfig(flags, []string{"8003", "2", "5", "random"}))
	assert.Equal(t, 8003, serverCfg.Port)
	assert.Equal(t, 2, serverCfg.Threads)
	assert.Equal(t, 5, serverCfg.QueueSize)
	assert.Equal(t, "random", serverCfg.Policy)

	assert.Error(t, resolveServerConfig(flags, []string{"80x"}))
}

func TestServerCommand_RejectsInvalidConfig(t *testing.T) {
	resetFlags(t)
	for _, args := range [][]string{
		{"server", "--policy", "fifo"},
		{"server", "80", "4", "16", "block"},
		{"server", "8000", "0"},
	} {
		serverCfg = config.Default()
		app.SetArgs(args)
		assert.Error(t, app.Execute(), args)
	}
}
