package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {

	root, err := newRootCommand()
	require.NoError(t, err)

	names := make([]string, 0, len(root.Commands()))
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}

	assert.Subset(t, names, []string{"emulator", "connect", "pair", "addresses", "sign-eth", "sign-btc"})

	require.NoError(t, root.PersistentFlags().Set(deviceFlag, "bench-device"))
	assert.Equal(t, "bench-device", viper.GetString(deviceFlag))
}

func TestRemoveStaleSocket(t *testing.T) {

	path := filepath.Join(t.TempDir(), "lattice.sock")

	require.NoError(t, removeStaleSocket(path))

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, removeStaleSocket(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	dir := filepath.Join(t.TempDir(), "busy")
	require.NoError(t, os.Mkdir(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0o600))

	assert.Error(t, removeStaleSocket(dir))
}
