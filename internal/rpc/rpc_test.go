package rpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsln1998/wk/internal/store"
)

func startTestServer(t *testing.T) (*Client, store.Store, string) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(store.DriverBolt, filepath.Join(dir, "hosts.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	socketPath := filepath.Join(dir, "run", "wk.sock")
	closer, err := StartServer(socketPath, s, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { closer.Close() })

	client, err := NewClient(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, s, socketPath
}

func TestListHosts(t *testing.T) {
	client, s, _ := startTestServer(t)
	ctx := context.Background()

	hosts, err := client.ListHosts()
	require.NoError(t, err)
	assert.Empty(t, hosts)

	for _, m := range []string{"machine-1", "machine-2"} {
		h, err := store.NewHost(m)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, h))
	}

	hosts, err = client.ListHosts()
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "machine-1", hosts[0].MachineID)
	assert.Equal(t, "machine-2", hosts[1].MachineID)
}

func TestGetHost(t *testing.T) {
	client, s, _ := startTestServer(t)
	ctx := context.Background()

	h, err := store.NewHost("machine-a")
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, h))
	family := "linux"
	require.NoError(t, s.Patch(ctx, h.ID, store.HostPatch{OSFamily: &family}))

	got, err := client.GetHost("machine-a")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
	assert.Equal(t, "linux", got.OSFamily)

	_, err = client.GetHost("nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartServer_CloseRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.DriverBolt, filepath.Join(dir, "hosts.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	socketPath := filepath.Join(dir, "wk.sock")
	closer, err := StartServer(socketPath, s, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())

	require.NoError(t, closer.Close())
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))

	_, err = NewClient(socketPath)
	assert.Error(t, err)
}
