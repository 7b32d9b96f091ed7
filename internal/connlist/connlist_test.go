package connlist

import (
	"path/filepath"
	"testing"

	"github.com/basarevych/tunneld/internal/trackerpb"
	"github.com/stretchr/testify/require"
)

func TestUpdateGetSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.json")

	l, err := Load(path)
	require.NoError(t, err)

	l.Update("trk", "alice/db", true, &trackerpb.ConnectionDescriptor{ConnectAddress: "127.0.0.1", ConnectPort: 5432})
	require.NoError(t, l.Save())

	l2, err := Load(path)
	require.NoError(t, err)
	entries := l2.Get("trk")
	require.Len(t, entries, 1)
	require.Equal(t, "alice/db", entries[0].Descriptor.Path)
	require.Equal(t, trackerpb.RoleServer, entries[0].Descriptor.Role)
	require.Equal(t, uint32(5432), entries[0].Descriptor.ConnectPort)
}

func TestImportThenGetImport(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)

	l.Import("trk", "tok", []*trackerpb.ConnectionDescriptor{{Path: "bob/web", ListenPort: 8080}})
	e := l.GetImport("trk", "bob/web")
	require.NotNil(t, e)
	require.True(t, e.Imported)
	require.Equal(t, uint32(8080), e.Descriptor.ListenPort)

	require.Nil(t, l.GetImport("trk", "missing/path"))
}

func TestDeleteRemovesActive(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)

	l.Update("trk", "alice/db", true, &trackerpb.ConnectionDescriptor{})
	require.Len(t, l.Get("trk"), 1)

	l.Delete("trk", "alice/db", true)
	require.Empty(t, l.Get("trk"))
}

func TestUpdateServerNameRecordsPeerName(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)

	l.Update("trk", "alice/db", true, &trackerpb.ConnectionDescriptor{})
	l.UpdateServerName("trk", "alice/db", "bob")

	entries := l.Get("trk")
	require.Len(t, entries, 1)
	require.Equal(t, "bob", entries[0].PeerName)
}

type fakeApplier struct {
	activatedServer []string
	activatedClient []string
	deactivated     []string
}

func (f *fakeApplier) ActivateServer(tracker, name string, desc *trackerpb.ConnectionDescriptor) {
	f.activatedServer = append(f.activatedServer, name)
}
func (f *fakeApplier) ActivateClient(tracker, name string, desc *trackerpb.ConnectionDescriptor) {
	f.activatedClient = append(f.activatedClient, name)
}
func (f *fakeApplier) Deactivate(tracker, name string) {
	f.deactivated = append(f.deactivated, name)
}

func TestReconcileActivatesAndRemoves(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)

	l.Update("trk", "stale/path", true, &trackerpb.ConnectionDescriptor{})

	applier := &fakeApplier{}
	err = l.Reconcile("trk",
		[]*trackerpb.ConnectionDescriptor{{Path: "alice/db"}},
		[]*trackerpb.ConnectionDescriptor{{Path: "bob/web"}},
		applier,
	)
	require.NoError(t, err)

	require.Contains(t, applier.deactivated, "stale/path")
	require.Contains(t, applier.activatedServer, "alice/db")
	require.Contains(t, applier.activatedClient, "bob/web")

	names := map[string]bool{}
	for _, e := range l.Get("trk") {
		names[e.Descriptor.Path] = true
	}
	require.True(t, names["alice/db"])
	require.True(t, names["bob/web"])
	require.False(t, names["stale/path"])
}
