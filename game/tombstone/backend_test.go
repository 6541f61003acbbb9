package tombstone

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(uid int, scene string, typeIDs ...int) Record {
	items := make([]protocol.ItemEntry, len(typeIDs))
	for i, id := range typeIDs {
		items[i] = protocol.ItemEntry{Position: i, Snapshot: item.Snapshot{TypeID: id, Stack: 1, Durability: 1}}
	}
	return Record{
		LootUID:   uid,
		SceneID:   scene,
		Position:  protocol.Vec3{X: 1, Y: 2, Z: 3},
		Rotation:  protocol.Identity,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Items:     items,
	}
}

func backendRoundTrip(t *testing.T, b Backend) {
	t.Helper()

	f, err := b.Load("nobody")
	require.NoError(t, err)
	assert.Empty(t, f.Tombstones)

	doc := &File{Tombstones: []Record{sampleRecord(7, "Base", 11, 12), sampleRecord(9, "Level1", 13)}}
	require.NoError(t, b.Save("alice", doc))
	require.NoError(t, b.Save("bob", &File{Tombstones: []Record{sampleRecord(3, "Base", 14)}}))

	got, err := b.Load("alice")
	require.NoError(t, err)
	require.Len(t, got.Tombstones, 2)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, 7, got.Tombstones[0].LootUID)
	assert.Equal(t, []int{11, 12}, typeIDs(got.Tombstones[0].Items))
	assert.Equal(t, protocol.Vec3{X: 1, Y: 2, Z: 3}, got.Tombstones[0].Position)
	assert.True(t, doc.Tombstones[0].CreatedAt.Equal(got.Tombstones[0].CreatedAt))

	// Save replaces the whole document.
	require.NoError(t, b.Save("alice", &File{Tombstones: []Record{sampleRecord(9, "Level1", 13)}}))
	got, err = b.Load("alice")
	require.NoError(t, err)
	require.Len(t, got.Tombstones, 1)
	assert.Equal(t, 9, got.Tombstones[0].LootUID)

	owners, err := b.Owners()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, owners)
}

func typeIDs(entries []protocol.ItemEntry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Snapshot.TypeID
	}
	return out
}

func TestFileBackend_Plain(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), false)
	require.NoError(t, err)
	backendRoundTrip(t, b)
}

func TestFileBackend_Compressed(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, true)
	require.NoError(t, err)
	backendRoundTrip(t, b)

	_, err = os.Stat(filepath.Join(dir, FileName("alice", true)))
	assert.NoError(t, err)
}

func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, false)
	require.NoError(t, err)
	require.NoError(t, b.Save("alice", &File{Tombstones: []Record{sampleRecord(1, "Base", 1)}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func TestFileBackend_SwitchCompression(t *testing.T) {
	dir := t.TempDir()
	plain, err := NewFileBackend(dir, false)
	require.NoError(t, err)
	require.NoError(t, plain.Save("alice", &File{Tombstones: []Record{sampleRecord(1, "Base", 5)}}))

	zst, err := NewFileBackend(dir, true)
	require.NoError(t, err)
	f, err := zst.Load("alice")
	require.NoError(t, err)
	require.Len(t, f.Tombstones, 1)

	require.NoError(t, zst.Save("alice", f))
	_, err = os.Stat(filepath.Join(dir, FileName("alice", false)))
	assert.True(t, os.IsNotExist(err), "plain copy removed after compressed save")
}

func TestFileBackend_HashedOwnerListed(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), false)
	require.NoError(t, err)
	owner := strings.Repeat("long-identity-", 30)
	require.NoError(t, b.Save(owner, &File{Tombstones: []Record{sampleRecord(1, "Base", 5)}}))

	owners, err := b.Owners()
	require.NoError(t, err)
	assert.Equal(t, []string{owner}, owners)
}

func TestFileBackend_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName("alice", false)), []byte("{not json"), 0o644))

	_, err = b.Load("alice")
	assert.Error(t, err)
}

func TestDBBackend(t *testing.T) {
	backendRoundTrip(t, NewDBBackend(testutil.SetupTestDB(t)))
}
