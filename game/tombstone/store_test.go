package tombstone

import (
	"errors"
	"testing"
	"time"

	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func newFileStore(t *testing.T) (*Store, *FileBackend) {
	t.Helper()
	b, err := NewFileBackend(t.TempDir(), false)
	require.NoError(t, err)
	return NewStore(b, nop()), b
}

// readOnlyBackend loads empty documents and fails every write.
type readOnlyBackend struct{}

func (readOnlyBackend) Load(owner string) (*File, error) { return &File{Owner: owner}, nil }
func (readOnlyBackend) Save(string, *File) error         { return errors.New("disk gone") }
func (readOnlyBackend) Owners() ([]string, error)        { return nil, errors.New("disk gone") }

// flakyBackend fails the first loadFailures Load calls, then delegates.
type flakyBackend struct {
	Backend
	loadFailures int
	saves        int
}

func (b *flakyBackend) Load(owner string) (*File, error) {
	if b.loadFailures > 0 {
		b.loadFailures--
		return nil, errors.New("read: i/o timeout")
	}
	return b.Backend.Load(owner)
}

func (b *flakyBackend) Save(owner string, f *File) error {
	b.saves++
	return b.Backend.Save(owner, f)
}

func TestStore_AddTombstoneOnce(t *testing.T) {
	s, b := newFileStore(t)
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 1, 2)))

	dup := sampleRecord(5, "Base", 9)
	assert.ErrorIs(t, s.AddTombstone("alice", dup), ErrExists)

	rec, ok := s.Get("alice", 5)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, typeIDs(rec.Items), "first write wins")
	assert.Equal(t, "alice", rec.Owner)

	// Written through to disk.
	f, err := b.Load("alice")
	require.NoError(t, err)
	assert.Len(t, f.Tombstones, 1)
}

func TestStore_AddTombstoneCopiesItems(t *testing.T) {
	s, _ := newFileStore(t)
	rec := sampleRecord(5, "Base", 1)
	require.NoError(t, s.AddTombstone("alice", rec))
	rec.Items[0].Snapshot.TypeID = 99

	got, _ := s.Get("alice", 5)
	assert.Equal(t, 1, got.Items[0].Snapshot.TypeID)

	got.Items[0].Snapshot.TypeID = 77
	again, _ := s.Get("alice", 5)
	assert.Equal(t, 1, again.Items[0].Snapshot.TypeID)
}

func TestStore_OverwriteItems(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 1, 2, 3)))

	require.NoError(t, s.OverwriteItems("alice", 5, sampleRecord(0, "", 4).Items))
	rec, ok := s.Get("alice", 5)
	require.True(t, ok)
	assert.Equal(t, []int{4}, typeIDs(rec.Items))

	require.NoError(t, s.OverwriteItems("alice", 5, nil))
	_, ok = s.Get("alice", 5)
	assert.False(t, ok, "empty overwrite deletes the record")

	assert.ErrorIs(t, s.OverwriteItems("alice", 5, nil), ErrNotFound)
}

func TestStore_SubtractReportedItems_RemovesOnePerReport(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 10, 10, 20)))

	n, err := s.SubtractReportedItems("alice", 5, []int{10})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := s.Get("alice", 5)
	assert.Equal(t, []int{10, 20}, typeIDs(rec.Items))
	assert.Equal(t, 0, rec.Items[0].Position, "the later duplicate is removed first")
}

func TestStore_SubtractReportedItems_UnknownTypeIgnored(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 10)))

	n, err := s.SubtractReportedItems("alice", 5, []int{42, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := s.Get("alice", 5)
	require.True(t, ok)
	assert.Empty(t, rec.Items)

	_, err = s.SubtractReportedItems("alice", 6, []int{10})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SubtractReportedSnapshots(t *testing.T) {
	s, _ := newFileStore(t)
	rec := sampleRecord(5, "Base", 10, 10)
	rec.Items[0].Snapshot.Durability = 0.5
	require.NoError(t, s.AddTombstone("alice", rec))

	n, err := s.SubtractReportedSnapshots("alice", 5, []item.Snapshot{
		{TypeID: 10, Stack: 1, Durability: 0.5004},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get("alice", 5)
	require.Len(t, got.Items, 1)
	assert.InDelta(t, 1.0, got.Items[0].Snapshot.Durability, 1e-6)

	n, err = s.SubtractReportedSnapshots("alice", 5, []item.Snapshot{{TypeID: 10, Stack: 2, Durability: 1}})
	require.NoError(t, err)
	assert.Zero(t, n, "stack size must match")
}

func TestStore_RemoveAndScenes(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 1)))
	require.NoError(t, s.AddTombstone("alice", sampleRecord(6, "Level1", 1)))
	require.NoError(t, s.AddTombstone("bob", sampleRecord(2, "Base", 1)))

	assert.Len(t, s.SceneTombstones("alice", "Base"), 1)

	all := s.AllSceneTombstones("Base")
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].LootUID)
	assert.Equal(t, 5, all[1].LootUID)

	owner, rec, ok := s.FindByUID(6)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "Level1", rec.SceneID)

	require.NoError(t, s.Remove("alice", 6))
	_, _, ok = s.FindByUID(6)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Remove("alice", 6), ErrNotFound)

	assert.Equal(t, []string{"alice", "bob"}, s.Owners())
}

func TestStore_LoadsFromBackendAndPrunesEmpty(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), false)
	require.NoError(t, err)
	empty := sampleRecord(8, "Base")
	require.NoError(t, b.Save("alice", &File{Tombstones: []Record{sampleRecord(7, "Base", 1), empty}}))

	s := NewStore(b, nop())
	all := s.AllSceneTombstones("Base")
	require.Len(t, all, 1)
	assert.Equal(t, 7, all[0].LootUID)

	f, err := b.Load("alice")
	require.NoError(t, err)
	assert.Len(t, f.Tombstones, 1, "pruned document saved back")
}

func TestStore_CleanupExpired(t *testing.T) {
	s, _ := newFileStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	old := sampleRecord(1, "Base", 1)
	old.CreatedAt = now.Add(-31 * 24 * time.Hour)
	fresh := sampleRecord(2, "Base", 1)
	fresh.CreatedAt = now.Add(-time.Hour)
	require.NoError(t, s.AddTombstone("alice", old))
	require.NoError(t, s.AddTombstone("alice", fresh))
	require.NoError(t, s.AddTombstone("bob", old))

	assert.Equal(t, 1, s.CleanupExpired("alice", DefaultMaxAge))
	_, ok := s.Get("alice", 2)
	assert.True(t, ok)

	assert.Equal(t, 1, s.CleanupAllExpired(0))
	assert.Empty(t, s.SceneTombstones("bob", "Base"))
}

func TestStore_BackendFailureKeepsMemory(t *testing.T) {
	s := NewStore(readOnlyBackend{}, nop())
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 1)))

	rec, ok := s.Get("alice", 5)
	require.True(t, ok)
	assert.Equal(t, []protocol.ItemEntry{{Position: 0, Snapshot: item.Snapshot{TypeID: 1, Stack: 1, Durability: 1}}}, rec.Items)
	assert.Equal(t, []string{"alice"}, s.Owners())
}

func TestStore_FailedLoadNeverOverwritesStoredRecords(t *testing.T) {
	seed, b := newFileStore(t)
	require.NoError(t, seed.AddTombstone("alice", sampleRecord(1, "Base", 10)))
	require.NoError(t, seed.AddTombstone("alice", sampleRecord(2, "Base", 20)))

	flaky := &flakyBackend{Backend: b, loadFailures: 1}
	s := NewStore(flaky, nop())

	err := s.AddTombstone("alice", sampleRecord(3, "Base", 30))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, flaky.saves, "nothing written while the document is unreadable")

	onDisk, err := b.Load("alice")
	require.NoError(t, err)
	require.Len(t, onDisk.Tombstones, 2)

	// The next access loads again and sees the stored records.
	require.NoError(t, s.AddTombstone("alice", sampleRecord(3, "Base", 30)))
	onDisk, err = b.Load("alice")
	require.NoError(t, err)
	var uids []int
	for _, r := range onDisk.Tombstones {
		uids = append(uids, r.LootUID)
	}
	assert.Equal(t, []int{1, 2, 3}, uids)
}

func TestStore_FailedLoadIsNoopForEveryMutation(t *testing.T) {
	seed, b := newFileStore(t)
	rec := sampleRecord(1, "Base", 10, 11)
	rec.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, seed.AddTombstone("alice", rec))

	flaky := &flakyBackend{Backend: b, loadFailures: 100}
	s := NewStore(flaky, nop())

	assert.ErrorIs(t, s.OverwriteItems("alice", 1, nil), ErrUnavailable)
	_, err := s.SubtractReportedItems("alice", 1, []int{10})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Remove("alice", 1), ErrUnavailable)
	assert.Zero(t, s.CleanupExpired("alice", time.Hour))
	_, ok := s.Get("alice", 1)
	assert.False(t, ok)
	assert.Empty(t, s.AllSceneTombstones("Base"))
	assert.Zero(t, flaky.saves)

	onDisk, err := b.Load("alice")
	require.NoError(t, err)
	require.Len(t, onDisk.Tombstones, 1)
	assert.Equal(t, []int{10, 11}, typeIDs(onDisk.Tombstones[0].Items))
}

func TestStore_DBBackedPersistsAcrossStores(t *testing.T) {
	b := NewDBBackend(testutil.SetupTestDB(t))
	s := NewStore(b, nop())
	require.NoError(t, s.AddTombstone("alice", sampleRecord(5, "Base", 1, 2)))
	_, err := s.SubtractReportedItems("alice", 5, []int{2})
	require.NoError(t, err)

	reopened := NewStore(b, nop())
	rec, ok := reopened.Get("alice", 5)
	require.True(t, ok)
	assert.Equal(t, []int{1}, typeIDs(rec.Items))
}
