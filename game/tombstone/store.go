package tombstone

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
)

var (
	ErrExists   = errors.New("tombstone: record already exists")
	ErrNotFound = errors.New("tombstone: record not found")
	// ErrUnavailable means the owner's document could not be loaded. Nothing
	// is cached or written for that owner until a later load succeeds.
	ErrUnavailable = errors.New("tombstone: owner document unavailable")
)

// DefaultMaxAge is how long a record survives without being emptied.
const DefaultMaxAge = 30 * 24 * time.Hour

// Store caches per-owner documents in memory and writes every change through
// to a Backend. Save failures are logged and the in-memory state is kept. A
// failed load is never cached, so a stored document is only ever rewritten
// from a copy that was actually read.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.Mutex
	files map[string]*File
	now   func() time.Time
}

func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
		files:   make(map[string]*File),
		now:     time.Now,
	}
}

// file returns the cached document for owner, loading it on first access.
// Caller must hold s.mu.
func (s *Store) file(owner string) (*File, error) {
	if f, ok := s.files[owner]; ok {
		return f, nil
	}
	f, err := s.backend.Load(owner)
	if err != nil {
		s.logger.Error("load tombstones failed", zap.String("owner", owner), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, owner, err)
	}
	for i := range f.Tombstones {
		f.Tombstones[i].Owner = owner
	}
	s.files[owner] = f
	if n := f.pruneEmpty(); n > 0 {
		s.logger.Info("pruned empty tombstones", zap.String("owner", owner), zap.Int("count", n))
		s.save(owner)
	}
	return f, nil
}

// save writes the cached document for owner. Caller must hold s.mu.
func (s *Store) save(owner string) {
	f := s.files[owner]
	if f == nil {
		return
	}
	if err := s.backend.Save(owner, f); err != nil {
		s.logger.Error("save tombstones failed", zap.String("owner", owner), zap.Error(err))
	}
}

// AddTombstone stores rec for owner. A record with the same loot uid is never
// replaced.
func (s *Store) AddTombstone(owner string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(owner)
	if err != nil {
		return err
	}
	if f.index(rec.LootUID) >= 0 {
		s.logger.Warn("tombstone already exists",
			zap.String("owner", owner), zap.Int("loot_uid", rec.LootUID))
		return ErrExists
	}
	rec = rec.Clone()
	rec.Owner = owner
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	f.Tombstones = append(f.Tombstones, rec)
	s.save(owner)
	s.logger.Info("tombstone added",
		zap.String("owner", owner),
		zap.Int("loot_uid", rec.LootUID),
		zap.String("scene", rec.SceneID),
		zap.Int("items", len(rec.Items)))
	return nil
}

// OverwriteItems replaces the item list of a record. An empty list deletes
// the record.
func (s *Store) OverwriteItems(owner string, uid int, items []protocol.ItemEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(owner)
	if err != nil {
		return err
	}
	i := f.index(uid)
	if i < 0 {
		return ErrNotFound
	}
	if len(items) == 0 {
		f.Tombstones = append(f.Tombstones[:i], f.Tombstones[i+1:]...)
		s.logger.Info("tombstone emptied", zap.String("owner", owner), zap.Int("loot_uid", uid))
	} else {
		f.Tombstones[i].Items = item.CloneEntries(items)
	}
	s.save(owner)
	return nil
}

// SubtractReportedItems removes one item per reported type id, scanning the
// record from its last entry. It returns how many items were removed.
func (s *Store) SubtractReportedItems(owner string, uid int, typeIDs []int) (int, error) {
	return s.subtract(owner, uid, len(typeIDs), func(k int, snap item.Snapshot) bool {
		return snap.TypeID == typeIDs[k]
	})
}

// SubtractReportedSnapshots is like SubtractReportedItems but matches on the
// full stack identity.
func (s *Store) SubtractReportedSnapshots(owner string, uid int, snaps []item.Snapshot) (int, error) {
	return s.subtract(owner, uid, len(snaps), func(k int, snap item.Snapshot) bool {
		return item.SameStack(snap, snaps[k])
	})
}

func (s *Store) subtract(owner string, uid, reports int, match func(k int, snap item.Snapshot) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(owner)
	if err != nil {
		return 0, err
	}
	i := f.index(uid)
	if i < 0 {
		return 0, ErrNotFound
	}
	items := f.Tombstones[i].Items
	removed := 0
	for k := 0; k < reports; k++ {
		for j := len(items) - 1; j >= 0; j-- {
			if match(k, items[j].Snapshot) {
				items = append(items[:j], items[j+1:]...)
				removed++
				break
			}
		}
	}
	if removed == 0 {
		return 0, nil
	}
	f.Tombstones[i].Items = items
	s.save(owner)
	s.logger.Info("tombstone items subtracted",
		zap.String("owner", owner),
		zap.Int("loot_uid", uid),
		zap.Int("removed", removed),
		zap.Int("remaining", len(items)))
	return removed, nil
}

// Remove deletes a record.
func (s *Store) Remove(owner string, uid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(owner)
	if err != nil {
		return err
	}
	i := f.index(uid)
	if i < 0 {
		return ErrNotFound
	}
	f.Tombstones = append(f.Tombstones[:i], f.Tombstones[i+1:]...)
	s.save(owner)
	return nil
}

// Get returns a copy of a record.
func (s *Store) Get(owner string, uid int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(owner)
	if err != nil {
		return Record{}, false
	}
	i := f.index(uid)
	if i < 0 {
		return Record{}, false
	}
	return f.Tombstones[i].Clone(), true
}

// Tombstones returns copies of every record owner has.
func (s *Store) Tombstones(owner string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(owner)
	if err != nil {
		return nil
	}
	return f.clone().Tombstones
}

// SceneTombstones returns copies of owner's records in scene.
func (s *Store) SceneTombstones(owner, scene string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(owner)
	if err != nil {
		return nil
	}
	return sceneRecords(f, scene, nil)
}

// AllSceneTombstones returns the records of every owner in scene, ordered by
// loot uid.
func (s *Store) AllSceneTombstones(scene string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, owner := range s.ownersLocked() {
		if f, err := s.file(owner); err == nil {
			out = sceneRecords(f, scene, out)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LootUID < out[j].LootUID })
	return out
}

func sceneRecords(f *File, scene string, out []Record) []Record {
	for _, r := range f.Tombstones {
		if r.SceneID == scene {
			out = append(out, r.Clone())
		}
	}
	return out
}

// FindByUID searches every owner for a record with the given loot uid.
func (s *Store) FindByUID(uid int) (string, Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, owner := range s.ownersLocked() {
		f, err := s.file(owner)
		if err != nil {
			continue
		}
		if i := f.index(uid); i >= 0 {
			return owner, f.Tombstones[i].Clone(), true
		}
	}
	return "", Record{}, false
}

// CleanupExpired removes owner's records older than maxAge.
func (s *Store) CleanupExpired(owner string, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(owner, maxAge)
}

// CleanupAllExpired runs CleanupExpired for every known owner.
func (s *Store) CleanupAllExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, owner := range s.ownersLocked() {
		total += s.cleanupLocked(owner, maxAge)
	}
	return total
}

func (s *Store) cleanupLocked(owner string, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	f, err := s.file(owner)
	if err != nil {
		return 0
	}
	cutoff := s.now().Add(-maxAge)
	kept := f.Tombstones[:0]
	for _, r := range f.Tombstones {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	n := len(f.Tombstones) - len(kept)
	f.Tombstones = kept
	if n > 0 {
		s.save(owner)
		s.logger.Info("expired tombstones removed", zap.String("owner", owner), zap.Int("count", n))
	}
	return n
}

// Owners lists every owner known to the backend or the cache.
func (s *Store) Owners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownersLocked()
}

func (s *Store) ownersLocked() []string {
	seen := make(map[string]struct{}, len(s.files))
	for o := range s.files {
		seen[o] = struct{}{}
	}
	stored, err := s.backend.Owners()
	if err != nil {
		s.logger.Error("list tombstone owners failed", zap.Error(err))
	}
	for _, o := range stored {
		seen[o] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
