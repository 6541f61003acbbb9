package world

import (
	"sort"
	"sync"

	"github.com/kasuganosora/lootsync/game/loot"
)

// SceneTracker remembers which scene each peer is in. The host peer's scene
// is the active scene whose tombstones are materialised.
type SceneTracker struct {
	mu     sync.RWMutex
	scenes map[loot.PeerID]string
}

func NewSceneTracker() *SceneTracker {
	return &SceneTracker{scenes: make(map[loot.PeerID]string)}
}

// Enter records that peer is now in scene and reports whether that changed
// anything.
func (t *SceneTracker) Enter(peer loot.PeerID, scene string) bool {
	// Fast path: already there.
	t.mu.RLock()
	cur, ok := t.scenes[peer]
	t.mu.RUnlock()
	if ok && cur == scene {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok = t.scenes[peer]; ok && cur == scene {
		return false
	}
	t.scenes[peer] = scene
	return true
}

// Scene returns the scene of peer, or "" when unknown.
func (t *SceneTracker) Scene(peer loot.PeerID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scenes[peer]
}

// ActiveScene is the host's scene.
func (t *SceneTracker) ActiveScene() string {
	return t.Scene(loot.HostPeer)
}

// PeersIn lists the peers currently in scene, in ascending order.
func (t *SceneTracker) PeersIn(scene string) []loot.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []loot.PeerID
	for p, s := range t.scenes {
		if s == scene {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Forget drops peer (used on disconnect).
func (t *SceneTracker) Forget(peer loot.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scenes, peer)
}
