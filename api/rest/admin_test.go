package rest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/lootsync/api/rest"
	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/game/tombstone"
	"github.com/kasuganosora/lootsync/game/world"
	"github.com/kasuganosora/lootsync/model"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"github.com/kasuganosora/lootsync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const adminKey = "test-key"

type adminEnv struct {
	r     *gin.Engine
	db    *gorm.DB
	sup   *world.Supervisor
	host  *loot.Host
	store *tombstone.Store
	sm    *player.SessionManager
	token func(identity string) string
}

func newAdminEnv(t *testing.T, key string) *adminEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	log := testutil.Logger()
	cfg := &config.Config{
		Server:   config.ServerConfig{AdminKey: key},
		Security: testSec,
		Loot:     config.DefaultLoot(),
	}

	sched := scheduler.New(log)
	t.Cleanup(sched.Stop)
	sm := player.NewSessionManager(log)
	host := loot.NewHost(loot.HostDeps{
		Registry:  loot.NewRegistry(cfg.Loot.HintRadius, cfg.Loot.AggressiveRadius, log),
		Codec:     item.NewCodec(nil),
		Transport: sm,
		Cache:     c,
		Scheduler: sched,
		Config:    cfg.Loot,
		Logger:    log,
	})
	store := tombstone.NewStore(tombstone.NewDBBackend(db), log)
	sup := world.NewSupervisor(world.Deps{
		Host: host, Store: store, Transport: sm, Cache: c, PubSub: ps,
		Scheduler: sched, Config: cfg.Loot, HostIdentity: "host", Logger: log,
		Tombstone: config.TombstoneConfig{ExpireInterval: time.Hour},
	})
	sup.Start()
	t.Cleanup(sup.Stop)

	r := gin.New()
	rest.Mount(r, rest.Handlers{
		Auth:       rest.NewAuthHandler(db, c, cfg.Security),
		Tombstones: rest.NewTombstoneHandler(store),
		Admin:      rest.NewAdminHandler(db, host, sup, sm, sched, log),
	}, c, cfg)

	env := &adminEnv{r: r, db: db, sup: sup, host: host, store: store, sm: sm}
	env.token = func(identity string) string {
		return join(t, r, identity, "pass1234")["token"].(string)
	}
	return env
}

func adminDo(r *gin.Engine, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func ent(pos, typeID int) protocol.ItemEntry {
	return protocol.ItemEntry{Position: pos, Snapshot: item.Snapshot{TypeID: typeID, Stack: 1}}
}

func spawnOwned(t *testing.T, env *adminEnv, owner string, items ...protocol.ItemEntry) *loot.Container {
	t.Helper()
	c, err := env.sup.OnContainerSpawned(context.Background(), world.SpawnEvent{
		Scene: "Forest", Pos: protocol.Vec3{X: float64(len(owner))}, Rot: protocol.Identity,
		Owner: owner, Items: items,
	})
	require.NoError(t, err)
	return c
}

// ---- AdminAuth ----

func TestAdmin_NoKeyDisabled(t *testing.T) {
	env := newAdminEnv(t, "")
	w := adminDo(env.r, http.MethodGet, "/api/admin/metrics", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_WrongKey(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	w := adminDo(env.r, http.MethodGet, "/api/admin/metrics", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---- Metrics ----

func TestMetrics_Structure(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	spawnOwned(t, env, "alice", ent(0, 5))

	w := adminDo(env.r, http.MethodGet, "/api/admin/metrics", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(0), resp["online_peers"])
	assert.Equal(t, float64(1), resp["tombstone_owners"])
	containers := resp["containers"].(map[string]interface{})
	assert.Equal(t, float64(1), containers["live"])
	assert.Contains(t, resp["scheduler_tasks"], "tombstone:expire")
}

// ---- Containers ----

func TestContainers_ListAndGet(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	c := spawnOwned(t, env, "alice", ent(0, 5), ent(2, 6))

	w := adminDo(env.r, http.MethodGet, "/api/admin/containers?scene=Forest", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = adminDo(env.r, http.MethodGet, "/api/admin/containers?scene=Desert", adminKey, "")
	assert.Equal(t, float64(0), decodeBody(t, w)["count"])

	w = adminDo(env.r, http.MethodGet, fmt.Sprintf("/api/admin/containers/%d", c.UID()), adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Len(t, resp["items"], 2)
	info := resp["container"].(map[string]interface{})
	assert.Equal(t, "alice", info["owner"])
}

func TestContainers_GetErrors(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	w := adminDo(env.r, http.MethodGet, "/api/admin/containers/abc", adminKey, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = adminDo(env.r, http.MethodGet, "/api/admin/containers/999", adminKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---- Tombstones ----

func TestTombstones_ListAndDelete(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	c := spawnOwned(t, env, "alice", ent(0, 5))

	w := adminDo(env.r, http.MethodGet, "/api/admin/tombstones/alice", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	path := fmt.Sprintf("/api/admin/tombstones/alice/%d", c.UID())
	w = adminDo(env.r, http.MethodDelete, path, adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := env.store.Get("alice", c.UID())
	assert.False(t, ok)

	w = adminDo(env.r, http.MethodDelete, path, adminKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTombstones_Mine(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	spawnOwned(t, env, "steam:carol", ent(0, 5), ent(1, 6))
	spawnOwned(t, env, "someone-else", ent(0, 7))

	token := env.token("steam:carol")
	req := httptest.NewRequest(http.MethodGet, "/api/tombstones/mine", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody(t, w)
	assert.Equal(t, "steam:carol", resp["owner"])
	recs := resp["tombstones"].([]interface{})
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].(map[string]interface{})["items"], 2)
}

func TestTombstones_MineRequiresAuth(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	w := adminDo(env.r, http.MethodGet, "/api/tombstones/mine", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---- Restore / events ----

func TestRestoreScene(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	require.NoError(t, env.store.AddTombstone("dave", tombstone.Record{
		LootUID: 40, SceneID: "Cave", Rotation: protocol.Identity, Items: []protocol.ItemEntry{ent(0, 9)},
	}))

	w := adminDo(env.r, http.MethodPost, "/api/admin/scenes/Cave/restore", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["restored"])
	require.NotNil(t, env.host.Registry().Lookup(40))

	// Live and non-empty: nothing to do the second time.
	w = adminDo(env.r, http.MethodPost, "/api/admin/scenes/Cave/restore", adminKey, "")
	assert.Equal(t, float64(0), decodeBody(t, w)["restored"])

	w = adminDo(env.r, http.MethodGet, "/api/admin/events?limit=5", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody(t, w)["events"].([]interface{})
	require.NotEmpty(t, events)
	assert.Equal(t, world.EventRestore, events[0].(map[string]interface{})["kind"])
}

// ---- Peers ----

func TestKickPeer_Errors(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	w := adminDo(env.r, http.MethodPost, "/api/admin/kick/abc", adminKey, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = adminDo(env.r, http.MethodPost, "/api/admin/kick/999", adminKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKickPeer_Online(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	s := player.NewPeerSession(7, "erin", nil, nil, testutil.Logger())
	env.sm.Register(s)

	w := adminDo(env.r, http.MethodPost, "/api/admin/kick/7", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.IsClosed())
}

func TestBanPeer(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	p := &model.Peer{Identity: "mallory", PassphraseHash: "x", Status: 1}
	require.NoError(t, env.db.Create(p).Error)

	path := fmt.Sprintf("/api/admin/peers/%d/ban", p.ID)
	w := adminDo(env.r, http.MethodPost, path, adminKey, `{"ban":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Peer
	env.db.First(&got, p.ID)
	assert.Equal(t, 0, got.Status)

	w = adminDo(env.r, http.MethodPost, path, adminKey, `{"ban":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	env.db.First(&got, p.ID)
	assert.Equal(t, 1, got.Status)

	w = adminDo(env.r, http.MethodPost, "/api/admin/peers/999/ban", adminKey, `{"ban":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSchedulerTasks(t *testing.T) {
	env := newAdminEnv(t, adminKey)
	w := adminDo(env.r, http.MethodGet, "/api/admin/scheduler", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w)["tasks"], "tombstone:expire")
}
