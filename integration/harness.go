package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/lootsync/api/rest"
	"github.com/kasuganosora/lootsync/api/sse"
	apiws "github.com/kasuganosora/lootsync/api/ws"
	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/game/tombstone"
	"github.com/kasuganosora/lootsync/game/world"
	mw "github.com/kasuganosora/lootsync/middleware"
	"github.com/kasuganosora/lootsync/plugin/hook"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"github.com/kasuganosora/lootsync/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const AdminKey = "integration-admin"

// Options tunes NewTestServer.
type Options struct {
	// TombstoneDir keeps tombstone files across servers. Empty uses a
	// temporary directory.
	TombstoneDir string
	// StartScene is entered by the host at startup.
	StartScene string
}

// TestServer wraps a real HTTP server with the loot engine wired the way
// main.go wires it.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	SM     *player.SessionManager
	Host   *loot.Host
	Sup    *world.Supervisor
	Store  *tombstone.Store
	Sched  *scheduler.Scheduler
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Sec    config.SecurityConfig
	Loot   config.LootConfig
}

func NewTestServer(t *testing.T) *TestServer {
	return NewTestServerWith(t, Options{})
}

// NewTestServerWith creates a fully wired host for integration testing.
func NewTestServerWith(t *testing.T, opts Options) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	cfg := &config.Config{
		Server: config.ServerConfig{AdminKey: AdminKey, HostIdentity: "host"},
		Security: config.SecurityConfig{
			JWTSecret:      "integration-test-secret",
			JWTTTLH:        72 * time.Hour,
			RateLimitRPS:   1000,
			RateLimitBurst: 2000,
			PeerMsgRPS:     1000,
			PeerMsgBurst:   1000,
		},
		Loot: config.DefaultLoot(),
		Tombstone: config.TombstoneConfig{
			Dir:            opts.TombstoneDir,
			Compress:       true,
			MaxAge:         tombstone.DefaultMaxAge,
			ExpireInterval: time.Hour,
		},
	}
	// Short mute window so change broadcasts are observable in tests.
	cfg.Loot.DeadLootMute = 10 * time.Millisecond
	if cfg.Tombstone.Dir == "" {
		cfg.Tombstone.Dir = t.TempDir()
	}

	sched := scheduler.New(logger)
	hooks := hook.NewHookCenter()

	// ---- Loot engine ----
	sm := player.NewSessionManager(logger)
	host := loot.NewHost(loot.HostDeps{
		Registry:  loot.NewRegistry(cfg.Loot.HintRadius, cfg.Loot.AggressiveRadius, logger),
		Codec:     item.NewCodec(nil),
		Transport: sm,
		Cache:     c,
		Scheduler: sched,
		Hooks:     hooks,
		Config:    cfg.Loot,
		Logger:    logger,
	})
	backend, err := tombstone.NewFileBackend(cfg.Tombstone.Dir, cfg.Tombstone.Compress)
	require.NoError(t, err)
	store := tombstone.NewStore(backend, logger)
	sup := world.NewSupervisor(world.Deps{
		Host:         host,
		Store:        store,
		Transport:    sm,
		Cache:        c,
		PubSub:       pubsub,
		Scheduler:    sched,
		Hooks:        hooks,
		Config:       cfg.Loot,
		Tombstone:    cfg.Tombstone,
		HostIdentity: cfg.Server.HostIdentity,
		Logger:       logger,
	})
	sup.Start()
	if opts.StartScene != "" {
		sup.HandleSceneEnter(context.Background(), loot.HostPeer, protocol.SceneEnter{Scene: opts.StartScene})
	}

	// ---- WS Router ----
	validator, err := protocol.NewValidator()
	require.NoError(t, err)
	wsRouter := apiws.NewRouter(validator, logger)
	apiws.NewLootHandlers(host, sup, logger).RegisterHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apirest.Mount(r, apirest.Handlers{
		Auth:       apirest.NewAuthHandler(db, c, cfg.Security),
		Tombstones: apirest.NewTombstoneHandler(store),
		Admin:      apirest.NewAdminHandler(db, host, sup, sm, sched, logger),
	}, c, cfg)

	wsH := apiws.NewHandler(c, cfg.Security, sm, sup, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)
	r.GET("/sse/loot", sse.NewHandler(pubsub, c, cfg.Security, logger).ServeLoot)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	ts := &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		SM:     sm,
		Host:   host,
		Sup:    sup,
		Store:  store,
		Sched:  sched,
		Server: server,
		URL:    url,
		WSURL:  "ws" + url[len("http"):] + "/ws",
		Sec:    cfg.Security,
		Loot:   cfg.Loot,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and the loot engine. Safe to call twice.
func (ts *TestServer) Close() {
	ts.SM.CloseAllSessions()
	ts.Server.Close()
	ts.Sup.Stop()
	ts.Sched.Stop()
}

// --- HTTP helpers ---

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] != "" {
			req.Header.Set(headers[i], headers[i+1])
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, "Authorization", bearer(token))
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, "Authorization", bearer(token))
}

// Admin sends an admin request carrying the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string) *http.Response {
	t.Helper()
	return ts.do(t, method, path, nil, "X-Admin-Key", AdminKey)
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Join joins (registering on first call) and returns the token and peer ID.
func (ts *TestServer) Join(t *testing.T, identity, passphrase string) (token string, peerID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/join", map[string]string{
		"identity":   identity,
		"passphrase": passphrase,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	peerID = int64(result["peer_id"].(float64))
	return
}

// --- Loot peer ---

// PeerClient is a remote peer running the real client mirror.
type PeerClient struct {
	Peer   *apiws.Peer
	Client *loot.Client
	cancel context.CancelFunc
}

// ConnectPeer dials the host and starts a client mirror. reporter answers
// death equipment requests; nil answers nothing.
func (ts *TestServer) ConnectPeer(t *testing.T, token string, reporter apiws.EquipmentReporter) *PeerClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := apiws.DialHost(ctx, ts.WSURL, token)
	require.NoError(t, err, "WS dial failed")

	sched := scheduler.New(zap.NewNop())
	peer := apiws.NewPeer(conn, zap.NewNop())
	client := loot.NewClient(loot.ClientDeps{
		Codec:     item.NewCodec(nil),
		Transport: peer,
		Scheduler: sched,
		Config:    ts.Loot,
		Logger:    zap.NewNop(),
	})
	peer.Attach(client, reporter)
	go func() { _ = peer.Run(ctx) }()

	pc := &PeerClient{Peer: peer, Client: client, cancel: cancel}
	t.Cleanup(func() {
		pc.Close()
		sched.Stop()
	})
	return pc
}

// Send writes a typed message to the host.
func (pc *PeerClient) Send(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	pkt, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, pc.Peer.Send(loot.HostPeer, pkt))
}

// WaitContainer waits until the mirror of uid is ready with n items.
func (pc *PeerClient) WaitContainer(t *testing.T, uid, n int) *loot.Container {
	t.Helper()
	var c *loot.Container
	require.Eventually(t, func() bool {
		c = pc.Client.Lookup(uid)
		return c != nil && c.State() == loot.Ready && c.Len() == n
	}, 5*time.Second, 10*time.Millisecond, "container %d with %d items", uid, n)
	return c
}

func (pc *PeerClient) Close() {
	pc.cancel()
	pc.Peer.Close()
}

// --- Raw WebSocket client ---

// WSClient wraps a gorilla/websocket connection for protocol-level tests.
// Uses a background readLoop to avoid gorilla/websocket's SetReadDeadline bug.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON message packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	wc.SendSeq(atomic.AddUint64(&wc.seq, 1), msgType, payload)
}

// SendSeq writes a packet with an explicit sequence number.
func (wc *WSClient) SendSeq(seq uint64, msgType string, payload interface{}) {
	wc.t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	data, err := json.Marshal(map[string]interface{}{
		"seq":     seq,
		"type":    msgType,
		"payload": json.RawMessage(payloadJSON),
	})
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one packet, returning an error on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (*protocol.Packet, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt protocol.Packet
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return &pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

// timeoutError implements net.Error for timeout detection in callers.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads packets until one with the given type is found.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) *protocol.Packet {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt.Type == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// RecvPayload waits for msgType and decodes its payload.
func RecvPayload[T any](wc *WSClient, msgType string, timeout time.Duration) T {
	wc.t.Helper()
	pkt := wc.RecvType(msgType, timeout)
	v, err := protocol.Decode[T](pkt.Payload)
	require.NoError(wc.t, err)
	return v
}

// UniqueID returns a short unique string suitable for identities.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
