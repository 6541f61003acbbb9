package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	apiws "github.com/kasuganosora/lootsync/api/ws"
	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"go.uber.org/zap"
)

// runPeer joins a host as a remote peer and keeps a mirror of its
// containers until interrupted.
//
//	lootsync peer <host-url> <identity> <passphrase>
func runPeer(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: lootsync peer <host-url> <identity> <passphrase>")
		os.Exit(2)
	}
	hostURL, identity, passphrase := strings.TrimSuffix(args[0], "/"), args[1], args[2]

	logger := newLogger(os.Getenv("LOOTSYNC_DEBUG") != "")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := joinHost(ctx, hostURL, identity, passphrase)
	if err != nil {
		log.Fatalf("join: %v", err)
	}

	sched := scheduler.New(logger)
	defer sched.Stop()

	wsURL := "ws" + strings.TrimPrefix(hostURL, "http") + "/ws"
	conn, err := apiws.DialHost(ctx, wsURL, token)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	peer := apiws.NewPeer(conn, logger)
	client := loot.NewClient(loot.ClientDeps{
		Codec:     item.NewCodec(nil),
		Transport: peer,
		Scheduler: sched,
		Config:    config.DefaultLoot(),
		Logger:    logger,
	})
	client.Start()
	// A headless peer carries nothing, so its whole death container stays.
	peer.Attach(client, func(req protocol.DeathEquipmentRequest) *protocol.DeathEquipmentReport {
		return &protocol.DeathEquipmentReport{TypeIDs: []int{}}
	})

	logger.Info("joined host", zap.String("host", hostURL), zap.String("identity", identity))
	if err := peer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("connection to host lost", zap.Error(err))
	}
	logger.Info("peer stopped", zap.Int("containers", len(client.Containers())))
}

func joinHost(ctx context.Context, hostURL, identity, passphrase string) (string, error) {
	body, _ := json.Marshal(map[string]string{"identity": identity, "passphrase": passphrase})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hostURL+"/api/auth/join", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("host answered %d: %s", resp.StatusCode, out.Error)
	}
	return out.Token, nil
}
