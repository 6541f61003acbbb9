package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
)

var ErrPeerClosed = errors.New("ws: peer connection closed")

// EquipmentReporter answers the host's question about what a dead character
// still carries. Returning nil sends nothing.
type EquipmentReporter func(req protocol.DeathEquipmentRequest) *protocol.DeathEquipmentReport

// Peer is the non-host side of the connection. It feeds inbound packets to
// a loot.Client and carries the client's requests to the host.
type Peer struct {
	client   *loot.Client
	reporter EquipmentReporter
	logger   *zap.Logger

	// mu guards conn, done and closed, and serialises writes.
	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
	seq    atomic.Uint64
}

var _ loot.Transport = (*Peer)(nil)

// DialHost connects to the host's /ws endpoint.
func DialHost(ctx context.Context, hostURL, token string) (*websocket.Conn, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func NewPeer(conn *websocket.Conn, logger *zap.Logger) *Peer {
	return &Peer{conn: conn, logger: logger, done: make(chan struct{})}
}

// Attach sets the client mirror fed by Run. It must be called before Run.
func (p *Peer) Attach(client *loot.Client, reporter EquipmentReporter) {
	p.client = client
	p.reporter = reporter
}

// Send writes pkt to the host. The peer argument is ignored: a non-host only
// talks to the host.
func (p *Peer) Send(_ loot.PeerID, pkt *protocol.Packet) error {
	pkt.Seq = p.seq.Add(1)
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast from a non-host can only reach the host.
func (p *Peer) Broadcast(pkt *protocol.Packet) {
	if err := p.Send(loot.HostPeer, pkt); err != nil {
		p.logger.Warn("send to host failed", zap.String("type", pkt.Type), zap.Error(err))
	}
}

func (p *Peer) Peers() []loot.PeerID { return []loot.PeerID{loot.HostPeer} }

// Run reads from the host until ctx ends or the connection drops. The client
// forgets its pending tokens on return.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()
	defer p.client.Disconnected()

	p.mu.Lock()
	conn, done := p.conn, p.done
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.Dispatch(raw)
	}
}

// Dispatch routes one host packet into the client.
func (p *Peer) Dispatch(raw []byte) {
	var pkt protocol.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		p.logger.Warn("malformed host packet", zap.Error(err))
		return
	}
	if err := p.route(pkt); err != nil {
		p.logger.Warn("host packet rejected", zap.String("type", pkt.Type), zap.Error(err))
	}
}

func (p *Peer) route(pkt protocol.Packet) error {
	switch pkt.Type {
	case protocol.TypeContainerSpawn:
		return apply(pkt.Payload, func(m protocol.ContainerSpawn) { p.client.HandleSpawn(m) })
	case protocol.TypeTombstoneRestore:
		return apply(pkt.Payload, func(m protocol.TombstoneRestore) { p.client.HandleRestore(m) })
	case protocol.TypeStateResponse:
		return apply(pkt.Payload, p.client.ApplyFullState)
	case protocol.TypeStateDeny:
		return apply(pkt.Payload, p.client.HandleStateDeny)
	case protocol.TypeTakeResolved:
		return apply(pkt.Payload, func(m protocol.TakeResolved) { p.client.ResolveTake(m) })
	case protocol.TypeTakeDenied:
		return apply(pkt.Payload, p.client.HandleTakeDenied)
	case protocol.TypeReorderResolved:
		return apply(pkt.Payload, func(m protocol.ReorderResolved) { p.client.ResolveReorder(m) })
	case protocol.TypePutResolved:
		return apply(pkt.Payload, func(m protocol.PutResolved) { p.client.ResolvePut(m) })
	case protocol.TypeDeathEquipmentRequest:
		return apply(pkt.Payload, p.answerEquipment)
	case protocol.TypeError:
		return apply(pkt.Payload, func(m protocol.ErrorMsg) {
			p.logger.Warn("host rejected packet", zap.String("message", m.Message))
		})
	case protocol.TypePong:
		return nil
	default:
		p.logger.Debug("unhandled host message", zap.String("type", pkt.Type))
		return nil
	}
}

func apply[T any](raw json.RawMessage, fn func(T)) error {
	msg, err := protocol.Decode[T](raw)
	if err != nil {
		return err
	}
	fn(msg)
	return nil
}

func (p *Peer) answerEquipment(req protocol.DeathEquipmentRequest) {
	if p.reporter == nil {
		return
	}
	report := p.reporter(req)
	if report == nil {
		return
	}
	if report.TombstoneID == 0 {
		report.TombstoneID = req.TombstoneID
	}
	if report.Owner == "" {
		report.Owner = req.Owner
	}
	pkt, err := protocol.Encode(protocol.TypeDeathEquipmentReport, report)
	if err != nil {
		return
	}
	if err := p.Send(loot.HostPeer, pkt); err != nil {
		p.logger.Warn("equipment report failed", zap.Error(err))
	}
}

// Close shuts the current connection down. Repeated calls are no-ops.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = p.conn.Close()
}

// Reconnect swaps in a fresh connection after a drop and asks the host for
// the state of every mirrored container again. Run must be called anew.
func (p *Peer) Reconnect(conn *websocket.Conn) int {
	p.mu.Lock()
	p.conn = conn
	p.done = make(chan struct{})
	p.closed = false
	p.mu.Unlock()
	return p.client.ForceResync()
}

const writeTimeout = 10 * time.Second
