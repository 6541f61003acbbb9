package loot

import "github.com/kasuganosora/lootsync/protocol"

// PeerID identifies a connected peer. It is the peer's account id on the host.
type PeerID int64

// Transport is the reliable-ordered channel between host and peers.
type Transport interface {
	// Send delivers pkt to a single peer.
	Send(peer PeerID, pkt *protocol.Packet) error
	// Broadcast delivers pkt to every connected peer.
	Broadcast(pkt *protocol.Packet)
	// Peers lists the currently connected peers.
	Peers() []PeerID
}
