package node

import (
	"gossipmesh/net/transport"
	"gossipmesh/swarm/protocol"
	"gossipmesh/telemetry"

	log "github.com/sirupsen/logrus"
)

const unknownSender = "unknown sender"

func (n *Node) handleMessage(from transport.Endpoint, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		telemetry.MalformedMessages.Inc()
		log.Warnf("Discarding message from %s: %v", from, err)
		return
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Kind().String()).Inc()

	switch m := msg.(type) {
	case protocol.AnnouncePublicAddress:
		n.handleAnnounce(from, m)
	case protocol.RequestPeerList:
		n.handleRequestPeerList(from)
	case protocol.PeerList:
		n.handlePeerList(from, m)
	case protocol.Gossip:
		n.handleGossip(from, m)
	}
}

// AnnouncePublicAddress: remember which address the peer listens on.
func (n *Node) handleAnnounce(from transport.Endpoint, msg protocol.AnnouncePublicAddress) {
	n.mu.Lock()
	ok := n.peers.RegisterAnnounced(from, msg.Address)
	n.updateGauge()
	n.mu.Unlock()

	if !ok {
		log.Warnf("Ignoring announcement of our own address from %s", from)
		return
	}

	log.Debugf("Peer %s announced %q", from, msg.Address)
	n.remember(msg.Address)
}

// RequestPeerList: reply with everyone we know, ourselves first.
func (n *Node) handleRequestPeerList(from transport.Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()

	list := n.peers.ListAddresses()
	if err := n.send(from, protocol.PeerList{Addresses: list}); err != nil {
		log.Errorf("Failed to send peer list to %s: %v", from, err)
	}
}

// PeerList: connect to every listed peer we are not connected to through
// this exchange and announce ourselves to it.
func (n *Node) handlePeerList(from transport.Endpoint, msg protocol.PeerList) {
	candidates := n.candidates(from, msg.Addresses)

	var connected []string
	for _, addr := range candidates {
		ep, err := n.network.Connect(addr)
		if err != nil {
			telemetry.ConnectFailures.Inc()
			log.Warnf("Failed to connect to %s: %v", addr, err)
			continue
		}

		n.mu.Lock()
		n.peers.RegisterSeed(ep)
		n.updateGauge()
		err = n.send(ep, protocol.AnnouncePublicAddress{Address: n.self})
		n.mu.Unlock()

		if err != nil {
			log.Errorf("Failed to announce to %s: %v", addr, err)
		}

		n.remember(addr)
		connected = append(connected, addr)
	}

	log.Infof("Connected to the peers at %s", formatAddrs(connected))
}

// candidates filters a received peer list: our own address and the sender's
// connection address are dropped, as are duplicates.
func (n *Node) candidates(from transport.Endpoint, addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	var out []string
	for _, addr := range addrs {
		if addr == n.self || addr == from.Addr() {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Gossip: deliver with the sender's known address.
func (n *Node) handleGossip(from transport.Endpoint, msg protocol.Gossip) {
	n.mu.Lock()
	addr, ok := n.peers.ResolveAddress(from)
	n.mu.Unlock()

	if !ok {
		addr = unknownSender
	}

	log.Infof("Received message [%s] from %q", msg.Text, addr)

	if n.onGossip != nil {
		n.onGossip(addr, msg.Text)
	}
}
