package node

import (
	"context"

	"gossipmesh/swarm/protocol"
	"gossipmesh/telemetry"

	petname "github.com/dustinkirkland/golang-petname"

	log "github.com/sirupsen/logrus"
)

// GenerateMessage returns two lowercase words joined by a hyphen.
func GenerateMessage() string {
	return petname.Generate(2, "-")
}

// emitGossip broadcasts one generated message to every known peer. It is run
// by RunWithTicker and never returns an error: a failed send only affects its
// own receiver.
func (n *Node) emitGossip(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	receivers := n.peers.ListReceivers()
	if len(receivers) == 0 {
		log.Debug("No peers to gossip with")
		return nil
	}

	text := n.generate()
	data, err := protocol.Encode(protocol.Gossip{Text: text})
	if err != nil {
		log.Errorf("Failed to encode gossip %q: %v", text, err)
		return nil
	}

	addrs := make([]string, len(receivers))
	for i, r := range receivers {
		addrs[i] = r.Address
	}
	log.Infof("Sending message [%s] to %s", text, formatAddrs(addrs))

	for _, r := range receivers {
		if err := n.network.Send(r.Endpoint, data); err != nil {
			telemetry.GossipSent.WithLabelValues("failed").Inc()
			log.Warnf("Failed to send gossip to %q: %v", r.Address, err)
			continue
		}
		telemetry.GossipSent.WithLabelValues("ok").Inc()
	}

	return nil
}
