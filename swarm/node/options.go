package node

import (
	"fmt"
	"net"
	"time"

	"gossipmesh/datamodel/peer"
)

const DefaultGossipPeriod = 5 * time.Second

// Option configures a Node.
type Option func(*Node) error

// WithBootstrap sets the peer contacted on startup.
func WithBootstrap(address string) Option {
	return func(n *Node) error {
		if address == "" {
			return nil
		}
		if _, _, err := net.SplitHostPort(address); err != nil {
			return fmt.Errorf("bad bootstrap address %q: %w", address, err)
		}
		n.bootstrap = address
		return nil
	}
}

// WithGossipPeriod sets the interval between gossip broadcasts.
func WithGossipPeriod(d time.Duration) Option {
	return func(n *Node) error {
		if d <= 0 {
			return fmt.Errorf("gossip period must be positive, got %v", d)
		}
		n.period = d
		return nil
	}
}

// WithPeerBook records every advertised address the node learns into book.
func WithPeerBook(book peer.Book) Option {
	return func(n *Node) error {
		n.book = book
		return nil
	}
}

// WithGossipHandler installs a callback invoked for every received gossip
// message. It runs on the event loop and must not block.
func WithGossipHandler(h func(from, text string)) Option {
	return func(n *Node) error {
		n.onGossip = h
		return nil
	}
}

// WithMessageGenerator replaces the generator of outgoing gossip text.
func WithMessageGenerator(g func() string) Option {
	return func(n *Node) error {
		n.generate = g
		return nil
	}
}
