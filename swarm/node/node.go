package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gossipmesh/datamodel/peer"
	"gossipmesh/helper/timer"
	"gossipmesh/net/transport"
	"gossipmesh/swarm/protocol"
	"gossipmesh/telemetry"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// Network is the part of the transport the Node drives.
type Network interface {
	Connect(address string) (transport.Endpoint, error)
	Send(to transport.Endpoint, payload []byte) error
	Events() <-chan transport.Event
	Serve(ctx context.Context) error
}

type State int32

const (
	StateIdle State = iota
	StateBootstrapping
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateSteady:
		return "Steady"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Node struct {
	self      string
	bootstrap string
	period    time.Duration
	network   Network

	book     peer.Book
	onGossip func(from, text string)
	generate func() string

	state atomic.Int32

	// mu guards peers. When a send is issued under mu, mu is taken first and
	// the transport's own lock second.
	mu    sync.Mutex
	peers *PeerRegistry[transport.Endpoint]
}

// New creates a node advertising self and talking over network.
func New(self string, network Network, opts ...Option) (*Node, error) {
	n := &Node{
		self:     self,
		period:   DefaultGossipPeriod,
		network:  network,
		generate: GenerateMessage,
		peers:    NewPeerRegistry[transport.Endpoint](self),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	log.Infof("My address is %q", n.self)

	return n, nil
}

func (n *Node) Self() string {
	return n.self
}

func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	if old := State(n.state.Swap(int32(s))); old != s {
		log.Debugf("Node state %s -> %s", old, s)
	}
}

// Peers returns our own address followed by the addresses of all known peers.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.ListAddresses()
}

// Bootstrap contacts the bootstrap peer, if one is configured, announces our
// address and asks for its peer list. The replies arrive as ordinary events.
// A failed attempt is logged and not retried.
func (n *Node) Bootstrap() {
	if n.bootstrap == "" {
		n.setState(StateSteady)
		return
	}

	n.setState(StateBootstrapping)
	defer n.setState(StateSteady)

	ep, err := n.network.Connect(n.bootstrap)
	if err != nil {
		telemetry.ConnectFailures.Inc()
		log.Errorf("Failed to connect to %s: %v", n.bootstrap, err)
		return
	}

	n.mu.Lock()
	n.peers.RegisterSeed(ep)
	n.updateGauge()
	if err := n.send(ep, protocol.AnnouncePublicAddress{Address: n.self}); err != nil {
		log.Errorf("Failed to announce to %s: %v", n.bootstrap, err)
	}
	if err := n.send(ep, protocol.RequestPeerList{}); err != nil {
		log.Errorf("Failed to request peers from %s: %v", n.bootstrap, err)
	}
	n.mu.Unlock()

	n.remember(n.bootstrap)
}

// Run serves the network, bootstraps, then processes events and emits gossip
// until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.network.Serve(cctx)
	})

	n.Bootstrap()

	wg.Go(func() error {
		return n.eventLoop(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: n.period,
			Jitter:   time.Millisecond * 0,
		}
		err := timer.RunWithTicker(cctx, interval, n.emitGossip)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return wg.Wait()
}

func (n *Node) eventLoop(ctx context.Context) error {
	events := n.network.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one transport event to the node.
func (n *Node) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.Connected:
		// Registration waits for the peer's first message.
		log.Debugf("Connection %s opened", ev.Endpoint)

	case transport.Disconnected:
		n.mu.Lock()
		n.peers.Remove(ev.Endpoint)
		n.updateGauge()
		n.mu.Unlock()
		log.Debugf("Connection %s closed", ev.Endpoint)

	case transport.Message:
		n.handleMessage(ev.Endpoint, ev.Payload)

	default:
		log.Warnf("Ignoring unknown event %s from %s", ev.Kind, ev.Endpoint)
	}
}

// send encodes msg and hands it to the transport. Caller holds n.mu.
func (n *Node) send(to transport.Endpoint, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return n.network.Send(to, data)
}

// updateGauge publishes the registry size. Caller holds n.mu.
func (n *Node) updateGauge() {
	telemetry.KnownPeers.Set(float64(n.peers.Len()))
}

// remember records an advertised address in the peer book, if any.
func (n *Node) remember(address string) {
	if n.book == nil {
		return
	}
	if _, err := n.book.Touch(address, time.Now()); err != nil {
		log.Warnf("Failed to record %s in the peer book: %v", address, err)
	}
}

func formatAddrs(addrs []string) string {
	if len(addrs) == 0 {
		return "[no one]"
	}

	quoted := make([]string, len(addrs))
	for i, a := range addrs {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
