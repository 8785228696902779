package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gossipmesh/net/transport"
	"gossipmesh/swarm/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "127.0.0.1:9000"
	addrB = "127.0.0.1:9001"
	addrC = "127.0.0.1:9002"
	addrD = "127.0.0.1:9003"
)

type sent struct {
	to  transport.Endpoint
	msg protocol.Message
}

// fakeNetwork records dials and sends instead of touching the network.
type fakeNetwork struct {
	mu       sync.Mutex
	nextID   uint64
	refuse   map[string]bool
	failSend map[transport.Endpoint]bool
	dialed   []string
	sent     []sent
	events   chan transport.Event
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nextID:   1000,
		refuse:   make(map[string]bool),
		failSend: make(map[transport.Endpoint]bool),
		events:   make(chan transport.Event, 16),
	}
}

func (f *fakeNetwork) Connect(address string) (transport.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dialed = append(f.dialed, address)
	if f.refuse[address] {
		return transport.Endpoint{}, errors.New("connection refused")
	}
	f.nextID++
	return transport.NewEndpoint(f.nextID, address), nil
}

func (f *fakeNetwork) Send(to transport.Endpoint, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSend[to] {
		return transport.ErrQueueFull
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sent{to: to, msg: msg})
	return nil
}

func (f *fakeNetwork) Events() <-chan transport.Event {
	return f.events
}

func (f *fakeNetwork) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeNetwork) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeNetwork) Dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func newTestNode(t *testing.T, self string, net *fakeNetwork, opts ...Option) *Node {
	t.Helper()
	n, err := New(self, net, opts...)
	require.NoError(t, err)
	return n
}

func message(t *testing.T, from transport.Endpoint, m protocol.Message) transport.Event {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	return transport.Event{Kind: transport.Message, Endpoint: from, Payload: data}
}

// inbound is a connection accepted from a peer; its address is an ephemeral port.
func inbound(id uint64) transport.Endpoint {
	return transport.NewEndpoint(id, fmt.Sprintf("127.0.0.1:%d", 50000+id))
}

func TestFreshNodeListsOnlyItself(t *testing.T) {
	n := newTestNode(t, addrA, newFakeNetwork())

	assert.Equal(t, []string{addrA}, n.Peers())
	assert.Equal(t, StateIdle, n.State())
}

func TestConnectedDoesNotRegister(t *testing.T) {
	n := newTestNode(t, addrA, newFakeNetwork())

	n.HandleEvent(transport.Event{Kind: transport.Connected, Endpoint: inbound(1)})

	assert.Equal(t, []string{addrA}, n.Peers())
}

func TestAnnounceRegistersPublicAddress(t *testing.T) {
	n := newTestNode(t, addrA, newFakeNetwork())
	b := inbound(1)

	n.HandleEvent(message(t, b, protocol.AnnouncePublicAddress{Address: addrB}))

	assert.Equal(t, []string{addrA, addrB}, n.Peers())
}

func TestRequestPeerListBeforeAnnounce(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrA, net)
	b := inbound(1)

	n.HandleEvent(message(t, b, protocol.RequestPeerList{}))

	require.Len(t, net.Sent(), 1)
	assert.Equal(t, sent{to: b, msg: protocol.PeerList{Addresses: []string{addrA}}}, net.Sent()[0])
}

func TestRequestPeerListAfterAnnounce(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrA, net)
	b := inbound(1)
	c := inbound(2)

	n.HandleEvent(message(t, c, protocol.AnnouncePublicAddress{Address: addrC}))
	n.HandleEvent(message(t, b, protocol.AnnouncePublicAddress{Address: addrB}))
	n.HandleEvent(message(t, b, protocol.RequestPeerList{}))

	require.Len(t, net.Sent(), 1)
	reply := net.Sent()[0]
	assert.Equal(t, b, reply.to)

	list, ok := reply.msg.(protocol.PeerList)
	require.True(t, ok, "reply is %T", reply.msg)
	assertListing(t, list.Addresses, addrA, addrB, addrC)
}

func TestPeerListFanOut(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrB, net)

	// We dialled A, so the connection address is A's listen address.
	a := transport.NewEndpoint(1, addrA)
	n.mu.Lock()
	n.peers.RegisterSeed(a)
	n.mu.Unlock()

	n.HandleEvent(message(t, a, protocol.PeerList{Addresses: []string{addrA, addrB, addrC, addrD, addrC}}))

	assert.Equal(t, []string{addrC, addrD}, net.Dialed())
	assertListing(t, n.Peers(), addrB, addrA, addrC, addrD)

	var announced []string
	for _, s := range net.Sent() {
		assert.Equal(t, protocol.AnnouncePublicAddress{Address: addrB}, s.msg)
		announced = append(announced, s.to.Addr())
	}
	assert.ElementsMatch(t, []string{addrC, addrD}, announced)
}

func TestPeerListConnectFailureIsSkipped(t *testing.T) {
	net := newFakeNetwork()
	net.refuse[addrC] = true
	n := newTestNode(t, addrB, net)

	a := transport.NewEndpoint(1, addrA)
	n.HandleEvent(message(t, a, protocol.PeerList{Addresses: []string{addrA, addrC, addrD}}))

	assert.Equal(t, []string{addrC, addrD}, net.Dialed())
	assertListing(t, n.Peers(), addrB, addrD)
	require.Len(t, net.Sent(), 1)
	assert.Equal(t, addrD, net.Sent()[0].to.Addr())
}

func TestGossipProvenance(t *testing.T) {
	type delivery struct{ from, text string }
	var got []delivery

	n := newTestNode(t, addrA, newFakeNetwork(), WithGossipHandler(func(from, text string) {
		got = append(got, delivery{from, text})
	}))

	b := inbound(1)
	n.HandleEvent(message(t, b, protocol.AnnouncePublicAddress{Address: addrB}))
	n.HandleEvent(message(t, b, protocol.Gossip{Text: "quiet-lark"}))

	stranger := inbound(2)
	n.HandleEvent(message(t, stranger, protocol.Gossip{Text: "lost-moth"}))

	assert.Equal(t, []delivery{
		{from: addrB, text: "quiet-lark"},
		{from: unknownSender, text: "lost-moth"},
	}, got)
}

func TestGossipFromUnknownDoesNotRegister(t *testing.T) {
	n := newTestNode(t, addrA, newFakeNetwork())

	n.HandleEvent(message(t, inbound(1), protocol.Gossip{Text: "lost-moth"}))

	assert.Equal(t, []string{addrA}, n.Peers())
}

func TestDisconnectedRemovesPeer(t *testing.T) {
	n := newTestNode(t, addrA, newFakeNetwork())
	b := inbound(1)

	n.HandleEvent(message(t, b, protocol.AnnouncePublicAddress{Address: addrB}))
	n.HandleEvent(transport.Event{Kind: transport.Disconnected, Endpoint: b})
	n.HandleEvent(transport.Event{Kind: transport.Disconnected, Endpoint: b})

	assert.Equal(t, []string{addrA}, n.Peers())
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	n := newTestNode(t, addrA, newFakeNetwork())
	b := inbound(1)

	good := message(t, b, protocol.AnnouncePublicAddress{Address: addrB})

	n.HandleEvent(transport.Event{Kind: transport.Message, Endpoint: b, Payload: []byte{0xff, 0x01}})
	n.HandleEvent(transport.Event{Kind: transport.Message, Endpoint: b, Payload: good.Payload[:len(good.Payload)-1]})
	n.HandleEvent(good)

	assert.Equal(t, []string{addrA, addrB}, n.Peers())
}

func TestBootstrap(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrC, net, WithBootstrap(addrB))

	n.Bootstrap()

	assert.Equal(t, StateSteady, n.State())
	assert.Equal(t, []string{addrB}, net.Dialed())
	assert.Equal(t, []string{addrC, addrB}, n.Peers())

	s := net.Sent()
	require.Len(t, s, 2)
	assert.Equal(t, protocol.AnnouncePublicAddress{Address: addrC}, s[0].msg)
	assert.Equal(t, protocol.RequestPeerList{}, s[1].msg)
	assert.Equal(t, s[0].to, s[1].to)
}

func TestBootstrapFailureProceedsToSteady(t *testing.T) {
	net := newFakeNetwork()
	net.refuse[addrB] = true
	n := newTestNode(t, addrC, net, WithBootstrap(addrB))

	n.Bootstrap()

	assert.Equal(t, StateSteady, n.State())
	assert.Equal(t, []string{addrB}, net.Dialed())
	assert.Equal(t, []string{addrC}, n.Peers())
	assert.Empty(t, net.Sent())
}

func TestNoBootstrapGoesStraightToSteady(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrA, net)

	n.Bootstrap()

	assert.Equal(t, StateSteady, n.State())
	assert.Empty(t, net.Dialed())
}

func TestBadOptions(t *testing.T) {
	_, err := New(addrA, newFakeNetwork(), WithBootstrap("nonsense"))
	assert.Error(t, err)

	_, err = New(addrA, newFakeNetwork(), WithGossipPeriod(0))
	assert.Error(t, err)
}

func TestEmitGossipWithoutPeers(t *testing.T) {
	net := newFakeNetwork()
	generated := 0
	n := newTestNode(t, addrA, net, WithMessageGenerator(func() string {
		generated++
		return "idle-crow"
	}))

	assert.NoError(t, n.emitGossip(context.Background()))
	assert.Empty(t, net.Sent())
	assert.Zero(t, generated)
}

func TestEmitGossipBroadcasts(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrA, net, WithMessageGenerator(func() string { return "swift-fox" }))

	b, c, d := inbound(1), inbound(2), inbound(3)
	n.HandleEvent(message(t, b, protocol.AnnouncePublicAddress{Address: addrB}))
	n.HandleEvent(message(t, c, protocol.AnnouncePublicAddress{Address: addrC}))
	n.HandleEvent(message(t, d, protocol.AnnouncePublicAddress{Address: addrD}))
	net.failSend[c] = true

	require.NoError(t, n.emitGossip(context.Background()))

	var to []transport.Endpoint
	for _, s := range net.Sent() {
		assert.Equal(t, protocol.Gossip{Text: "swift-fox"}, s.msg)
		to = append(to, s.to)
	}
	assert.ElementsMatch(t, []transport.Endpoint{b, d}, to)
}

func TestGenerateMessageFormat(t *testing.T) {
	for i := 0; i < 20; i++ {
		assert.Regexp(t, `^[a-z]+-[a-z]+$`, GenerateMessage())
	}
}

func TestFormatAddrs(t *testing.T) {
	assert.Equal(t, "[no one]", formatAddrs(nil))
	assert.Equal(t, `["127.0.0.1:9000", "127.0.0.1:9001"]`, formatAddrs([]string{addrA, addrB}))
}

func TestRunStopsOnCancel(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, addrA, net, WithGossipPeriod(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	net.events <- message(t, inbound(1), protocol.AnnouncePublicAddress{Address: addrB})
	require.Eventually(t, func() bool { return len(n.Peers()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// The emitter picks up the new peer.
	require.Eventually(t, func() bool { return len(net.Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
