package node

// Endpoint is anything that identifies a live connection: comparable so it
// can key a map, cheap to copy, and aware of its transport address.
type Endpoint interface {
	comparable
	Addr() string
}

// Receiver is a broadcast target: a live endpoint and the address the peer
// is known under.
type Receiver[E Endpoint] struct {
	Endpoint E
	Address  string
}

type peerKind int

const (
	// Connected before any handshake; its advertised address is unknown.
	peerSeed peerKind = iota
	// The peer told us which address it listens on.
	peerAnnounced
)

type peerEntry struct {
	kind    peerKind
	address string // only for peerAnnounced
}

// PeerRegistry maps live endpoints to what is known about the peer behind
// them. It is not safe for concurrent use; the owner serializes access.
type PeerRegistry[E Endpoint] struct {
	self  string
	peers map[E]peerEntry
}

func NewPeerRegistry[E Endpoint](self string) *PeerRegistry[E] {
	return &PeerRegistry[E]{
		self:  self,
		peers: make(map[E]peerEntry),
	}
}

// Self returns the address this node advertises.
func (r *PeerRegistry[E]) Self() string {
	return r.self
}

// RegisterSeed records a peer whose advertised address is not known yet.
// An existing entry for the endpoint is left untouched. It reports whether
// an entry was added.
func (r *PeerRegistry[E]) RegisterSeed(e E) bool {
	if _, ok := r.peers[e]; ok {
		return false
	}
	if e.Addr() == r.self {
		return false
	}
	r.peers[e] = peerEntry{kind: peerSeed}
	return true
}

// RegisterAnnounced records or replaces the entry for e with the peer's
// advertised address. Announcements of our own address are refused.
func (r *PeerRegistry[E]) RegisterAnnounced(e E, address string) bool {
	if address == r.self {
		return false
	}
	r.peers[e] = peerEntry{kind: peerAnnounced, address: address}
	return true
}

// Remove drops the entry for e, if any.
func (r *PeerRegistry[E]) Remove(e E) {
	delete(r.peers, e)
}

// ListAddresses returns our own address followed by one address per peer.
// The order of the peers is unspecified.
func (r *PeerRegistry[E]) ListAddresses() []string {
	list := make([]string, 0, len(r.peers)+1)
	list = append(list, r.self)
	for e, p := range r.peers {
		list = append(list, resolve(e, p))
	}
	return list
}

func (r *PeerRegistry[E]) ListReceivers() []Receiver[E] {
	receivers := make([]Receiver[E], 0, len(r.peers))
	for e, p := range r.peers {
		receivers = append(receivers, Receiver[E]{Endpoint: e, Address: resolve(e, p)})
	}
	return receivers
}

// ResolveAddress returns the address the peer behind e is known under.
func (r *PeerRegistry[E]) ResolveAddress(e E) (string, bool) {
	p, ok := r.peers[e]
	if !ok {
		return "", false
	}
	return resolve(e, p), true
}

func (r *PeerRegistry[E]) Len() int {
	return len(r.peers)
}

func resolve[E Endpoint](e E, p peerEntry) string {
	if p.kind == peerAnnounced {
		return p.address
	}
	return e.Addr()
}
