package transport

import "fmt"

// Endpoint identifies one live connection. It is a comparable value and can
// be used as a map key. Addr is the remote transport address of the
// connection, which for accepted connections is usually an ephemeral port
// rather than the peer's listen address.
type Endpoint struct {
	id   uint64
	addr string
}

// NewEndpoint builds an Endpoint outside of a Transport, e.g. for fakes.
func NewEndpoint(id uint64, addr string) Endpoint {
	return Endpoint{id: id, addr: addr}
}

func (e Endpoint) ID() uint64 {
	return e.id
}

func (e Endpoint) Addr() string {
	return e.addr
}

func (e Endpoint) String() string {
	return fmt.Sprintf("#%d(%s)", e.id, e.addr)
}

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Message
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Message:
		return "Message"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is reported by the transport for every connection state change and
// every inbound frame. Payload is only set for Message events.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Payload  []byte
}
