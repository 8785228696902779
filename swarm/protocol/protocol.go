// Package protocol defines the messages exchanged between gossipmesh peers.
// Every message travels as a CBOR map keyed by small integers; the kind field
// selects the variant.
package protocol

import (
	"errors"
	"fmt"
	"net"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformed = errors.New("malformed message")

type Kind uint8

const (
	KindAnnouncePublicAddress Kind = iota + 1
	KindRequestPeerList
	KindPeerList
	KindGossip
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncePublicAddress:
		return "AnnouncePublicAddress"
	case KindRequestPeerList:
		return "RequestPeerList"
	case KindPeerList:
		return "PeerList"
	case KindGossip:
		return "Gossip"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is one of AnnouncePublicAddress, RequestPeerList, PeerList or Gossip.
type Message interface {
	Kind() Kind
}

// AnnouncePublicAddress tells the receiver which address the sender listens on.
type AnnouncePublicAddress struct {
	Address string
}

// RequestPeerList asks the receiver for every address it knows.
type RequestPeerList struct{}

// PeerList answers RequestPeerList. The responder's own address comes first.
type PeerList struct {
	Addresses []string
}

// Gossip is a fire-and-forget broadcast payload.
type Gossip struct {
	Text string
}

func (AnnouncePublicAddress) Kind() Kind { return KindAnnouncePublicAddress }
func (RequestPeerList) Kind() Kind       { return KindRequestPeerList }
func (PeerList) Kind() Kind              { return KindPeerList }
func (Gossip) Kind() Kind                { return KindGossip }

type envelope struct {
	Kind      Kind     `cbor:"1,keyasint"`
	Address   string   `cbor:"2,keyasint,omitempty"`
	Addresses []string `cbor:"3,keyasint,omitempty"`
	Text      string   `cbor:"4,keyasint,omitempty"`
}

// peerListEnvelope always carries key 3 so that an empty list and a nil list
// stay distinct on the wire: [] and null respectively.
type peerListEnvelope struct {
	Kind      Kind     `cbor:"1,keyasint"`
	Addresses []string `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  65536,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a message. The output is deterministic for a given value.
// Messages that Decode would reject are refused with an error wrapping
// ErrMalformed.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case AnnouncePublicAddress:
		return encodeAnnounce(msg)
	case *AnnouncePublicAddress:
		return encodeAnnounce(*msg)
	case RequestPeerList, *RequestPeerList:
		return encMode.Marshal(&envelope{Kind: KindRequestPeerList})
	case PeerList:
		return encodePeerList(msg)
	case *PeerList:
		return encodePeerList(*msg)
	case Gossip:
		return encodeGossip(msg)
	case *Gossip:
		return encodeGossip(*msg)
	}
	return nil, fmt.Errorf("protocol: cannot encode %T", m)
}

func encodeAnnounce(msg AnnouncePublicAddress) ([]byte, error) {
	if err := validateAddress(msg.Address); err != nil {
		return nil, err
	}
	return encMode.Marshal(&envelope{Kind: KindAnnouncePublicAddress, Address: msg.Address})
}

func encodePeerList(msg PeerList) ([]byte, error) {
	for _, addr := range msg.Addresses {
		if err := validateAddress(addr); err != nil {
			return nil, err
		}
	}
	return encMode.Marshal(&peerListEnvelope{Kind: KindPeerList, Addresses: msg.Addresses})
}

func encodeGossip(msg Gossip) ([]byte, error) {
	if !utf8.ValidString(msg.Text) {
		return nil, fmt.Errorf("%w: gossip text is not valid UTF-8", ErrMalformed)
	}
	return encMode.Marshal(&envelope{Kind: KindGossip, Text: msg.Text})
}

// Decode parses a payload produced by Encode. Any payload that is not exactly
// one well-formed message yields an error wrapping ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch env.Kind {
	case KindAnnouncePublicAddress:
		if env.Addresses != nil || env.Text != "" {
			return nil, fmt.Errorf("%w: unexpected fields in %s", ErrMalformed, env.Kind)
		}
		if err := validateAddress(env.Address); err != nil {
			return nil, err
		}
		return AnnouncePublicAddress{Address: env.Address}, nil

	case KindRequestPeerList:
		if env.Address != "" || env.Addresses != nil || env.Text != "" {
			return nil, fmt.Errorf("%w: unexpected fields in %s", ErrMalformed, env.Kind)
		}
		return RequestPeerList{}, nil

	case KindPeerList:
		if env.Address != "" || env.Text != "" {
			return nil, fmt.Errorf("%w: unexpected fields in %s", ErrMalformed, env.Kind)
		}
		for _, addr := range env.Addresses {
			if err := validateAddress(addr); err != nil {
				return nil, err
			}
		}
		return PeerList{Addresses: env.Addresses}, nil

	case KindGossip:
		if env.Address != "" || env.Addresses != nil {
			return nil, fmt.Errorf("%w: unexpected fields in %s", ErrMalformed, env.Kind)
		}
		return Gossip{Text: env.Text}, nil
	}

	return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(env.Kind))
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty address", ErrMalformed)
	}
	if !utf8.ValidString(addr) {
		return fmt.Errorf("%w: address %q is not valid UTF-8", ErrMalformed, addr)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: bad address %q: %w", ErrMalformed, addr, err)
	}
	return nil
}
