// Package transport implements a framed, connection-oriented TCP transport.
// Each frame is a single CBOR byte string. Inbound activity is reported as a
// stream of events: Connected, Disconnected and Message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

const (
	sendQueueLen  = 256
	eventQueueLen = 1024
	dialTimeout   = 5 * time.Second
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrQueueFull       = errors.New("send queue full")
	ErrClosed          = errors.New("transport closed")
)

type Transport struct {
	listener net.Listener
	events   chan Event
	quit     chan struct{}
	nextID   atomic.Uint64

	mu     sync.Mutex // protects following fields
	conns  map[Endpoint]*conn
	closed bool

	wg sync.WaitGroup
}

type conn struct {
	ep    Endpoint
	nc    net.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Listen binds a TCP listener on address. Connections are not accepted
// until Serve is called.
func Listen(address string) (*Transport, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("can not listen on %s: %w", address, err)
	}
	return New(l), nil
}

// New wraps an existing listener.
func New(l net.Listener) *Transport {
	return &Transport{
		listener: l,
		events:   make(chan Event, eventQueueLen),
		quit:     make(chan struct{}),
		conns:    make(map[Endpoint]*conn),
	}
}

// Addr returns the address the transport is listening on.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// Events returns the channel of inbound events. It is closed once Serve
// returns and every connection has been torn down.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Serve accepts incoming connections until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			log.Debugf("transport: context cancelled, closing listener %s", t.listener.Addr())
			t.Close()
		case <-t.quit:
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				t.wg.Wait()
				close(t.events)
				return nil
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("transport: accept error on %s: %v; retrying in %v", t.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				close(t.events)
				return nil
			}
			log.Errorf("transport: accept error on %s: %v", t.listener.Addr(), err)
			t.Close()
			t.wg.Wait()
			close(t.events)
			return err
		}

		tempDelay = 0
		ep, err := t.attach(nc)
		if err != nil {
			nc.Close()
			continue
		}
		log.Debugf("transport: accepted connection from %s", ep.Addr())
	}
}

// Connect opens a connection to address. The returned Endpoint's Addr is the
// dialled address.
func (t *Transport) Connect(address string) (Endpoint, error) {
	nc, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return Endpoint{}, err
	}
	return t.attach(nc)
}

// Send queues payload for delivery on ep. It never blocks on the network.
func (t *Transport) Send(ep Endpoint, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[ep]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}

	select {
	case c.queue <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, ep)
	}
}

// Disconnect closes the connection behind ep. A Disconnected event follows.
func (t *Transport) Disconnect(ep Endpoint) error {
	t.mu.Lock()
	c, ok := t.conns[ep]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	c.close()
	return nil
}

// Close stops accepting connections and closes all live ones.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	close(t.quit)
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	err := t.listener.Close()
	for _, c := range conns {
		c.close()
	}
	return err
}

func (t *Transport) attach(nc net.Conn) (Endpoint, error) {
	ep := Endpoint{id: t.nextID.Add(1), addr: nc.RemoteAddr().String()}
	c := &conn{
		ep:    ep,
		nc:    nc,
		queue: make(chan []byte, sendQueueLen),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Endpoint{}, ErrClosed
	}
	t.conns[ep] = c
	t.wg.Add(2)
	t.mu.Unlock()

	go t.writeLoop(c)
	go t.readLoop(c)

	return ep, nil
}

func (t *Transport) readLoop(c *conn) {
	defer t.wg.Done()

	t.emit(Event{Kind: Connected, Endpoint: c.ep})

	decoder := cbor.NewDecoder(c.nc)
	for {
		var frame []byte
		if err := decoder.Decode(&frame); err != nil {
			if isClosed(err) {
				log.Debugf("transport: connection %s closed: %v", c.ep, err)
			} else {
				log.Warnf("transport: dropping connection %s: bad frame: %v", c.ep, err)
			}
			break
		}
		t.emit(Event{Kind: Message, Endpoint: c.ep, Payload: frame})
	}

	c.close()

	t.mu.Lock()
	delete(t.conns, c.ep)
	t.mu.Unlock()

	t.emit(Event{Kind: Disconnected, Endpoint: c.ep})
}

// isClosed reports whether a read error means the connection went away
// rather than the peer sending garbage.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET)
}

// emit hands ev to the consumer unless the transport is shutting down.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}

func (t *Transport) writeLoop(c *conn) {
	defer t.wg.Done()

	encoder := cbor.NewEncoder(c.nc)
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			if err := encoder.Encode(payload); err != nil {
				log.Warnf("transport: write to %s failed: %v", c.ep, err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}
