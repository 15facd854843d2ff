package message

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Frames are length-prefixed JSON: a 4-byte big-endian length followed by
// that many bytes of UTF-8 JSON, standing in for the zeromq multipart frame
// boundary the original messaging layer relied on (no zeromq binding exists
// in this module's dependency set; see DESIGN.md).

func writeFrame(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Inbound is one frame received on a Router channel, tagged with the
// identity of the connection it arrived on (the ROUTER-side routing frame
// in the original protocol).
type Inbound struct {
	ClientID string
	Raw      []byte
}

// Router implements the ROUTER/DEALER request-multiplexing pattern used by
// both the upstream RPC channel and the downstream event channel (§4.1,
// §6): many client connections, each identified by a generated uuid,
// demultiplexed onto a single inbound queue and addressable individually
// for replies.
type Router struct {
	log      *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn

	inbound chan Inbound
	done    chan struct{}
}

// NewRouter binds network "tcp" or "unix" at addr and returns a Router ready
// to Serve.
func NewRouter(network, addr string, log *slog.Logger) (*Router, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("message.NewRouter: listen %s %s: %w", network, addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		listener: l,
		conns:    make(map[string]net.Conn),
		inbound:  make(chan Inbound, 64),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound network address.
func (r *Router) Addr() net.Addr { return r.listener.Addr() }

// Inbound is the channel of frames received from any client, suitable for
// registration with the daemon event loop's on_recv-style dispatch.
func (r *Router) Inbound() <-chan Inbound { return r.inbound }

// Serve accepts connections until the router is closed. Each connection
// gets a generated client identity and its own read loop; frames read from
// it are tagged with that identity and pushed onto Inbound().
func (r *Router) Serve(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.log.Warn("router accept failed", "err", err)
			continue
		}
		id := uuid.NewString()
		r.mu.Lock()
		r.conns[id] = conn
		r.mu.Unlock()
		go r.readLoop(id, conn)
	}
}

func (r *Router) readLoop(id string, conn net.Conn) {
	defer func() {
		r.mu.Lock()
		delete(r.conns, id)
		r.mu.Unlock()
		conn.Close()
	}()
	for {
		raw, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("router connection closed", "client", id, "err", err)
			}
			return
		}
		select {
		case r.inbound <- Inbound{ClientID: id, Raw: raw}:
		case <-r.done:
			return
		}
	}
}

// Send writes a frame to the identified client. It returns an error at once
// if that client is no longer connected; the write itself has no deadline,
// so a connected client that stops reading can block Send.
func (r *Router) Send(clientID string, raw []byte) error {
	r.mu.Lock()
	conn, ok := r.conns[clientID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("message.Router.Send: unknown client %s", clientID)
	}
	return writeFrame(conn, raw)
}

// Close stops accepting and drops every connection immediately (the
// LINGER=0 equivalent: no attempt is made to flush in-flight writes).
func (r *Router) Close() error {
	close(r.done)
	err := r.listener.Close()
	r.mu.Lock()
	for _, c := range r.conns {
		c.Close()
	}
	r.conns = map[string]net.Conn{}
	r.mu.Unlock()
	return err
}

// PubServer implements the upstream publish channel (§4.1, §6): a broadcast
// fan-out to every connected subscriber, with LINGER=0 semantics (no
// attempt to flush on shutdown) and no high-water-mark throttling. A
// subscriber whose write fails is disconnected; writes have no deadline, so
// a subscriber that stops reading stalls the publisher until its write fails.
type PubServer struct {
	log      *slog.Logger
	listener net.Listener

	mu   sync.Mutex
	subs map[string]net.Conn

	done chan struct{}
}

func NewPubServer(network, addr string, log *slog.Logger) (*PubServer, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("message.NewPubServer: listen %s %s: %w", network, addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &PubServer{
		log:      log,
		listener: l,
		subs:     make(map[string]net.Conn),
		done:     make(chan struct{}),
	}, nil
}

func (p *PubServer) Addr() net.Addr { return p.listener.Addr() }

// Serve accepts subscriber connections and registers them for Send. Bytes a
// subscriber sends are read and discarded (a SUB socket does not talk back);
// the read exists only to notice the disconnect.
func (p *PubServer) Serve(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.log.Warn("pub accept failed", "err", err)
			continue
		}
		id := uuid.NewString()
		p.mu.Lock()
		p.subs[id] = conn
		p.mu.Unlock()
		go func() {
			// Drain until the subscriber disconnects; any read error means
			// it is gone, including a clean close.
			buf := make([]byte, 1)
			for {
				if _, err := conn.Read(buf); err != nil {
					p.mu.Lock()
					delete(p.subs, id)
					p.mu.Unlock()
					conn.Close()
					return
				}
			}
		}()
	}
}

// Send broadcasts raw to every connected subscriber. A write failure just
// drops that subscriber; it never blocks the publish loop on the others.
func (p *PubServer) Send(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.subs {
		if err := writeFrame(conn, raw); err != nil {
			delete(p.subs, id)
			conn.Close()
		}
	}
}

func (p *PubServer) Close() error {
	close(p.done)
	err := p.listener.Close()
	p.mu.Lock()
	for _, c := range p.subs {
		c.Close()
	}
	p.subs = map[string]net.Conn{}
	p.mu.Unlock()
	return err
}
