package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/anlsys/nrmd/internal/message"
	"github.com/anlsys/nrmd/pkg/nrmapi"
)

// Client is a single connection to the daemon's upstream RPC or publish
// socket. It reimplements the length-prefixed framing of
// internal/message/transport.go client-side, since that package exposes
// only the server (Router/PubServer) half of the wire protocol.
type Client struct {
	conn net.Conn
}

// Dial connects to addr, which may carry a "tcp://" or "ipc://" prefix
// matching internal/config's socket URL convention.
func Dial(addr string) (*Client, error) {
	network, target := splitAddr(addr)
	conn, err := net.DialTimeout(network, target, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func splitAddr(addr string) (network, target string) {
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		target = strings.TrimPrefix(addr, "tcp://")
		target = strings.Replace(target, "*", "127.0.0.1", 1)
		return "tcp", target
	case strings.HasPrefix(addr, "ipc://"):
		return "unix", strings.TrimPrefix(addr, "ipc://")
	default:
		return "tcp", addr
	}
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) writeFrame(b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(b)
	return err
}

func (c *Client) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Call sends one RPC request and returns its decoded envelope and body.
// A daemon "error" reply is surfaced as a Go error, not as a silent
// nrmapi.ErrorReply the caller has to check for.
func (c *Client) Call(req nrmapi.Message) (nrmapi.Envelope, []byte, error) {
	raw, err := message.Encode(req)
	if err != nil {
		return nrmapi.Envelope{}, nil, err
	}
	if err := c.writeFrame(raw); err != nil {
		return nrmapi.Envelope{}, nil, err
	}
	reply, err := c.readFrame()
	if err != nil {
		return nrmapi.Envelope{}, nil, err
	}
	env, body, err := message.Decode(reply)
	if err != nil {
		return env, nil, err
	}
	if env.Type == "error" {
		var errReply nrmapi.ErrorReply
		if uerr := message.Unmarshal(body, &errReply); uerr == nil {
			return env, body, fmt.Errorf("daemon: %s (errno %d)", errReply.Message, errReply.Errno)
		}
	}
	return env, body, nil
}

// Recv reads one frame without sending anything first, for streaming
// process_start/stdout/stderr/process_exit replies off a "run" connection,
// or publish frames off the publish socket.
func (c *Client) Recv() (nrmapi.Envelope, []byte, error) {
	reply, err := c.readFrame()
	if err != nil {
		return nrmapi.Envelope{}, nil, err
	}
	return message.Decode(reply)
}
