// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
)

// ErrDisconnected is returned by Send when the Client has no live connection and reconnection has
// been exhausted or was explicitly suppressed by Disconnect.
var ErrDisconnected = errors.New("ipc: client disconnected")

// ErrRequestTimeout is returned by Send when no Response for the request arrives within
// [constants.DefaultRequestTimeout].
var ErrRequestTimeout = errors.New("ipc: request timed out")

// Client is the agent-side IPC connection to the sidecar. One Client serves any number of
// concurrent Send calls; responses are correlated back to their caller by request id regardless
// of completion order.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	path    string
	token   ott.Token
	pending map[string]chan Response

	// writeMu serializes WriteFrame calls so concurrent Sends never interleave frame bytes.
	writeMu sync.Mutex

	// disconnecting suppresses automatic reconnection while an explicit Disconnect is in
	// progress, so the read loop's close detection doesn't race a fresh Dial.
	disconnecting bool
}

// Dial connects to the sidecar's Unix domain socket at path, authenticating subsequent requests
// with token.
func Dial(path string, token ott.Token) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dialing %s: %w", path, err)
	}
	c := &Client{
		conn:    conn,
		path:    path,
		token:   token,
		pending: make(map[string]chan Response),
	}
	go c.readLoop(conn)
	return c, nil
}

// Send issues req and blocks until the matching Response arrives, ctx is cancelled, or
// [constants.DefaultRequestTimeout] elapses. req.ID and req.Token are overwritten.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()

	c.mu.Lock()
	conn := c.conn
	req.Token = string(c.token)
	if conn == nil {
		c.mu.Unlock()
		return Response{}, ErrDisconnected
	}
	ch := make(chan Response, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		c.forget(req.ID)
		return Response{}, fmt.Errorf("ipc: encoding request: %w", err)
	}
	c.writeMu.Lock()
	err = WriteFrame(conn, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return Response{}, fmt.Errorf("ipc: sending request: %w", err)
	}

	timer := time.NewTimer(constants.DefaultRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.forget(req.ID)
		return Response{}, ErrRequestTimeout
	case <-ctx.Done():
		c.forget(req.ID)
		return Response{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop owns one connection's lifetime. It exits as soon as the connection errors or closes,
// at which point it hands off to reconnect unless Disconnect already claimed the conn.
func (c *Client) readLoop(conn net.Conn) {
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			c.onDisconnect(conn)
			return
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// onDisconnect reacts to conn closing from underneath readLoop. If c.conn no longer points at
// conn, an explicit Disconnect already handled this transition and reconnection must not fire.
func (c *Client) onDisconnect(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan Response)
	disconnecting := c.disconnecting
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Response{Error: ErrDisconnected.Error()}
	}

	if disconnecting {
		return
	}
	go c.reconnect()
}

// reconnect retries dialing c.path up to [constants.MaxReconnectAttempts] times, with a delay
// that scales linearly with the attempt number. Exhaustion leaves the Client with no connection;
// subsequent Send calls return ErrDisconnected until UpdateConnection is called.
func (c *Client) reconnect() {
	_ = retry.Do(
		func() error {
			conn, err := net.Dial("unix", c.path)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			go c.readLoop(conn)
			return nil
		},
		retry.Attempts(constants.MaxReconnectAttempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return constants.ReconnectBaseDelay * time.Duration(n+1)
		}),
	)
}

// Disconnect closes the Client's connection and suppresses automatic reconnection. It nulls the
// connection reference before closing it so the read loop's close handler sees a mismatched conn
// and does not trigger reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.disconnecting = true
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// UpdateConnection swaps the Client onto a new socket path and token, used after a supervised
// sidecar restart hands the agent a fresh handle. Any previous connection is torn down first.
func (c *Client) UpdateConnection(path string, token ott.Token) error {
	c.Disconnect()

	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("ipc: dialing %s: %w", path, err)
	}

	c.mu.Lock()
	c.path = path
	c.token = token
	c.conn = conn
	c.disconnecting = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}
