// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
)

// fakeSidecar is a minimal hand-rolled server used only to exercise the Client, independent of
// the real Server implementation.
type fakeSidecar struct {
	ln net.Listener
}

func newFakeSidecar(t *testing.T, respond func(Request) Response) (*fakeSidecar, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "keyhole.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	fs := &fakeSidecar{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					payload, err := ReadFrame(conn)
					if err != nil {
						return
					}
					var req Request
					if err := json.Unmarshal(payload, &req); err != nil {
						continue
					}
					resp := respond(req)
					resp.ID = req.ID
					out, _ := json.Marshal(resp)
					_ = WriteFrame(conn, out)
				}
			}(conn)
		}
	}()
	return fs, sockPath
}

func (fs *fakeSidecar) Close() { fs.ln.Close() }

func TestClientSendRoundTrip(t *testing.T) {
	fs, sockPath := newFakeSidecar(t, func(req Request) Response {
		return Response{Status: 200, Body: "got:" + req.Path}
	})
	defer fs.Close()

	c, err := Dial(sockPath, ott.Token("tok"))
	require.NoError(t, err)
	defer c.Disconnect()

	resp, err := c.Send(context.Background(), Request{Service: "github", Path: "/user"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "got:/user", resp.Body)
}

func TestClientSendCarriesToken(t *testing.T) {
	var gotToken string
	fs, sockPath := newFakeSidecar(t, func(req Request) Response {
		gotToken = req.Token
		return Response{Status: 200}
	})
	defer fs.Close()

	c, err := Dial(sockPath, ott.Token("the-real-token"))
	require.NoError(t, err)
	defer c.Disconnect()

	_, err = c.Send(context.Background(), Request{Service: "github"})
	require.NoError(t, err)
	assert.Equal(t, "the-real-token", gotToken)
}

func TestClientSendContextCancelled(t *testing.T) {
	fs, sockPath := newFakeSidecar(t, func(req Request) Response {
		time.Sleep(500 * time.Millisecond)
		return Response{Status: 200}
	})
	defer fs.Close()

	c, err := Dial(sockPath, ott.Token("tok"))
	require.NoError(t, err)
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Send(ctx, Request{Service: "github"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientDisconnectSuppressesReconnectAndFailsSend(t *testing.T) {
	fs, sockPath := newFakeSidecar(t, func(req Request) Response {
		return Response{Status: 200}
	})
	defer fs.Close()

	c, err := Dial(sockPath, ott.Token("tok"))
	require.NoError(t, err)

	c.Disconnect()

	_, err = c.Send(context.Background(), Request{Service: "github"})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestClientUpdateConnectionSwapsSocketAndToken(t *testing.T) {
	fs1, sockPath1 := newFakeSidecar(t, func(req Request) Response {
		return Response{Status: 200, Body: "old"}
	})
	defer fs1.Close()
	fs2, sockPath2 := newFakeSidecar(t, func(req Request) Response {
		return Response{Status: 200, Body: "new"}
	})
	defer fs2.Close()

	c, err := Dial(sockPath1, ott.Token("old-tok"))
	require.NoError(t, err)
	defer c.Disconnect()

	resp, err := c.Send(context.Background(), Request{Service: "github"})
	require.NoError(t, err)
	assert.Equal(t, "old", resp.Body)

	require.NoError(t, c.UpdateConnection(sockPath2, ott.Token("new-tok")))

	resp, err = c.Send(context.Background(), Request{Service: "github"})
	require.NoError(t, err)
	assert.Equal(t, "new", resp.Body)
}
