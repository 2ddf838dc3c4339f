// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
)

// Handler answers one authenticated Request. Implementations must be safe for concurrent use:
// the Server dispatches every Request on its own goroutine so a slow upstream fetch never blocks
// other requests on the same connection.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// Server accepts connections on a Unix domain socket and authenticates every Request against a
// single one-time token, except [constants.HealthService] requests.
type Server struct {
	listener net.Listener
	token    ott.Token
	handler  Handler

	// OnAuthFailure, if set, is called once per rejected Request (wrong or missing token).
	OnAuthFailure func(remoteService string)
	// OnMalformed, if set, is called once per frame that failed to decode as a Request.
	OnMalformed func(err error)
	// OnConnError, if set, is called when a connection's read loop exits due to a socket error
	// rather than a clean close.
	OnConnError func(err error)

	wg sync.WaitGroup
}

// NewServer returns a Server listening on ln, authenticating requests against token and
// dispatching authenticated requests to handler.
func NewServer(ln net.Listener, token ott.Token, handler Handler) *Server {
	return &Server{listener: ln, token: token, handler: handler}
}

// Serve accepts connections until ctx is cancelled or the listener is closed. It returns once
// every in-flight connection's read loop has exited.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads frames from conn until it closes or errors; a decode or auth failure on one
// message never tears down the connection, matching §4.6's "malformed JSON resynchronizes rather
// than kills the connection" behavior. Only an oversize frame or a transport-level read error
// ends the loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				if s.OnConnError != nil {
					s.OnConnError(err)
				}
				return
			}
			if !isCleanClose(err) && s.OnConnError != nil {
				s.OnConnError(err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			if s.OnMalformed != nil {
				s.OnMalformed(err)
			}
			continue
		}

		if req.Service != constants.HealthService && !ott.Equal(s.token, ott.Token(req.Token)) {
			if s.OnAuthFailure != nil {
				s.OnAuthFailure(req.Service)
			}
			resp := Response{ID: req.ID, Status: 403, Error: "Invalid authentication token"}
			writeResponse(conn, &writeMu, resp)
			continue
		}

		go func(req Request) {
			resp := s.handler.Handle(ctx, req)
			resp.ID = req.ID
			writeResponse(conn, &writeMu, resp)
		}(req)
	}
}

func writeResponse(conn net.Conn, mu *sync.Mutex, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	_ = WriteFrame(conn, payload)
}

func isCleanClose(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
