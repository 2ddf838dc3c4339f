// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package process

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/ipc"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type noopHandler struct{}

func (noopHandler) Handle(context.Context, ipc.Request) ipc.Response { return ipc.Response{Status: 200} }

func TestServeIPCContextReturnsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	token, err := ott.Generate()
	require.NoError(t, err)
	srv := ipc.NewServer(ln, token, noopHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeIPCContext(ctx, srv, ln.Addr().String(), testLogger())
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeIPCContext did not return after cancellation")
	}
}

func TestServeMetricsContextShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{Handler: http.NewServeMux()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- ServeMetricsContext(ctx, server, ln, testLogger())
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeMetricsContext did not return after cancellation")
	}
}

func TestSignalContextCancelStopsWatching(t *testing.T) {
	ctx, cancel := SignalContext(context.Background(), os.Interrupt)
	assert.NoError(t, ctx.Err())

	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return; internal goroutine leaked")
	}
}
