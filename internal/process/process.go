// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package process holds small process-lifecycle helpers shared by the sidecar binary: signal
// handling for the interactive passphrase prompt, and context-driven serve loops for the IPC
// socket and the metrics listener.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/ipc"
)

// SignalContext returns a context canceled on the handed signal. The signal is only watched once;
// call the returned cancel function to stop watching early and release the internal goroutine.
// Used for the interactive vault passphrase prompt: a second Ctrl-C while the first is still
// being handled exits immediately with 130 (§5 "Ctrl-C in the passphrase prompt").
func SignalContext(ctx context.Context, sig os.Signal) (context.Context, context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(ctx, sig)
	done := make(chan struct{}, 1)
	stopDone := make(chan struct{}, 1)

	go func() {
		defer func() { stopDone <- struct{}{} }()
		defer stop()
		select {
		case <-sigCtx.Done():
			fmt.Println("\rSignal caught. Press ctrl+c again to terminate the program immediately.")
		case <-done:
		}
	}()

	cancelFunc := func() {
		done <- struct{}{}
		<-stopDone
	}

	return sigCtx, cancelFunc
}

// ServeIPCContext runs srv until ctx is canceled and logs around the lifetime; srv.Serve already
// closes its listener on ctx.Done and returns nil on clean shutdown.
func ServeIPCContext(ctx context.Context, srv *ipc.Server, socketPath string, log *slog.Logger) error {
	log.Info("Listening for agent IPC connections", "socket", socketPath)
	err := srv.Serve(ctx)
	log.Info("IPC server stopped")
	return err
}

// ServeMetricsContext runs an [*http.Server] on listener and shuts it down when ctx is canceled.
// Mirrors the sidecar's IPC serve loop shape, applied to the `/metrics` endpoint.
func ServeMetricsContext(ctx context.Context, server *http.Server, listener net.Listener, log *slog.Logger) error {
	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting metrics server", "endpoint", listener.Addr().String())
		serveErr <- server.Serve(listener)
	}()

	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			log.Info("Shutting down metrics server")
			err = server.Shutdown(context.Background())
		case err = <-serveErr:
		}
	}()

	wg.Wait()
	return err
}
