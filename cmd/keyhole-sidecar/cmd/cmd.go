// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// package cmd defines the keyhole sidecar's root command.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/audit"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/bootstrap"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ipc"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/logging"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/process"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/secretstore/keychain"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/secretstore/vault"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/sidecar"
)

var (
	logLevel    string
	metricsAddr string
)

// New returns the root command of the keyhole sidecar binary. The sidecar never reads its own
// config file or flags beyond logging and metrics: the operating Config, the domain map, the
// one-time token, and an optional unlock passphrase all arrive over stdin as the first
// [bootstrap.ParentMessage] (§4.8), written by the supervising parent process.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keyhole-sidecar",
		Short:   "keyhole-sidecar intercepts and authenticates outbound credentialed requests on behalf of an agent process.",
		Args:    cobra.NoArgs,
		Version: constants.Version(),
		RunE:    runSidecar,
	}

	cmd.Flags().StringVarP(&logLevel, logging.Flag, logging.FlagShorthand, logging.DefaultFlagValue, logging.FlagInfo)
	cmd.Flags().StringVar(&metricsAddr, "metricsAddr", "", "If set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090). Disabled by default.")

	return cmd
}

func runSidecar(cmd *cobra.Command, _ []string) error {
	bootLog := logging.NewLogger(logLevel)
	bootLog.Info("Starting keyhole sidecar", "version", constants.Version())

	reader := bootstrap.NewParentReader(os.Stdin)
	writer := bootstrap.NewChildWriter(os.Stdout)

	msg, err := reader.Next()
	if err != nil {
		return fmt.Errorf("reading bootstrap message: %w", err)
	}
	if msg.Type != bootstrap.TypeBootstrap {
		return fmt.Errorf("expected a %q message first, got %q", bootstrap.TypeBootstrap, msg.Type)
	}
	if msg.Config == nil {
		return errors.New("bootstrap message carried no config")
	}
	if msg.Config.Logging.Sink == "stdout" {
		return errors.New(`logging sink "stdout" conflicts with the bootstrap control channel`)
	}

	opLog, closer, err := logging.NewFromConfig(msg.Config.Logging)
	if err != nil {
		return fmt.Errorf("configuring operating logger: %w", err)
	}
	defer closer.Close()

	auditLogger := audit.New(opLog)

	var defaultAgent string
	if msg.Agent != nil {
		defaultAgent = *msg.Agent
	}

	sc := sidecar.New(msg.Config, auditLogger, defaultAgent)

	ctx, stopSignals := process.SignalContext(cmd.Context(), os.Interrupt)
	defer stopSignals()

	vaultPath := msg.Config.VaultPath
	switch {
	case vaultPath == "":
		if err := sc.Unlock(ctx, keychain.New()); err != nil {
			_ = writer.Error(err.Error())
			return fmt.Errorf("unlocking from keychain: %w", err)
		}
	case msg.VaultPassphrase != nil:
		if err := unlockVault(ctx, sc, vaultPath, *msg.VaultPassphrase); err != nil {
			_ = writer.Error(err.Error())
			return fmt.Errorf("unlocking at bootstrap: %w", err)
		}
	default:
		if err := vault.EnsureDir(afero.NewOsFs(), vaultPath); err != nil {
			return fmt.Errorf("preparing vault directory: %w", err)
		}
		sc.MarkPendingUnlock()
	}

	socketPath, ln, err := listenSocket(msg.Config.SocketDir)
	if err != nil {
		return fmt.Errorf("opening IPC socket: %w", err)
	}
	defer os.Remove(socketPath)

	ipcServer := ipc.NewServer(ln, ott.Token(msg.OTT), sc)
	ipcServer.OnAuthFailure = func(service string) {
		auditLogger.AuthFailure(service)
		sc.FrameRejected()
	}
	ipcServer.OnMalformed = func(err error) {
		auditLogger.Malformed(err)
		sc.FrameRejected()
	}
	ipcServer.OnConnError = func(err error) {
		auditLogger.ConnError(err)
		sc.FrameRejected()
	}

	var wg sync.WaitGroup

	if metricsAddr != "" {
		metricsLn, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("listening on metrics address %q: %w", metricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(sc.MetricsRegistry(), promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := process.ServeMetricsContext(ctx, metricsServer, metricsLn, opLog.With("component", "metrics")); err != nil {
				opLog.Error("Metrics server exited", "error", err)
			}
		}()
	}

	if err := writer.Ready(socketPath, sc.State().String()); err != nil {
		return fmt.Errorf("writing ready message: %w", err)
	}

	var controlErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		controlErr = runControlLoop(ctx, stopSignals, reader, writer, sc, vaultPath)
	}()

	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = process.ServeIPCContext(ctx, ipcServer, socketPath, opLog.With("component", "ipc"))
	}()

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return controlErr
}

// runControlLoop reads further bootstrap.ParentMessages (unlock/shutdown) until the parent closes
// stdin or ctx is canceled, relaying an Unlocked/Error reply to the parent for every unlock
// attempt and stopping the IPC server via cancel on a clean shutdown or stdin close.
func runControlLoop(ctx context.Context, cancel context.CancelFunc, reader *bootstrap.ParentReader, writer *bootstrap.ChildWriter, sc *sidecar.Sidecar, vaultPath string) error {
	for {
		msg, err := reader.Next()
		if err != nil {
			sc.Shutdown()
			cancel()
			return nil
		}

		switch msg.Type {
		case bootstrap.TypeUnlock:
			if err := unlockVault(ctx, sc, vaultPath, msg.Passphrase); err != nil {
				_ = writer.Error(err.Error())
				continue
			}
			if err := writer.Unlocked(); err != nil {
				return err
			}
		case bootstrap.TypeShutdown:
			sc.Shutdown()
			cancel()
			return nil
		}
	}
}

// unlockVault opens the vault at vaultPath with passphrase and publishes it into sc.
func unlockVault(ctx context.Context, sc *sidecar.Sidecar, vaultPath, passphrase string) error {
	v, err := vault.Unlock(afero.NewOsFs(), vaultPath, passphrase)
	if err != nil {
		return err
	}
	return sc.Unlock(ctx, v)
}

func listenSocket(socketDir string) (string, net.Listener, error) {
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	socketPath := filepath.Join(socketDir, "keyhole.sock")
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return "", nil, err
	}
	if err := os.Chmod(socketPath, constants.SocketFileMode); err != nil {
		ln.Close()
		return "", nil, err
	}
	return socketPath, ln, nil
}
