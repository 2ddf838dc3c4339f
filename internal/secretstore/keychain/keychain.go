// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package keychain implements the OS Keychain Secret Store backend: a thin adapter over the
// platform secret-storage CLI (macOS `security`, Linux `secret-tool`), trading the Encrypted
// Vault's portability for integration with whatever credential manager the host already runs.
// Secret values are passed to the helper binary over stdin, never as a command-line argument,
// so they never appear in a process listing.
package keychain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/secretstore"
)

// service namespaces every entry this adapter writes, so co-located keychain entries from other
// applications are never listed, read, or deleted.
const service = "agent-keyhole"

// runner abstracts process execution so tests can substitute a fake without touching the real
// OS keychain.
type runner interface {
	run(ctx context.Context, stdin string, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	return out.String(), err
}

// Keychain is a [secretstore.Store] backed by the host OS's native credential manager.
// It has no create/unlock step: Set is called directly, and the keychain enforces whatever
// access control the OS already applies to the calling user.
type Keychain struct {
	r runner
}

var _ secretstore.Store = (*Keychain)(nil)

// New returns a Keychain adapter for the current platform.
func New() *Keychain {
	return &Keychain{r: execRunner{}}
}

// Get implements [secretstore.Store].
func (k *Keychain) Get(ctx context.Context, ref string) (string, error) {
	val, err := k.get(ctx, ref)
	if err != nil {
		return "", err
	}
	if val == "" {
		return "", secretstore.ErrNotFound
	}
	return val, nil
}

// Has implements [secretstore.Store].
func (k *Keychain) Has(ctx context.Context, ref string) (bool, error) {
	val, err := k.get(ctx, ref)
	if err != nil {
		return false, err
	}
	return val != "", nil
}

// Set implements [secretstore.Store]. passphrase is ignored: the OS keychain does not re-seal a
// whole-file blob the way the Encrypted Vault does.
func (k *Keychain) Set(ctx context.Context, ref, value string, _ string) error {
	switch runtime.GOOS {
	case "darwin":
		_, err := k.r.run(ctx, value, "security", "add-generic-password",
			"-U", "-s", service, "-a", ref, "-w", value)
		if err != nil {
			return fmt.Errorf("keychain: security add-generic-password: %w", err)
		}
		return nil
	case "linux":
		_, err := k.r.run(ctx, value, "secret-tool", "store",
			"--label", fmt.Sprintf("%s/%s", service, ref),
			"service", service, "account", ref)
		if err != nil {
			return fmt.Errorf("keychain: secret-tool store: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: keychain backend on %s", secretstore.ErrNotSupported, runtime.GOOS)
	}
}

// SetMany implements [secretstore.Store] as a sequence of independent Set calls: the OS keychain
// has no notion of a single atomic multi-entry write.
func (k *Keychain) SetMany(ctx context.Context, entries []secretstore.Entry, passphrase string) error {
	for _, e := range entries {
		if err := k.Set(ctx, e.Ref, e.Value, passphrase); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements [secretstore.Store].
func (k *Keychain) Delete(ctx context.Context, ref string, _ string) error {
	switch runtime.GOOS {
	case "darwin":
		_, err := k.r.run(ctx, "", "security", "delete-generic-password", "-s", service, "-a", ref)
		if err != nil {
			return secretstore.ErrNotFound
		}
		return nil
	case "linux":
		_, err := k.r.run(ctx, "", "secret-tool", "clear", "service", service, "account", ref)
		if err != nil {
			return secretstore.ErrNotFound
		}
		return nil
	default:
		return fmt.Errorf("%w: keychain backend on %s", secretstore.ErrNotSupported, runtime.GOOS)
	}
}

// List implements [secretstore.Store]. The keychain CLIs expose no enumerate-by-service
// primitive, so List is unsupported by this backend.
func (k *Keychain) List(context.Context) ([]string, error) {
	return nil, fmt.Errorf("%w: keychain does not support listing", secretstore.ErrNotSupported)
}

func (k *Keychain) get(ctx context.Context, ref string) (string, error) {
	switch runtime.GOOS {
	case "darwin":
		out, err := k.r.run(ctx, "", "security", "find-generic-password",
			"-s", service, "-a", ref, "-w")
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", nil
			}
			return "", fmt.Errorf("keychain: security find-generic-password: %w", err)
		}
		return strings.TrimRight(out, "\n"), nil
	case "linux":
		out, err := k.r.run(ctx, "", "secret-tool", "lookup", "service", service, "account", ref)
		if err != nil {
			return "", nil
		}
		return strings.TrimRight(out, "\n"), nil
	default:
		return "", fmt.Errorf("%w: keychain backend on %s", secretstore.ErrNotSupported, runtime.GOOS)
	}
}
