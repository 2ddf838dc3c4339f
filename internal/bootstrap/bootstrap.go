// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package bootstrap implements the parent/child control channel the sidecar supervisor and the
// sidecar process speak over stdin/stdout: newline-delimited JSON, independent of the IPC socket
// used for proxied requests (§4.8).
package bootstrap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
)

// Sidecar lifecycle states reported in Ready/Unlocked messages.
const (
	StateReady         = "ready"
	StatePendingUnlock = "pending_unlock"
)

// Parent-to-child message types.
const (
	TypeBootstrap = "bootstrap"
	TypeUnlock    = "unlock"
	TypeShutdown  = "shutdown"
)

// Child-to-parent message types.
const (
	TypeReady    = "ready"
	TypeUnlocked = "unlocked"
	TypeError    = "error"
)

// DomainMapping is one entry of the domain→service routing table handed to the child alongside
// Config, and reused by the parent directly when wiring up the agent-side Interceptor (§9 note
// (iii)). PathPrefix is empty for a bare-host entry.
type DomainMapping struct {
	Domain     string `json:"domain"`
	PathPrefix string `json:"path_prefix,omitempty"`
	Service    string `json:"service"`
}

// ParentMessage is one message sent from the supervising parent process to the sidecar child.
// Exactly the fields relevant to Type are populated.
type ParentMessage struct {
	Type string `json:"type"`

	// TypeBootstrap fields.
	OTT             string          `json:"ott,omitempty"`
	Config          *config.Config  `json:"config,omitempty"`
	Domains         []DomainMapping `json:"domains,omitempty"`
	VaultPassphrase *string         `json:"vault_passphrase,omitempty"`
	Agent           *string         `json:"agent,omitempty"`

	// TypeUnlock fields.
	Passphrase string `json:"passphrase,omitempty"`
}

// ChildMessage is one message sent from the sidecar child back to the parent.
type ChildMessage struct {
	Type string `json:"type"`

	// TypeReady / TypeUnlocked fields.
	SocketPath string `json:"socket_path,omitempty"`
	State      string `json:"state,omitempty"`

	// TypeError fields.
	Message string `json:"message,omitempty"`
}

// DeriveDomainMap builds the ordered domain→service table from cfg, for inclusion in a
// TypeBootstrap message. Services are visited in name order for determinism (cfg.Services is a
// Go map and carries no declaration order of its own); each service's Domains are visited in
// their declared slice order.
func DeriveDomainMap(cfg *config.Config) []DomainMapping {
	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []DomainMapping
	for _, name := range names {
		svc := cfg.Services[name]
		for _, d := range svc.Domains {
			out = append(out, DomainMapping{Domain: d.Host, PathPrefix: d.PathPrefix, Service: name})
		}
	}
	return out
}

// ParentWriter encodes ParentMessages as newline-delimited JSON, normally wrapping the child
// process's stdin.
type ParentWriter struct {
	enc *json.Encoder
}

// NewParentWriter returns a ParentWriter writing to w.
func NewParentWriter(w io.Writer) *ParentWriter {
	return &ParentWriter{enc: json.NewEncoder(w)}
}

// Bootstrap sends the initial TypeBootstrap message.
func (p *ParentWriter) Bootstrap(ott string, cfg *config.Config, vaultPassphrase, agent *string) error {
	return p.enc.Encode(ParentMessage{
		Type:            TypeBootstrap,
		OTT:             ott,
		Config:          cfg,
		Domains:         DeriveDomainMap(cfg),
		VaultPassphrase: vaultPassphrase,
		Agent:           agent,
	})
}

// Unlock sends a TypeUnlock message carrying passphrase.
func (p *ParentWriter) Unlock(passphrase string) error {
	return p.enc.Encode(ParentMessage{Type: TypeUnlock, Passphrase: passphrase})
}

// Shutdown sends a TypeShutdown message.
func (p *ParentWriter) Shutdown() error {
	return p.enc.Encode(ParentMessage{Type: TypeShutdown})
}

// ParentReader decodes ParentMessages from a newline-delimited JSON stream, normally the child
// process's own stdin.
type ParentReader struct {
	scanner *bufio.Scanner
}

// NewParentReader returns a ParentReader reading from r.
func NewParentReader(r io.Reader) *ParentReader {
	return &ParentReader{scanner: bufio.NewScanner(r)}
}

// Next blocks for the next ParentMessage. It returns io.EOF once the stream closes.
func (p *ParentReader) Next() (ParentMessage, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return ParentMessage{}, err
		}
		return ParentMessage{}, io.EOF
	}
	var msg ParentMessage
	if err := json.Unmarshal(p.scanner.Bytes(), &msg); err != nil {
		return ParentMessage{}, fmt.Errorf("bootstrap: decoding parent message: %w", err)
	}
	return msg, nil
}

// ChildWriter encodes ChildMessages as newline-delimited JSON, normally wrapping the child
// process's own stdout.
type ChildWriter struct {
	enc *json.Encoder
}

// NewChildWriter returns a ChildWriter writing to w.
func NewChildWriter(w io.Writer) *ChildWriter {
	return &ChildWriter{enc: json.NewEncoder(w)}
}

// Ready sends a TypeReady message.
func (c *ChildWriter) Ready(socketPath, state string) error {
	return c.enc.Encode(ChildMessage{Type: TypeReady, SocketPath: socketPath, State: state})
}

// Unlocked sends a TypeUnlocked message; state is always [StateReady].
func (c *ChildWriter) Unlocked() error {
	return c.enc.Encode(ChildMessage{Type: TypeUnlocked, State: StateReady})
}

// Error sends a TypeError message.
func (c *ChildWriter) Error(message string) error {
	return c.enc.Encode(ChildMessage{Type: TypeError, Message: message})
}

// ChildReader decodes ChildMessages from a newline-delimited JSON stream, normally the child
// process's own stdout as seen by the parent.
type ChildReader struct {
	scanner *bufio.Scanner
}

// NewChildReader returns a ChildReader reading from r.
func NewChildReader(r io.Reader) *ChildReader {
	return &ChildReader{scanner: bufio.NewScanner(r)}
}

// Next blocks for the next ChildMessage. It returns io.EOF once the stream closes.
func (c *ChildReader) Next() (ChildMessage, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return ChildMessage{}, err
		}
		return ChildMessage{}, io.EOF
	}
	var msg ChildMessage
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return ChildMessage{}, fmt.Errorf("bootstrap: decoding child message: %w", err)
	}
	return msg, nil
}
