// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package ipc implements the length-prefixed JSON framing, one-time-token authentication, and
// request/response correlation between the agent-side Interceptor and the sidecar (§4.6).
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
)

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared length exceeds
// [constants.MaxFrameSize]. The caller must destroy the connection; the framing offers no
// recovery for an oversize frame (§4.6).
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r: a 4-byte big-endian length, then that many
// payload bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > constants.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipc: reading %d-byte payload: %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > constants.MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: writing frame payload: %w", err)
	}
	return nil
}
