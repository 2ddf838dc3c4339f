// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"hello":"world"}`)))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(got))
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(20*1024*1024))
	buf.Write(lenBuf[:])

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 20*1024*1024))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}
