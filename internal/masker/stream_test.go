// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package masker

import (
	"strings"
	"testing"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingMaskerNeverEmitsSecretAcrossChunkBoundary(t *testing.T) {
	reg := registry.Build(map[string]string{"github-token": fakeToken}, nil)
	m, err := New(reg, defaultSpec())
	require.NoError(t, err)

	sm := NewStreaming(m, 16)

	body := `{"login":"octocat","token":"` + fakeToken + `"}`
	var out strings.Builder
	var anyRedacted bool

	// Split the body into small chunks so the secret straddles multiple chunk boundaries.
	for i := 0; i < len(body); i += 7 {
		end := i + 7
		if end > len(body) {
			end = len(body)
		}
		emitted, redacted := sm.ProcessChunk([]byte(body[i:end]))
		anyRedacted = anyRedacted || redacted
		out.Write(emitted)
	}
	tail, report := sm.Flush()
	out.Write(tail)
	anyRedacted = anyRedacted || report.Redacted

	assert.True(t, anyRedacted)
	assert.NotContains(t, out.String(), fakeToken)
}

func TestStreamingMaskerSmallBodyFullyBufferedUntilFlush(t *testing.T) {
	reg := registry.Build(map[string]string{"github-token": fakeToken}, nil)
	m, err := New(reg, defaultSpec())
	require.NoError(t, err)

	sm := NewStreaming(m, 1024)
	body := `{"login":"octocat","token":"` + fakeToken + `"}`

	emitted, redacted := sm.ProcessChunk([]byte(body))
	assert.Nil(t, emitted)
	assert.False(t, redacted)

	tail, report := sm.Flush()
	assert.True(t, report.Redacted)
	assert.NotContains(t, string(tail), fakeToken)
}

func TestStreamingMaskerDeferredHeuristicFiresAtFlushForSmallBody(t *testing.T) {
	reg := registry.Build(nil, nil)
	m, err := New(reg, defaultSpec())
	require.NoError(t, err)

	sm := NewStreaming(m, 1024)
	body := `{"access_token":"aZ3kf82jDkslP93mZqWe02nLxTq8vRfY"}`
	sm.ProcessChunk([]byte(body))

	_, report := sm.Flush()
	assert.True(t, report.Redacted)
	assert.Contains(t, report.Layers, "L3")
	assert.Contains(t, report.HeuristicKeys, "access_token")
}

func TestStreamingMaskerAccumulatorOverflowSkipsDeferredLayers(t *testing.T) {
	reg := registry.Build(nil, nil)
	m, err := New(reg, defaultSpec())
	require.NoError(t, err)

	sm := NewStreaming(m, 64)
	sm.accumulator = make([]byte, 0)
	sm.overflowed = true // simulate an oversized response without allocating 10MiB in a test

	body := `{"access_token":"aZ3kf82jDkslP93mZqWe02nLxTq8vRfY"}`
	sm.ProcessChunk([]byte(body))
	_, report := sm.Flush()

	assert.Empty(t, report.HeuristicKeys)
}
