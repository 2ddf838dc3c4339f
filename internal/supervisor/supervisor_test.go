// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package supervisor

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/bootstrap"
)

// childPipe wires a ParentWriter/ChildReader pair entirely in-process, standing in for a spawned
// child's stdin/stdout without ever calling os/exec.
type childPipe struct {
	writer    *bootstrap.ParentWriter
	sentLines chan bootstrap.ParentMessage

	reader  *bootstrap.ChildReader
	replies *io.PipeWriter
}

func newChildPipe(t *testing.T) *childPipe {
	t.Helper()

	sentR, sentW := io.Pipe()
	sent := make(chan bootstrap.ParentMessage, 8)
	go func() {
		reader := bootstrap.NewParentReader(sentR)
		for {
			msg, err := reader.Next()
			if err != nil {
				close(sent)
				return
			}
			sent <- msg
		}
	}()

	repliesR, repliesW := io.Pipe()

	return &childPipe{
		writer:    bootstrap.NewParentWriter(sentW),
		sentLines: sent,
		reader:    bootstrap.NewChildReader(repliesR),
		replies:   repliesW,
	}
}

func (c *childPipe) reply(msg bootstrap.ChildMessage) {
	w := bootstrap.NewChildWriter(c.replies)
	if msg.Type == bootstrap.TypeUnlocked {
		_ = w.Unlocked()
		return
	}
	if msg.Type == bootstrap.TypeError {
		_ = w.Error(msg.Message)
		return
	}
	_ = w.Ready(msg.SocketPath, msg.State)
}

func TestUnlockInteractiveRetriesOnWrongPassphrase(t *testing.T) {
	pipe := newChildPipe(t)
	defer pipe.replies.Close()

	attempts := []string{"wrong", "correct"}
	call := 0
	prompt := func(context.Context) (string, error) {
		p := attempts[call]
		call++
		return p, nil
	}

	go func() {
		<-pipe.sentLines // first unlock attempt
		pipe.reply(bootstrap.ChildMessage{Type: bootstrap.TypeError, Message: "invalid passphrase or corrupted vault"})
		<-pipe.sentLines // second unlock attempt
		pipe.reply(bootstrap.ChildMessage{Type: bootstrap.TypeUnlocked})
	}()

	s := &Supervisor{opts: Options{Prompt: prompt, Stderr: io.Discard}}
	err := s.unlockInteractive(context.Background(), pipe.writer, pipe.reader)
	require.NoError(t, err)
	assert.Equal(t, 2, call)
}

func TestUnlockInteractivePropagatesPromptError(t *testing.T) {
	s := &Supervisor{opts: Options{
		Prompt: func(context.Context) (string, error) { return "", context.Canceled },
		Stderr: io.Discard,
	}}

	pipe := newChildPipe(t)
	defer pipe.replies.Close()

	err := s.unlockInteractive(context.Background(), pipe.writer, pipe.reader)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnlockInteractiveRejectsUnexpectedReply(t *testing.T) {
	pipe := newChildPipe(t)
	defer pipe.replies.Close()

	prompt := func(context.Context) (string, error) { return "secret", nil }

	go func() {
		<-pipe.sentLines
		pipe.reply(bootstrap.ChildMessage{Type: bootstrap.TypeReady, SocketPath: "/tmp/x", State: bootstrap.StateReady})
	}()

	s := &Supervisor{opts: Options{Prompt: prompt, Stderr: io.Discard}}
	err := s.unlockInteractive(context.Background(), pipe.writer, pipe.reader)
	assert.Error(t, err)
}

func TestSupervisorShutdownWithNoCurrentChildIsNoop(t *testing.T) {
	s := New(Options{})
	assert.NoError(t, s.Shutdown())
}

func TestDefaultPromptReadsLine(t *testing.T) {
	origStdin := os.Stdin
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdin = r
	defer func() { os.Stdin = origStdin }()

	go func() {
		_, _ = w.Write([]byte("hunter2\n"))
	}()

	text, err := DefaultPrompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", text)
}

func TestDefaultPromptRespectsContextCancellation(t *testing.T) {
	origStdin := os.Stdin
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdin = r
	defer func() {
		os.Stdin = origStdin
		w.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = DefaultPrompt(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
