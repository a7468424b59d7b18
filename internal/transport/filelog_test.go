package transport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func newTestFileLog(t *testing.T) (*FileLog, string) {
	t.Helper()
	dir := t.TempDir()
	fl, err := NewFileLog(filepath.Join(dir, "messages.log"), filepath.Join(dir, "cursors"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(fl.Close)
	return fl, dir
}

func TestFileLogRoundTrip(t *testing.T) {
	fl, _ := newTestFileLog(t)
	ctx := context.Background()

	sent := v1.NewMessage("alice", "bob", v1.IntentRequest, "task-1", map[string]any{"type": "ping"})
	require.NoError(t, fl.Send(ctx, sent))

	got, err := fl.Receive(ctx, "bob", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent.MessageID, got.MessageID)
	assert.Equal(t, sent.SenderID, got.SenderID)
	assert.Equal(t, v1.IntentRequest, got.Intent)
	assert.Equal(t, "ping", got.PayloadType())
}

func TestFileLogFIFOPerSender(t *testing.T) {
	fl, _ := newTestFileLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := v1.NewMessage("alice", "bob", v1.IntentInform, "task-1", map[string]any{"seq": i})
		require.NoError(t, fl.Send(ctx, msg))
	}
	for i := 0; i < 5; i++ {
		got, err := fl.Receive(ctx, "bob", time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.EqualValues(t, i, got.Payload["seq"])
	}
}

func TestFileLogTimeoutReturnsNil(t *testing.T) {
	fl, _ := newTestFileLog(t)

	start := time.Now()
	got, err := fl.Receive(context.Background(), "bob", 150*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestFileLogBroadcast(t *testing.T) {
	fl, _ := newTestFileLog(t)
	ctx := context.Background()

	msg := v1.NewMessage("alice", v1.BroadcastRecipient, v1.IntentInform, "system", map[string]any{"type": "agent_online"})
	require.NoError(t, fl.Send(ctx, msg))

	t.Run("other agents receive it", func(t *testing.T) {
		got, err := fl.Receive(ctx, "bob", time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, msg.MessageID, got.MessageID)
	})

	t.Run("sender does not receive its own broadcast", func(t *testing.T) {
		got, err := fl.Receive(ctx, "alice", 150*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestFileLogCursorResume(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "messages.log")
	cursorDir := filepath.Join(dir, "cursors")
	ctx := context.Background()

	fl, err := NewFileLog(logPath, cursorDir, logger.NewNop())
	require.NoError(t, err)

	first := v1.NewMessage("alice", "bob", v1.IntentInform, "t", map[string]any{"n": 1})
	second := v1.NewMessage("alice", "bob", v1.IntentInform, "t", map[string]any{"n": 2})
	require.NoError(t, fl.Send(ctx, first))
	require.NoError(t, fl.Send(ctx, second))

	got, err := fl.Receive(ctx, "bob", time.Second)
	require.NoError(t, err)
	require.Equal(t, first.MessageID, got.MessageID)
	fl.Close()

	// A fresh instance resumes from the persisted cursor.
	fl2, err := NewFileLog(logPath, cursorDir, logger.NewNop())
	require.NoError(t, err)
	defer fl2.Close()

	got, err = fl2.Receive(ctx, "bob", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.MessageID, got.MessageID)
}

func TestFileLogSkipsMalformedLines(t *testing.T) {
	fl, dir := newTestFileLog(t)
	ctx := context.Background()

	f, err := os.OpenFile(filepath.Join(dir, "messages.log"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	valid := v1.NewMessage("alice", "bob", v1.IntentInform, "t", nil)
	require.NoError(t, fl.Send(ctx, valid))

	got, err := fl.Receive(ctx, "bob", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, valid.MessageID, got.MessageID)
}

func TestFileLogOtherRecipientsSkipped(t *testing.T) {
	fl, _ := newTestFileLog(t)
	ctx := context.Background()

	forCarol := v1.NewMessage("alice", "carol", v1.IntentInform, "t", nil)
	forBob := v1.NewMessage("alice", "bob", v1.IntentInform, "t", nil)
	require.NoError(t, fl.Send(ctx, forCarol))
	require.NoError(t, fl.Send(ctx, forBob))

	got, err := fl.Receive(ctx, "bob", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, forBob.MessageID, got.MessageID)

	// Carol still sees her message despite bob scanning past it.
	got, err = fl.Receive(ctx, "carol", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, forCarol.MessageID, got.MessageID)
}

func TestFileLogCursorTracksByteOffset(t *testing.T) {
	fl, dir := newTestFileLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := v1.NewMessage("alice", "bob", v1.IntentInform, "t", map[string]any{"n": i})
		require.NoError(t, fl.Send(ctx, msg))
	}
	for i := 0; i < 3; i++ {
		got, err := fl.Receive(ctx, "bob", time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
	}

	// After draining, the persisted cursor sits at the end of the log,
	// so the next scan seeks straight to EOF.
	info, err := os.Stat(filepath.Join(dir, "messages.log"))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "cursors", "bob.json"))
	require.NoError(t, err)
	var cf cursorFile
	require.NoError(t, json.Unmarshal(data, &cf))
	assert.Equal(t, info.Size(), cf.Position)
}

func TestFileLogIgnoresPartialTrailingLine(t *testing.T) {
	fl, dir := newTestFileLog(t)
	ctx := context.Background()
	logPath := filepath.Join(dir, "messages.log")

	msg := v1.NewMessage("alice", "bob", v1.IntentInform, "t", nil)
	data, err := msg.Encode()
	require.NoError(t, err)
	half := len(data) / 2

	appendRaw := func(chunk []byte) {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write(chunk)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	// A half-written line is not delivered and the cursor stays put.
	appendRaw(data[:half])
	got, err := fl.Receive(ctx, "bob", 150*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Once the rest of the line lands, delivery proceeds.
	appendRaw(append(data[half:], '\n'))
	got, err = fl.Receive(ctx, "bob", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.MessageID, got.MessageID)
}

func TestFileLogRejectsInvalidMessage(t *testing.T) {
	fl, _ := newTestFileLog(t)
	err := fl.Send(context.Background(), &v1.Message{MessageID: "x"})
	require.Error(t, err)
}

func TestFileLogClosed(t *testing.T) {
	fl, _ := newTestFileLog(t)
	fl.Close()

	err := fl.Send(context.Background(), v1.NewMessage("a", "b", v1.IntentAck, "t", nil))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = fl.Receive(context.Background(), "b", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
