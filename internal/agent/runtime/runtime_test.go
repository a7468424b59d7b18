package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// memTransport queues inbound messages for one agent and exposes
// everything the runtime sends.
type memTransport struct {
	mu    sync.Mutex
	inbox []*v1.Message
	sent  chan *v1.Message
}

func newMemTransport() *memTransport {
	return &memTransport{sent: make(chan *v1.Message, 100)}
}

func (m *memTransport) push(msg *v1.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, msg)
}

func (m *memTransport) Send(ctx context.Context, msg *v1.Message) error {
	m.sent <- msg
	return nil
}

func (m *memTransport) Receive(ctx context.Context, agentID string, timeout time.Duration) (*v1.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.inbox) > 0 {
			msg := m.inbox[0]
			m.inbox = m.inbox[1:]
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *memTransport) Close() {}

// waitSent blocks until the transport has emitted a message matching the
// predicate, failing the test after a second.
func waitSent(t *testing.T, tr *memTransport, match func(*v1.Message) bool) *v1.Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-tr.sent:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("expected message was never sent")
			return nil
		}
	}
}

type countingBehavior struct {
	NopBehavior
	mu    sync.Mutex
	idles int
}

func (b *countingBehavior) OnIdle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idles++
	return nil
}

func (b *countingBehavior) idleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idles
}

func testOptions() Options {
	return Options{
		ReceiveTimeout: 10 * time.Millisecond,
		IdleThreshold:  3,
		DedupSize:      10000,
		ShutdownGrace:  time.Second,
	}
}

func startRuntime(t *testing.T, tr *memTransport, behavior Behavior, register func(*Runtime)) (context.CancelFunc, chan error) {
	t.Helper()
	rt := New("worker-1", v1.RoleBuilder, []string{"build"}, tr, behavior, testOptions(), logger.NewNop())
	if register != nil {
		register(rt)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// The loop is up once the online announcement goes out.
	online := waitSent(t, tr, func(m *v1.Message) bool {
		return m.PayloadType() == v1.PayloadAgentOnline
	})
	assert.Equal(t, v1.BroadcastRecipient, online.RecipientID)
	assert.Equal(t, v1.IntentInform, online.Intent)
	return cancel, done
}

func stopRuntime(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeDispatchAndAck(t *testing.T) {
	tr := newMemTransport()
	var handled []*v1.Message
	var mu sync.Mutex

	cancel, done := startRuntime(t, tr, NopBehavior{}, func(rt *Runtime) {
		rt.Handle(v1.IntentRequest, func(ctx context.Context, msg *v1.Message) error {
			mu.Lock()
			handled = append(handled, msg)
			mu.Unlock()
			return nil
		})
	})
	defer stopRuntime(t, cancel, done)

	req := v1.NewMessage("orchestrator", "worker-1", v1.IntentRequest, "task-1", map[string]any{"type": "ping"})
	tr.push(req)

	ack := waitSent(t, tr, func(m *v1.Message) bool { return m.Intent == v1.IntentAck })
	assert.Equal(t, "orchestrator", ack.RecipientID)
	assert.Equal(t, req.MessageID, ack.Payload["message_id"])

	mu.Lock()
	require.Len(t, handled, 1)
	assert.Equal(t, req.MessageID, handled[0].MessageID)
	mu.Unlock()
}

func TestRuntimeDeduplicatesRedelivery(t *testing.T) {
	tr := newMemTransport()
	var count int
	var mu sync.Mutex

	cancel, done := startRuntime(t, tr, NopBehavior{}, func(rt *Runtime) {
		rt.Handle(v1.IntentRequest, func(ctx context.Context, msg *v1.Message) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	})
	defer stopRuntime(t, cancel, done)

	req := v1.NewMessage("orchestrator", "worker-1", v1.IntentRequest, "task-1", map[string]any{"type": "ping"})
	tr.push(req)
	waitSent(t, tr, func(m *v1.Message) bool { return m.Intent == v1.IntentAck })

	// Redeliver the same message id: handled once, acked once.
	tr.push(req)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
	select {
	case m := <-tr.sent:
		t.Fatalf("unexpected message after duplicate: %s %s", m.Intent, m.PayloadType())
	default:
	}
}

func TestRuntimeHandlerErrorEmitsError(t *testing.T) {
	tr := newMemTransport()
	cancel, done := startRuntime(t, tr, NopBehavior{}, func(rt *Runtime) {
		rt.Handle(v1.IntentRequest, func(ctx context.Context, msg *v1.Message) error {
			return errors.New("boom")
		})
	})
	defer stopRuntime(t, cancel, done)

	req := v1.NewMessage("orchestrator", "worker-1", v1.IntentRequest, "task-1", map[string]any{"type": "ping"})
	tr.push(req)

	em := waitSent(t, tr, func(m *v1.Message) bool { return m.Intent == v1.IntentError })
	assert.Equal(t, "orchestrator", em.RecipientID)
	assert.Equal(t, "task-1", em.TaskID)
	assert.Equal(t, "boom", em.PayloadString("error"))
	assert.Equal(t, req.MessageID, em.Payload["message_id"])
}

func TestRuntimeNoAckForBroadcastOrAck(t *testing.T) {
	tr := newMemTransport()
	cancel, done := startRuntime(t, tr, NopBehavior{}, func(rt *Runtime) {
		rt.Handle(v1.IntentInform, func(ctx context.Context, msg *v1.Message) error { return nil })
		rt.Handle(v1.IntentAck, func(ctx context.Context, msg *v1.Message) error { return nil })
	})
	defer stopRuntime(t, cancel, done)

	tr.push(v1.NewMessage("other", v1.BroadcastRecipient, v1.IntentInform, "system", map[string]any{"type": "agent_online"}))
	tr.push(v1.NewMessage("other", "worker-1", v1.IntentAck, "task-1", nil))
	time.Sleep(100 * time.Millisecond)

	select {
	case m := <-tr.sent:
		t.Fatalf("unexpected outgoing message: %s", m.Intent)
	default:
	}
}

func TestRuntimeUnhandledIntentDropped(t *testing.T) {
	tr := newMemTransport()
	cancel, done := startRuntime(t, tr, NopBehavior{}, nil)
	defer stopRuntime(t, cancel, done)

	tr.push(v1.NewMessage("other", "worker-1", v1.IntentPropose, "task-1", nil))
	time.Sleep(100 * time.Millisecond)

	select {
	case m := <-tr.sent:
		t.Fatalf("unexpected outgoing message: %s", m.Intent)
	default:
	}
}

func TestRuntimeIdleHook(t *testing.T) {
	tr := newMemTransport()
	behavior := &countingBehavior{}
	cancel, done := startRuntime(t, tr, behavior, nil)
	defer stopRuntime(t, cancel, done)

	assert.Eventually(t, func() bool { return behavior.idleCount() >= 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestRuntimeOfflineAnnouncementOnShutdown(t *testing.T) {
	tr := newMemTransport()
	cancel, done := startRuntime(t, tr, NopBehavior{}, nil)

	stopRuntime(t, cancel, done)
	offline := waitSent(t, tr, func(m *v1.Message) bool {
		return m.PayloadType() == v1.PayloadAgentOffline
	})
	assert.Equal(t, v1.BroadcastRecipient, offline.RecipientID)
	assert.Equal(t, "worker-1", offline.PayloadString("agent_id"))
}

func TestRuntimeBroadcastStatus(t *testing.T) {
	tr := newMemTransport()
	rt := New("worker-1", v1.RoleBuilder, nil, tr, NopBehavior{}, testOptions(), logger.NewNop())

	require.NoError(t, rt.BroadcastStatus(context.Background(), "task-1", string(v1.TaskStateExecuting), "working"))

	got := waitSent(t, tr, func(m *v1.Message) bool { return m.Intent == v1.IntentReportStatus })
	assert.Equal(t, v1.BroadcastRecipient, got.RecipientID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, v1.PayloadTaskStatus, got.PayloadType())
	assert.Equal(t, string(v1.TaskStateExecuting), got.PayloadString("state"))
	assert.Equal(t, "working", got.PayloadString("detail"))
}
