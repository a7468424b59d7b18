// Package runtime owns the per-agent event loop: pull messages,
// deduplicate, dispatch to intent handlers, emit acknowledgements and
// errors. Agents are built by composition: a Behavior supplies lifecycle
// hooks and registers one handler per intent it cares about; everything
// else is log-and-drop.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/transport"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// maxConsecutiveReceiveFailures bounds how long the loop tolerates a
// persistently unavailable transport before exiting the agent.
const maxConsecutiveReceiveFailures = 5

// HandlerFunc processes one delivered message. A returned error becomes
// an ERROR message back to the sender; the loop itself never crashes on
// handler errors.
type HandlerFunc func(ctx context.Context, msg *v1.Message) error

// Behavior supplies the role-specific parts of an agent. Initialize runs
// to completion before the loop starts; Cleanup runs to completion (within
// the shutdown grace) after it exits.
type Behavior interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	OnIdle(ctx context.Context) error
}

// Options tunes the event loop.
type Options struct {
	ReceiveTimeout time.Duration // default 5s
	IdleThreshold  int           // receives without a message before OnIdle; default 10
	DedupSize      int           // LRU capacity; default 10000
	ShutdownGrace  time.Duration // cleanup budget; default 10s
}

func (o *Options) fill() {
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = 5 * time.Second
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 10
	}
	if o.DedupSize <= 0 {
		o.DedupSize = 10000
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
}

// Runtime is one agent's event loop over the transport.
type Runtime struct {
	agentID      string
	role         v1.AgentRole
	capabilities []string
	tr           transport.Transport
	behavior     Behavior
	handlers     map[v1.MessageIntent]HandlerFunc
	dedup        *dedupSet
	opts         Options
	logger       *logger.Logger
}

// New creates a runtime for one agent. Handlers are registered afterwards
// via Handle, before Run.
func New(agentID string, role v1.AgentRole, capabilities []string, tr transport.Transport, behavior Behavior, opts Options, log *logger.Logger) *Runtime {
	opts.fill()
	return &Runtime{
		agentID:      agentID,
		role:         role,
		capabilities: capabilities,
		tr:           tr,
		behavior:     behavior,
		handlers:     make(map[v1.MessageIntent]HandlerFunc),
		dedup:        newDedupSet(opts.DedupSize),
		opts:         opts,
		logger:       log.WithComponent("runtime").WithAgentID(agentID),
	}
}

// Handle registers the handler for an intent, replacing any previous one.
func (r *Runtime) Handle(intent v1.MessageIntent, fn HandlerFunc) {
	r.handlers[intent] = fn
}

// AgentID returns the agent's identity.
func (r *Runtime) AgentID() string { return r.agentID }

// Role returns the agent's configured role.
func (r *Runtime) Role() v1.AgentRole { return r.role }

// Send emits a message through the transport.
func (r *Runtime) Send(ctx context.Context, msg *v1.Message) error {
	return r.tr.Send(ctx, msg)
}

// BroadcastStatus emits a REPORT_STATUS broadcast for a task transition.
// Role handlers call this at every state change.
func (r *Runtime) BroadcastStatus(ctx context.Context, taskID, state, detail string) error {
	msg := v1.NewMessage(r.agentID, v1.BroadcastRecipient, v1.IntentReportStatus, taskID, map[string]any{
		"type":   v1.PayloadTaskStatus,
		"state":  state,
		"detail": detail,
	})
	return r.tr.Send(ctx, msg)
}

// announce tells the mesh this agent is online (or offline).
func (r *Runtime) announce(ctx context.Context, payloadType string) error {
	msg := v1.NewMessage(r.agentID, v1.BroadcastRecipient, v1.IntentInform, v1.TaskIDSystem, map[string]any{
		"type":         payloadType,
		"agent_id":     r.agentID,
		"role":         string(r.role),
		"capabilities": r.capabilities,
	})
	return r.tr.Send(ctx, msg)
}

// Run executes the event loop until ctx is cancelled. It returns a
// non-nil error only for unrecoverable conditions (transport persistently
// unavailable, Initialize failure); handler errors never escape the loop.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.behavior.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := r.announce(ctx, v1.PayloadAgentOnline); err != nil {
		r.cleanup()
		return fmt.Errorf("announce online: %w", err)
	}
	r.logger.Info("agent online", zap.String("role", string(r.role)))

	idleCount := 0
	receiveFailures := 0
	var loopErr error

	for {
		if ctx.Err() != nil {
			break
		}
		msg, err := r.tr.Receive(ctx, r.agentID, r.opts.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			receiveFailures++
			r.logger.Warn("receive failed", zap.Error(err), zap.Int("consecutive", receiveFailures))
			if receiveFailures >= maxConsecutiveReceiveFailures {
				loopErr = fmt.Errorf("transport unavailable: %w", err)
				break
			}
			continue
		}
		receiveFailures = 0

		if msg == nil {
			idleCount++
			if idleCount >= r.opts.IdleThreshold {
				idleCount = 0
				if err := r.behavior.OnIdle(ctx); err != nil {
					r.logger.Warn("on_idle failed", zap.Error(err))
				}
			}
			continue
		}
		idleCount = 0
		r.deliver(ctx, msg)
	}

	r.shutdown()
	return loopErr
}

// deliver runs the dedup check, dispatches, and emits ACK or ERROR.
func (r *Runtime) deliver(ctx context.Context, msg *v1.Message) {
	if r.dedup.Seen(msg.MessageID) {
		r.logger.Debug("dropping duplicate message",
			zap.String("message_id", msg.MessageID),
			zap.String("intent", string(msg.Intent)))
		return
	}

	handler, ok := r.handlers[msg.Intent]
	if !ok {
		r.logger.Debug("no handler for intent, dropping",
			zap.String("intent", string(msg.Intent)),
			zap.String("payload_type", msg.PayloadType()),
			zap.String("sender", msg.SenderID))
		return
	}

	if err := handler(ctx, msg); err != nil {
		r.logger.Error("handler failed",
			zap.String("intent", string(msg.Intent)),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		r.sendError(ctx, msg, err)
		return
	}

	// ACKing an ACK would ping-pong between runtimes forever.
	if !msg.IsBroadcast() && msg.Intent != v1.IntentAck {
		ack := v1.NewMessage(r.agentID, msg.SenderID, v1.IntentAck, msg.TaskID, map[string]any{
			"message_id": msg.MessageID,
		})
		if err := r.tr.Send(ctx, ack); err != nil {
			r.logger.Warn("failed to send ack", zap.Error(err))
		}
	}
}

func (r *Runtime) sendError(ctx context.Context, cause *v1.Message, herr error) {
	em := v1.NewMessage(r.agentID, cause.SenderID, v1.IntentError, cause.TaskID, map[string]any{
		"type":       v1.PayloadError,
		"error":      herr.Error(),
		"message_id": cause.MessageID,
	})
	if err := r.tr.Send(ctx, em); err != nil {
		r.logger.Error("failed to send error message", zap.Error(err))
	}
}

// shutdown announces offline and runs Cleanup within the grace budget.
// Both use a fresh context: the loop context is already cancelled.
func (r *Runtime) shutdown() {
	graceCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownGrace)
	defer cancel()
	if err := r.announce(graceCtx, v1.PayloadAgentOffline); err != nil {
		r.logger.Warn("announce offline failed", zap.Error(err))
	}
	r.cleanup()
	r.logger.Info("agent offline")
}

func (r *Runtime) cleanup() {
	graceCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownGrace)
	defer cancel()
	if err := r.behavior.Cleanup(graceCtx); err != nil {
		r.logger.Warn("cleanup failed", zap.Error(err))
	}
}

// NopBehavior is a Behavior with no-op lifecycle hooks, embeddable by
// agents that only need handlers.
type NopBehavior struct{}

func (NopBehavior) Initialize(ctx context.Context) error { return nil }
func (NopBehavior) Cleanup(ctx context.Context) error    { return nil }
func (NopBehavior) OnIdle(ctx context.Context) error     { return nil }
