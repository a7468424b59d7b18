package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

const (
	// subjectPrefix namespaces per-recipient queues on the broker.
	subjectPrefix = "agents."
	// broadcastSubject is the well-known queue every agent also drains.
	broadcastSubject = "agents.broadcast"
)

// subjectFor maps a recipient id to its broker subject.
func subjectFor(recipientID string) string {
	if recipientID == v1.BroadcastRecipient {
		return broadcastSubject
	}
	return subjectPrefix + recipientID
}

// Broker implements Transport over NATS. Each recipient id has a named
// subject; Receive drains both the agent's own subject and the broadcast
// subject through one channel, preserving per-subject FIFO order.
type Broker struct {
	conn   *nats.Conn
	logger *logger.Logger

	mu      sync.Mutex
	inboxes map[string]*brokerInbox
	closed  bool
}

type brokerInbox struct {
	ch   chan *nats.Msg
	subs []*nats.Subscription
}

// NewBroker connects to the broker with bounded reconnects and logged
// connection events. An error here makes the caller run fallback-only.
func NewBroker(cfg config.BrokerConfig, log *logger.Logger) (*Broker, error) {
	blog := log.WithComponent("broker")
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				blog.Warn("broker disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			blog.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	blog.Info("connected to broker", zap.String("url", cfg.URL))

	return &Broker{
		conn:    conn,
		logger:  blog,
		inboxes: make(map[string]*brokerInbox),
	}, nil
}

// Send publishes the message on the recipient's subject.
func (b *Broker) Send(ctx context.Context, msg *v1.Message) error {
	if !b.conn.IsConnected() {
		return errors.New("broker not connected")
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.conn.Publish(subjectFor(msg.RecipientID), data); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	if err := b.conn.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// inboxFor lazily subscribes the agent's own subject plus the broadcast
// subject into one channel.
func (b *Broker) inboxFor(agentID string) (*brokerInbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if in, ok := b.inboxes[agentID]; ok {
		return in, nil
	}

	ch := make(chan *nats.Msg, 256)
	in := &brokerInbox{ch: ch}
	for _, subject := range []string{subjectFor(agentID), broadcastSubject} {
		sub, err := b.conn.ChanSubscribe(subject, ch)
		if err != nil {
			for _, s := range in.subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		in.subs = append(in.subs, sub)
	}
	b.inboxes[agentID] = in
	b.logger.Debug("broker inbox ready", zap.String("agent_id", agentID))
	return in, nil
}

// Receive blocks for up to timeout waiting for the next message addressed
// to agentID (or broadcast). Malformed payloads are logged and skipped.
// The agent's own broadcasts are not delivered back to it.
func (b *Broker) Receive(ctx context.Context, agentID string, timeout time.Duration) (*v1.Message, error) {
	if !b.conn.IsConnected() {
		return nil, errors.New("broker not connected")
	}
	in, err := b.inboxFor(agentID)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case raw, ok := <-in.ch:
			if !ok {
				return nil, ErrClosed
			}
			msg, err := v1.DecodeMessage(raw.Data)
			if err != nil {
				b.logger.Warn("dropping malformed broker message",
					zap.String("subject", raw.Subject), zap.Error(err))
				continue
			}
			if msg.IsBroadcast() && msg.SenderID == agentID {
				continue
			}
			return msg, nil
		}
	}
}

// Close drains the connection, processing pending messages first.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	inboxes := b.inboxes
	b.inboxes = make(map[string]*brokerInbox)
	b.mu.Unlock()

	for _, in := range inboxes {
		for _, sub := range in.subs {
			_ = sub.Unsubscribe()
		}
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	b.logger.Info("broker connection closed")
}
