// Package transport delivers messages between agents with at-least-once
// semantics. Two paths implement one interface: a broker-backed queue
// (primary) and an append-only file log (durable fallback). Selection
// happens per call; the fallback keeps the system moving when the broker
// is unreachable.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

var (
	// ErrTransportUnavailable means the broker is unreachable AND the
	// fallback log cannot be written. Fatal to the affected send.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport is the two-operation contract shared by both paths.
// Receive returns (nil, nil) when the timeout elapses with no message.
type Transport interface {
	Send(ctx context.Context, msg *v1.Message) error
	Receive(ctx context.Context, agentID string, timeout time.Duration) (*v1.Message, error)
	Close()
}

// Hybrid tries the broker on each call and transparently falls back to
// the file log. Broker health is cached with a short TTL to avoid
// repeated probes while it is down.
type Hybrid struct {
	broker   Transport
	fallback Transport
	ttl      time.Duration
	logger   *logger.Logger

	mu        sync.Mutex
	downSince time.Time
	probed    bool
}

// NewHybrid combines a broker transport (may be nil when no broker is
// configured) with the mandatory fallback transport.
func NewHybrid(broker, fallback Transport, statusTTL time.Duration, log *logger.Logger) *Hybrid {
	if statusTTL <= 0 {
		statusTTL = 5 * time.Second
	}
	return &Hybrid{
		broker:   broker,
		fallback: fallback,
		ttl:      statusTTL,
		logger:   log.WithComponent("transport"),
	}
}

// brokerEligible reports whether the broker path should be attempted.
func (h *Hybrid) brokerEligible() bool {
	if h.broker == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.probed {
		return true
	}
	return time.Since(h.downSince) >= h.ttl
}

func (h *Hybrid) markBrokerDown(err error) {
	h.mu.Lock()
	first := !h.probed || time.Since(h.downSince) >= h.ttl
	h.downSince = time.Now()
	h.probed = true
	h.mu.Unlock()
	if first {
		h.logger.Warn("broker path failed, using fallback log", zap.Error(err))
	}
}

func (h *Hybrid) markBrokerUp() {
	h.mu.Lock()
	h.probed = false
	h.mu.Unlock()
}

// Send delivers via the broker when reachable, otherwise appends to the
// fallback log. Only when both paths fail does Send return an error.
func (h *Hybrid) Send(ctx context.Context, msg *v1.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if h.brokerEligible() {
		if err := h.broker.Send(ctx, msg); err == nil {
			h.markBrokerUp()
			return nil
		} else {
			h.markBrokerDown(err)
		}
	}
	if err := h.fallback.Send(ctx, msg); err != nil {
		return errors.Join(ErrTransportUnavailable, err)
	}
	return nil
}

// Receive pulls the next message for agentID from whichever path is
// active. An empty broker poll still drains the fallback log, so
// messages a Send diverted there during an outage are delivered after
// the broker recovers. A timeout on both paths yields (nil, nil).
func (h *Hybrid) Receive(ctx context.Context, agentID string, timeout time.Duration) (*v1.Message, error) {
	if h.brokerEligible() {
		msg, err := h.broker.Receive(ctx, agentID, timeout)
		if err != nil {
			h.markBrokerDown(err)
			return h.fallback.Receive(ctx, agentID, timeout)
		}
		h.markBrokerUp()
		if msg != nil {
			return msg, nil
		}
		return h.fallback.Receive(ctx, agentID, 0)
	}
	return h.fallback.Receive(ctx, agentID, timeout)
}

// Close closes both paths.
func (h *Hybrid) Close() {
	if h.broker != nil {
		h.broker.Close()
	}
	h.fallback.Close()
}
