package transport

import (
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// FromConfig assembles the hybrid transport: NATS when a broker URL is
// configured, always backed by the shared file log.
func FromConfig(cfg *config.Config, log *logger.Logger) (*Hybrid, error) {
	fallback, err := NewFileLog(cfg.Shared.MessageLog(), cfg.Shared.CursorDir(), log)
	if err != nil {
		return nil, err
	}

	var broker Transport
	if cfg.Broker.URL != "" {
		b, err := NewBroker(cfg.Broker, log)
		if err != nil {
			// Startup proceeds on the fallback path when the broker is
			// unreachable.
			log.WithComponent("transport").Warn("broker unavailable at startup, using fallback only",
				zap.Error(err))
		} else {
			broker = b
		}
	}

	return NewHybrid(broker, fallback, cfg.Broker.StatusTTLDuration(), log), nil
}
