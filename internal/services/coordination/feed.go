package coordination

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

const writeWait = 10 * time.Second

// Feed pushes hub task events to websocket subscribers. Slow or broken
// connections are dropped, never waited on.
type Feed struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewFeed creates an empty subscriber set.
func NewFeed(log *logger.Logger) *Feed {
	return &Feed{
		conns: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("coordination.feed"),
	}
}

type feedEvent struct {
	Event     string     `json:"event"`
	Task      v1.HubTask `json:"task"`
	Timestamp time.Time  `json:"timestamp"`
}

// Subscribe upgrades the request and registers the connection. Inbound
// frames are read and discarded to keep control frames flowing.
func (f *Feed) Subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conns[conn] = true
	count := len(f.conns)
	f.mu.Unlock()
	f.logger.Debug("subscriber connected", zap.Int("subscribers", count))

	go func() {
		defer f.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

// Publish sends one event to every subscriber.
func (f *Feed) Publish(event string, task v1.HubTask) {
	data, err := json.Marshal(feedEvent{
		Event:     event,
		Task:      task,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		f.logger.Warn("failed to encode event", zap.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(f.conns, conn)
		}
	}
}

// Subscribers returns the current connection count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns[conn] {
		conn.Close()
		delete(f.conns, conn)
	}
}

// Close tears down every subscriber connection.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.Close()
		delete(f.conns, conn)
	}
}
