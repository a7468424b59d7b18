package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// pollInterval is how often a blocked Receive re-reads the log while
// waiting for new lines.
const pollInterval = 100 * time.Millisecond

// FileLog implements Transport over a single append-only log file. Every
// message is one JSON line; concurrent appenders rely on O_APPEND
// whole-line writes so lines never interleave. Each agent advances a
// persisted cursor through the log, which makes delivery durable across
// restarts and replayable by rewinding the cursor.
type FileLog struct {
	logPath   string
	cursorDir string
	logger    *logger.Logger

	writeMu sync.Mutex
	file    *os.File

	cursorMu sync.Mutex
	cursors  map[string]int64 // agent id -> byte offset of the next unread line

	closed bool
}

// cursorFile is the JSON shape persisted per agent. Position is a byte
// offset into the log, so a resume seeks instead of re-reading.
type cursorFile struct {
	Position int64 `json:"position"`
}

// NewFileLog opens (creating if needed) the message log and cursor
// directory under the shared dir.
func NewFileLog(logPath, cursorDir string, log *logger.Logger) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cursorDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	return &FileLog{
		logPath:   logPath,
		cursorDir: cursorDir,
		logger:    log.WithComponent("filelog"),
		file:      f,
		cursors:   make(map[string]int64),
	}, nil
}

// Send appends one JSON-encoded message line with fsync durability.
func (fl *FileLog) Send(ctx context.Context, msg *v1.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	line := append(data, '\n')

	fl.writeMu.Lock()
	defer fl.writeMu.Unlock()
	if fl.closed {
		return ErrClosed
	}
	// Single write keeps the line atomic under O_APPEND.
	if _, err := fl.file.Write(line); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := fl.file.Sync(); err != nil {
		return fmt.Errorf("sync message log: %w", err)
	}
	return nil
}

// Receive scans from the agent's cursor for the next message addressed to
// it (or broadcast from another sender), polling until timeout. Malformed
// lines are logged, skipped, and the cursor advances past them.
func (fl *FileLog) Receive(ctx context.Context, agentID string, timeout time.Duration) (*v1.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := fl.scanOnce(agentID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// scanOnce seeks to the agent's byte-offset cursor and reads forward.
// It returns the first deliverable message, or nil when the log is
// exhausted. The cursor is persisted after every advance so a restart
// never reprocesses.
func (fl *FileLog) scanOnce(agentID string) (*v1.Message, error) {
	fl.cursorMu.Lock()
	defer fl.cursorMu.Unlock()
	if fl.closed {
		return nil, ErrClosed
	}

	pos, err := fl.loadCursorLocked(agentID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fl.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	if pos > 0 {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek message log: %w", err)
		}
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	offset := pos
	for {
		raw, rerr := reader.ReadBytes('\n')
		if rerr == io.EOF {
			// A trailing line without its newline is still being
			// appended; leave the cursor in front of it.
			return nil, nil
		}
		if rerr != nil {
			return nil, fmt.Errorf("read message log: %w", rerr)
		}
		offset += int64(len(raw))

		msg, derr := v1.DecodeMessage(bytes.TrimSuffix(raw, []byte("\n")))
		if derr != nil {
			fl.logger.Warn("skipping malformed log line",
				zap.Int64("offset", offset-int64(len(raw))), zap.Error(derr))
			if err := fl.saveCursorLocked(agentID, offset); err != nil {
				return nil, err
			}
			continue
		}
		if !deliverable(msg, agentID) {
			if err := fl.saveCursorLocked(agentID, offset); err != nil {
				return nil, err
			}
			continue
		}
		if err := fl.saveCursorLocked(agentID, offset); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// deliverable reports whether the agent should see this line. Agents do
// not receive their own broadcasts.
func deliverable(msg *v1.Message, agentID string) bool {
	if msg.RecipientID == agentID {
		return true
	}
	return msg.IsBroadcast() && msg.SenderID != agentID
}

func (fl *FileLog) cursorPath(agentID string) string {
	return filepath.Join(fl.cursorDir, agentID+".json")
}

// loadCursorLocked returns the cached cursor, reading the cursor file on
// first use so a restarted agent resumes where it left off.
func (fl *FileLog) loadCursorLocked(agentID string) (int64, error) {
	if pos, ok := fl.cursors[agentID]; ok {
		return pos, nil
	}
	data, err := os.ReadFile(fl.cursorPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			fl.cursors[agentID] = 0
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	var cf cursorFile
	if err := json.Unmarshal(data, &cf); err != nil {
		fl.logger.Warn("resetting corrupt cursor file",
			zap.String("agent_id", agentID), zap.Error(err))
		cf.Position = 0
	}
	if cf.Position < 0 {
		cf.Position = 0
	}
	fl.cursors[agentID] = cf.Position
	return cf.Position, nil
}

// saveCursorLocked persists the cursor atomically (write-tmp-then-rename).
func (fl *FileLog) saveCursorLocked(agentID string, pos int64) error {
	fl.cursors[agentID] = pos
	data, err := json.Marshal(cursorFile{Position: pos})
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	path := fl.cursorPath(agentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}
	return nil
}

// Close closes the append handle. Cursor state is already on disk.
func (fl *FileLog) Close() {
	fl.writeMu.Lock()
	fl.cursorMu.Lock()
	defer fl.cursorMu.Unlock()
	defer fl.writeMu.Unlock()
	if fl.closed {
		return
	}
	fl.closed = true
	_ = fl.file.Close()
}
