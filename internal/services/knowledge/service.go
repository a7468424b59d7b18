// Package knowledge is the reference knowledge-store service: append
// items, search them by case-insensitive substring, list most recent
// first. Records persist as JSONL under the knowledge root so a restart
// loses nothing.
package knowledge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

const storeFile = "knowledge.jsonl"

// Service holds the in-memory index over the JSONL store.
type Service struct {
	mu     sync.RWMutex
	items  []v1.KnowledgeItem
	file   *os.File
	logger *logger.Logger
}

// NewService opens the store under root, replaying any existing records.
func NewService(root string, log *logger.Logger) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge root: %w", err)
	}
	path := filepath.Join(root, storeFile)

	s := &Service{logger: log.WithComponent("knowledge")}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	s.file = f
	s.logger.Info("knowledge store opened",
		zap.String("path", path), zap.Int("items", len(s.items)))
	return s, nil
}

func (s *Service) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var item v1.KnowledgeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			s.logger.Warn("skipping malformed record",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		s.items = append(s.items, item)
	}
	return scanner.Err()
}

// Store appends a new item and returns it with id and timestamp set.
func (s *Service) Store(content, title string, tags []string, metadata map[string]any) (v1.KnowledgeItem, error) {
	item := v1.KnowledgeItem{
		ID:        uuid.New().String(),
		Content:   content,
		Title:     title,
		Tags:      tags,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(item)
	if err != nil {
		return v1.KnowledgeItem{}, fmt.Errorf("encode item: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return v1.KnowledgeItem{}, fmt.Errorf("persist item: %w", err)
	}
	s.items = append(s.items, item)
	return item, nil
}

// Search returns up to limit items whose content, title, or tags contain
// the query, case-insensitive. Insertion order is preserved so adding
// items never removes existing matches.
func (s *Service) Search(query string, limit int) []v1.KnowledgeItem {
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []v1.KnowledgeItem
	for _, item := range s.items {
		if matches(item, needle) {
			out = append(out, item)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func matches(item v1.KnowledgeItem, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(item.Content), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(item.Title), needle) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// List returns up to limit items, most recent first.
func (s *Service) List(limit int) []v1.KnowledgeItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]v1.KnowledgeItem, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		out = append(out, s.items[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of stored items.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close releases the append handle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
