// Package vector is the reference document-search service. The matcher
// is deliberately simple: a title hit scores 0.8, a content hit 0.5,
// results sorted descending. The wire contract stays stable if a richer
// matcher replaces it.
package vector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

const (
	storeFile    = "documents.jsonl"
	titleScore   = 0.8
	contentScore = 0.5
)

// Service holds the in-memory collection over the JSONL store.
type Service struct {
	mu     sync.RWMutex
	docs   []v1.Document
	file   *os.File
	logger *logger.Logger
}

// NewService opens the document store under dir, replaying existing
// records.
func NewService(dir string, log *logger.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	path := filepath.Join(dir, storeFile)

	s := &Service{logger: log.WithComponent("vector")}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	s.file = f
	s.logger.Info("document store opened",
		zap.String("path", path), zap.Int("documents", len(s.docs)))
	return s, nil
}

func (s *Service) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open document store: %w", err)
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
		var doc v1.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			s.logger.Warn("skipping malformed record",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		s.docs = append(s.docs, doc)
	}
	return scanner.Err()
}

// Store appends a document and returns it with id and timestamp set.
func (s *Service) Store(content, title string, metadata map[string]any) (v1.Document, error) {
	doc := v1.Document{
		ID:        uuid.New().String(),
		Content:   content,
		Title:     title,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(doc)
	if err != nil {
		return v1.Document{}, fmt.Errorf("encode document: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return v1.Document{}, fmt.Errorf("persist document: %w", err)
	}
	s.docs = append(s.docs, doc)
	return doc, nil
}

// Search returns scored documents matching the query, best first. Ties
// keep insertion order so results are deterministic.
func (s *Service) Search(query string, limit int) []v1.Document {
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []v1.Document
	for _, doc := range s.docs {
		score := 0.0
		if needle != "" {
			if strings.Contains(strings.ToLower(doc.Title), needle) {
				score += titleScore
			}
			if strings.Contains(strings.ToLower(doc.Content), needle) {
				score += contentScore
			}
		}
		if score > 0 {
			scored := doc
			scored.Score = score
			out = append(out, scored)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// List returns up to limit documents, most recent first.
func (s *Service) List(limit int) []v1.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]v1.Document, 0, len(s.docs))
	for i := len(s.docs) - 1; i >= 0; i-- {
		out = append(out, s.docs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of stored documents.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
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
