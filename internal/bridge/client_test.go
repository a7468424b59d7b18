package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func fastOptions() Options {
	return Options{Timeout: time.Second, MaxRetries: 2, RetryBase: time.Millisecond}
}

func knowledgeClient(url string) *Client {
	return New(url, "", "", fastOptions(), logger.NewNop())
}

func hubClient(url string) *Client {
	return New("", "", url, fastOptions(), logger.NewNop())
}

func TestStoreKnowledge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/store_knowledge", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lessons learned", body["content"])

		json.NewEncoder(w).Encode(map[string]any{"id": "k-1"})
	}))
	defer srv.Close()

	id, err := knowledgeClient(srv.URL).StoreKnowledge(context.Background(), "lessons learned", "notes", []string{"build"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "k-1", id)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "k-1"})
	}))
	defer srv.Close()

	id, err := knowledgeClient(srv.URL).StoreKnowledge(context.Background(), "content", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "k-1", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServerErrorAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"detail": "db down"})
	}))
	defer srv.Close()

	_, err := knowledgeClient(srv.URL).StoreKnowledge(context.Background(), "content", "", nil, nil)
	assert.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "db down")
	// One initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer srv.Close()

	_, err := knowledgeClient(srv.URL).SearchKnowledge(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"detail": "no such task"})
	}))
	defer srv.Close()

	err := hubClient(srv.URL).UpdateHubTask(context.Background(), "hub-1", "in_progress", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"detail": "content is required"})
	}))
	defer srv.Close()

	_, err := knowledgeClient(srv.URL).StoreKnowledge(context.Background(), "", "", nil, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Contains(t, err.Error(), "content is required")
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectionRefused(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := knowledgeClient(url).ListKnowledge(context.Background(), 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUnconfiguredService(t *testing.T) {
	c := New("", "", "", fastOptions(), logger.NewNop())
	_, err := c.StoreKnowledge(context.Background(), "content", "", nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.CreateHubTask(context.Background(), v1.HubTask{Title: "demo"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestListHubTasksQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "builder-1", r.URL.Query().Get("assigned_to"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{"tasks": []map[string]any{
			{"task_id": "hub-1", "title": "demo", "status": "pending"},
		}})
	}))
	defer srv.Close()

	tasks, err := hubClient(srv.URL).ListHubTasks(context.Background(), "pending", "builder-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "hub-1", tasks[0].TaskID)
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "service": "knowledge"})
	}))
	defer healthy.Close()

	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "degraded"})
	}))
	defer degraded.Close()

	c := New("", "", "", fastOptions(), logger.NewNop())
	assert.NoError(t, c.Health(context.Background(), healthy.URL))
	assert.ErrorIs(t, c.Health(context.Background(), degraded.URL), ErrServer)
}
