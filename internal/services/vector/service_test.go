package vector

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestSearchScoring(t *testing.T) {
	svc := newTestService(t)

	both, err := svc.Store("the gopher guide", "gopher handbook", nil)
	require.NoError(t, err)
	titleOnly, err := svc.Store("unrelated body", "gopher tricks", nil)
	require.NoError(t, err)
	contentOnly, err := svc.Store("a wild gopher appears", "fauna", nil)
	require.NoError(t, err)
	_, err = svc.Store("nothing relevant", "misc", nil)
	require.NoError(t, err)

	results := svc.Search("gopher", 0)
	require.Len(t, results, 3)

	// Title and content together outrank title alone, which outranks
	// content alone.
	assert.Equal(t, both.ID, results[0].ID)
	assert.InDelta(t, 1.3, results[0].Score, 1e-9)
	assert.Equal(t, titleOnly.ID, results[1].ID)
	assert.InDelta(t, 0.8, results[1].Score, 1e-9)
	assert.Equal(t, contentOnly.ID, results[2].ID)
	assert.InDelta(t, 0.5, results[2].Score, 1e-9)
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	svc := newTestService(t)
	first, err := svc.Store("same match", "", nil)
	require.NoError(t, err)
	second, err := svc.Store("same match", "", nil)
	require.NoError(t, err)

	results := svc.Search("match", 0)
	require.Len(t, results, 2)
	assert.Equal(t, first.ID, results[0].ID)
	assert.Equal(t, second.ID, results[1].ID)
}

func TestSearchEmptyQueryMatchesNothing(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Store("content", "title", nil)
	require.NoError(t, err)
	assert.Empty(t, svc.Search("", 0))
}

func TestSearchLimit(t *testing.T) {
	svc := newTestService(t)
	for i := 0; i < 4; i++ {
		_, err := svc.Store("repeated term", "", nil)
		require.NoError(t, err)
	}
	assert.Len(t, svc.Search("repeated", 2), 2)
}

func TestReplayAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir, logger.NewNop())
	require.NoError(t, err)
	stored, err := svc.Store("durable document", "memo", map[string]any{"origin": "test"})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	reopened, err := NewService(dir, logger.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 1, reopened.Len())
	results := reopened.Search("durable", 0)
	require.Len(t, results, 1)
	assert.Equal(t, stored.ID, results[0].ID)
}

func TestSearchEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	router := NewRouter(svc, logger.NewNop())

	_, err := svc.Store("endpoint document", "memo", nil)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"query": "endpoint"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/search_knowledge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []map[string]any `json:"results"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0.5, resp.Results[0]["score"])
}

func TestVectorHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	router := NewRouter(svc, logger.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "vector", resp["service"])
}
