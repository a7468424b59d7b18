package coordination

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), nil, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestHubTaskLifecycle(t *testing.T) {
	svc := newTestService(t)

	created, err := svc.Create("ship the release", "cut and tag", "builder-1", "high", "build")
	require.NoError(t, err)
	assert.NotEmpty(t, created.TaskID)
	assert.Equal(t, v1.HubTaskPending, created.Status)

	updated, err := svc.Update(created.TaskID, v1.HubTaskInProgress, "started")
	require.NoError(t, err)
	assert.Equal(t, v1.HubTaskInProgress, updated.Status)
	assert.Equal(t, []string{"started"}, updated.Notes)

	done, err := svc.Complete(created.TaskID, map[string]any{"build_path": "/shared/builds/b.json"})
	require.NoError(t, err)
	assert.Equal(t, v1.HubTaskCompleted, done.Status)
	assert.Equal(t, "/shared/builds/b.json", done.Result["build_path"])

	got, err := svc.Get(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.HubTaskCompleted, got.Status)
}

func TestUpdateUnknownTask(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Update("nope", v1.HubTaskInProgress, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = svc.Complete("nope", nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = svc.Get("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestListFiltersAndOrder(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.Create("a", "", "builder-1", "", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := svc.Create("b", "", "builder-2", "", "")
	require.NoError(t, err)
	_, err = svc.Update(a.TaskID, v1.HubTaskInProgress, "")
	require.NoError(t, err)

	all := svc.List("", "", 0)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, b.TaskID, all[0].TaskID)

	inProgress := svc.List("in_progress", "", 0)
	require.Len(t, inProgress, 1)
	assert.Equal(t, a.TaskID, inProgress[0].TaskID)

	byAssignee := svc.List("", "builder-2", 0)
	require.Len(t, byAssignee, 1)
	assert.Equal(t, b.TaskID, byAssignee[0].TaskID)

	assert.Len(t, svc.List("", "", 1), 1)
}

func TestJournalReplayLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir, nil, logger.NewNop())
	require.NoError(t, err)

	created, err := svc.Create("persistent", "", "", "", "")
	require.NoError(t, err)
	_, err = svc.Update(created.TaskID, v1.HubTaskInProgress, "first note")
	require.NoError(t, err)
	_, err = svc.Complete(created.TaskID, map[string]any{"ok": true})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// Three journal lines, one task, final status wins.
	reopened, err := NewService(dir, nil, logger.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Len())
	got, err := reopened.Get(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.HubTaskCompleted, got.Status)
	assert.Equal(t, []string{"first note"}, got.Notes)
}

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	return NewRouter(svc, NewFeed(logger.NewNop()), logger.NewNop()), svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateTaskEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/create_task", map[string]any{
		"title":    "hub record",
		"priority": "high",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, 1, svc.Len())

	// Title is mandatory.
	w = doJSON(t, router, http.MethodPost, "/create_task", map[string]any{"priority": "low"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateTaskEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create("record", "", "", "", "")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPut, "/tasks/"+created.TaskID, map[string]any{
		"status": "in_progress",
		"data":   map[string]any{"note": "halfway"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := svc.Get(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.HubTaskInProgress, got.Status)
	assert.Equal(t, []string{"halfway"}, got.Notes)

	w = doJSON(t, router, http.MethodPut, "/tasks/missing", map[string]any{"status": "failed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompleteTaskEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create("record", "", "", "", "")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/complete_task", map[string]any{
		"task_id": created.TaskID,
		"result":  map[string]any{"passed": true},
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := svc.Get(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.HubTaskCompleted, got.Status)

	w = doJSON(t, router, http.MethodPost, "/complete_task", map[string]any{"task_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTaskEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create("record", "desc", "", "", "")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got v1.HubTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.TaskID, got.TaskID)
	assert.Equal(t, "desc", got.Description)

	w = doJSON(t, router, http.MethodGet, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCoordinationHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "coordination", resp["service"])
}
