package coordination

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

type createTaskRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	AssignedTo  string `json:"assigned_to"`
	Priority    string `json:"priority"`
	Type        string `json:"type"`
}

type updateTaskRequest struct {
	Status string         `json:"status" binding:"required"`
	Data   map[string]any `json:"data"`
}

type completeTaskRequest struct {
	TaskID string         `json:"task_id" binding:"required"`
	Result map[string]any `json:"result"`
}

// NewRouter builds the HTTP and websocket surface over the hub.
func NewRouter(svc *Service, feed *Feed, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "coordination"))
	router.Use(httpmw.OtelTracing("coordination"))
	router.Use(httpmw.CORS())

	router.POST("/create_task", func(c *gin.Context) {
		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		task, err := svc.Create(req.Title, req.Description, req.AssignedTo, req.Priority, req.Type)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": task.TaskID})
	})

	router.GET("/tasks", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		tasks := svc.List(c.Query("status"), c.Query("assigned_to"), limit)
		if tasks == nil {
			tasks = []v1.HubTask{}
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
	})

	router.GET("/tasks/:id", func(c *gin.Context) {
		task, err := svc.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	})

	router.PUT("/tasks/:id", func(c *gin.Context) {
		var req updateTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		note, _ := req.Data["note"].(string)
		task, err := svc.Update(c.Param("id"), v1.HubTaskStatus(req.Status), note)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	})

	router.POST("/complete_task", func(c *gin.Context) {
		var req completeTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		task, err := svc.Complete(req.TaskID, req.Result)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	})

	router.GET("/ws", func(c *gin.Context) {
		if err := feed.Subscribe(c.Writer, c.Request); err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
		}
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     "coordination",
			"tasks":       svc.Len(),
			"subscribers": feed.Subscribers(),
		})
	})

	return router
}
