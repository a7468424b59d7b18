package knowledge

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

type storeRequest struct {
	Content  string         `json:"content" binding:"required"`
	Title    string         `json:"title"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// NewRouter builds the HTTP surface over the store.
func NewRouter(svc *Service, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "knowledge"))
	router.Use(httpmw.OtelTracing("knowledge"))
	router.Use(httpmw.CORS())

	router.POST("/store_knowledge", func(c *gin.Context) {
		var req storeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		item, err := svc.Store(req.Content, req.Title, req.Tags, req.Metadata)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": item.ID})
	})

	router.POST("/search_knowledge", func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		results := svc.Search(req.Query, req.Limit)
		if results == nil {
			results = []v1.KnowledgeItem{}
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
	})

	router.GET("/list_knowledge", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		items := svc.List(limit)
		c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "knowledge", "items": svc.Len()})
	})

	return router
}
