package vector

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
	Metadata map[string]any `json:"metadata"`
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// NewRouter builds the HTTP surface over the document collection. The
// endpoint names mirror the knowledge service so clients share one shape.
func NewRouter(svc *Service, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "vector"))
	router.Use(httpmw.OtelTracing("vector"))
	router.Use(httpmw.CORS())

	router.POST("/store_knowledge", func(c *gin.Context) {
		var req storeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		doc, err := svc.Store(req.Content, req.Title, req.Metadata)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": doc.ID})
	})

	router.POST("/search_knowledge", func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		results := svc.Search(req.Query, req.Limit)
		if results == nil {
			results = []v1.Document{}
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
	})

	router.GET("/list_knowledge", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		docs := svc.List(limit)
		c.JSON(http.StatusOK, gin.H{"items": docs, "count": len(docs)})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "vector", "documents": svc.Len()})
	})

	return router
}
