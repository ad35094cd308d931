package retrieval

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"docuchat_back/documents"
	"docuchat_back/embedding"
	"docuchat_back/vectorindex"
)

const maxQueryLength = 1000

// Module owns the retrieval engine and its HTTP endpoint.
type Module struct {
	db           *gorm.DB
	engine       *Engine
	queryTimeout time.Duration
}

// RegisterRoutes mounts the semantic search endpoint under /search. The
// expander may be nil, which disables the expansion and re-ranking modes.
func RegisterRoutes(router *gin.Engine, expander Expander) (*Module, error) {
	db, err := documents.OpenDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	index, err := vectorindex.NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{
		db:           db,
		engine:       NewEngine(db, embedder, index, expander),
		queryTimeout: queryTimeoutFromEnv(),
	}

	router.POST("/search", module.handleSearch)
	return module, nil
}

// Engine exposes the retrieval engine for other modules.
func (m *Module) Engine() *Engine {
	if m == nil {
		return nil
	}
	return m.engine
}

func queryTimeoutFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("QUERY_TIMEOUT_SECONDS"))
	if raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 30 * time.Second
}

type searchRequest struct {
	Query        string `json:"query"`
	Limit        int    `json:"limit"`
	UseExpansion bool   `json:"use_expansion"`
	UseRerank    bool   `json:"use_rerank"`
}

func (m *Module) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	query, err := documents.SanitizeQuery(req.Query, maxQueryLength)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), m.queryTimeout)
	defer cancel()

	results, err := m.engine.Search(ctx, query, Options{
		Limit:        req.Limit,
		UseExpansion: req.UseExpansion,
		UseRerank:    req.UseRerank,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "search timed out"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	if results == nil {
		results = []Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}
