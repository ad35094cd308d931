package chat

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"docuchat_back/documents"
	"docuchat_back/embedding"
)

// Module owns the grounded chat endpoint.
type Module struct {
	orchestrator *Orchestrator
	chatTimeout  time.Duration
}

// RegisterRoutes mounts the grounded question answering endpoint under
// /chat. The service records query analytics; engine and generator come
// from the retrieval and llm modules.
func RegisterRoutes(router *gin.Engine, service *documents.Service, engine Searcher, generator Generator) (*Module, error) {
	if engine == nil {
		return nil, errors.New("chat: retrieval engine is required")
	}
	if generator == nil {
		return nil, errors.New("chat: generator is required")
	}

	module := &Module{
		orchestrator: NewOrchestrator(service, engine, generator),
		chatTimeout:  chatTimeoutFromEnv(),
	}
	router.POST("/chat", module.handleChat)
	return module, nil
}

func chatTimeoutFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("CHAT_TIMEOUT_SECONDS"))
	if raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 120 * time.Second
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func (m *Module) handleChat(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), m.chatTimeout)
	defer cancel()

	answer, err := m.orchestrator.Respond(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoUserMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "chat request timed out"})
		default:
			var perr *embedding.ProviderError
			if errors.As(err, &perr) {
				c.JSON(http.StatusBadGateway, gin.H{"error": "upstream provider error"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "chat request failed"})
		}
		return
	}

	c.JSON(http.StatusOK, answer)
}
