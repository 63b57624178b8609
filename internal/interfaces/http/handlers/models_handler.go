package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ngoclaw/gravitygate/internal/domain/service"
)

// ModelsHandler lists the advertised model catalog in the shape the caller
// expects, keyed off the User-Agent.
type ModelsHandler struct {
	router  *service.ModelRouter
	created time.Time
}

// NewModelsHandler creates the handler for /v1/models.
func NewModelsHandler(router *service.ModelRouter) *ModelsHandler {
	return &ModelsHandler{
		router:  router,
		created: time.Now(),
	}
}

// claudeModel is one entry of the Messages API model list.
type claudeModel struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
	Type        string `json:"type"`
}

// openaiModel is one entry of the Chat Completions model list.
type openaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels handles GET /v1/models. Claude CLI clients get the Messages
// API shape; everyone else gets the OpenAI list shape.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	catalog := h.router.Catalog()

	if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
		data := make([]claudeModel, 0, len(catalog))
		for _, m := range catalog {
			data = append(data, claudeModel{
				ID:          m.ID,
				DisplayName: m.DisplayName,
				CreatedAt:   h.created.UTC().Format(time.RFC3339),
				Type:        "model",
			})
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
		return
	}

	data := make([]openaiModel, 0, len(catalog))
	for _, m := range catalog {
		data = append(data, openaiModel{
			ID:      m.ID,
			Object:  "model",
			Created: h.created.Unix(),
			OwnedBy: m.OwnedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
