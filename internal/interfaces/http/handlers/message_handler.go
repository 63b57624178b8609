package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/application/usecase"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
)

// MessageHandler serves the Claude Messages dialect.
type MessageHandler struct {
	executor   *usecase.Executor
	translator translator.Translator
	logger     *zap.Logger
}

// NewMessageHandler creates the handler for /v1/messages.
func NewMessageHandler(executor *usecase.Executor, tr translator.Translator, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		executor:   executor,
		translator: tr,
		logger:     logger.With(zap.String("handler", "messages")),
	}
}

// CreateMessage handles POST /v1/messages. The body's stream flag selects
// between a unary JSON reply and named-event SSE.
func (h *MessageHandler) CreateMessage(c *gin.Context) {
	body, ok := decodeJSONBody(c, h.translator.Dialect())
	if !ok {
		return
	}
	if stream, _ := body["stream"].(bool); stream {
		streamResponse(c, h.executor, h.translator, body, h.logger)
		return
	}
	unaryResponse(c, h.executor, h.translator, body, h.logger)
}

// CountTokens handles POST /v1/messages/count_tokens. The count is a local
// estimate; no upstream call is made.
func (h *MessageHandler) CountTokens(c *gin.Context) {
	body, ok := decodeJSONBody(c, h.translator.Dialect())
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": h.executor.CountTokens(body)})
}
