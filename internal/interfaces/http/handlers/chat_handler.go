package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/application/usecase"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
)

// ChatHandler serves the OpenAI Chat Completions dialect.
type ChatHandler struct {
	executor   *usecase.Executor
	translator translator.Translator
	logger     *zap.Logger
}

// NewChatHandler creates the handler for /v1/chat/completions.
func NewChatHandler(executor *usecase.Executor, tr translator.Translator, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		executor:   executor,
		translator: tr,
		logger:     logger.With(zap.String("handler", "chat")),
	}
}

// ChatCompletions handles POST /v1/chat/completions. Streaming replies are
// data-only SSE terminated by data: [DONE].
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
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
