package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/application/usecase"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

// decodeJSONBody reads the request body as a generic JSON object. On failure
// it renders a dialect-shaped 400 and reports false.
func decodeJSONBody(c *gin.Context, dialect string) (map[string]any, bool) {
	var body map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		writeDialectError(c, dialect, domainErrors.NewInvalidRequestError("invalid JSON body"))
		return nil, false
	}
	return body, true
}

// unaryResponse runs the request through the executor and writes the
// translated body as-is; the translator already rendered the dialect.
func unaryResponse(c *gin.Context, exec *usecase.Executor, tr translator.Translator, body map[string]any, logger *zap.Logger) {
	out, _, err := exec.ExecuteUnary(c.Request.Context(), tr, body)
	if err != nil {
		logger.Warn("Proxy request failed",
			zap.String("dialect", tr.Dialect()),
			zap.Error(err),
		)
		writeDialectError(c, tr.Dialect(), err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

// streamResponse runs the request as SSE. Headers go out with the first
// frame, so a failure before any frame still gets a proper status code;
// afterwards the error travels in-band as a terminal frame.
func streamResponse(c *gin.Context, exec *usecase.Executor, tr translator.Translator, body map[string]any, logger *zap.Logger) {
	flusher, _ := c.Writer.(http.Flusher)

	emit := func(frame translator.Frame) error {
		if !c.Writer.Written() {
			writeSSEHeaders(c)
		}
		if err := writeFrame(c.Writer, frame); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	_, err := exec.ExecuteStream(c.Request.Context(), tr, body, emit)
	if err == nil {
		return
	}
	logger.Warn("Proxy stream failed",
		zap.String("dialect", tr.Dialect()),
		zap.Error(err),
	)
	if !c.Writer.Written() {
		writeDialectError(c, tr.Dialect(), err)
		return
	}
	writeStreamError(c, tr.Dialect(), err)
	if flusher != nil {
		flusher.Flush()
	}
}

// writeSSEHeaders sets the event-stream headers before the first frame.
func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeFrame renders one SSE frame. Named events carry an event: line;
// data-only frames are bare data: lines.
func writeFrame(w io.Writer, frame translator.Frame) error {
	if frame.Event != "" {
		if _, err := io.WriteString(w, "event: "+frame.Event+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(frame.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}

// writeDialectError renders err in the caller's error envelope with the
// mapped status. Rate limits carry a Retry-After header when known.
func writeDialectError(c *gin.Context, dialect string, err error) {
	appErr, ok := domainErrors.As(err)
	if !ok {
		appErr = domainErrors.NewInternalError("internal server error")
	}
	if appErr.RetryAfter > 0 {
		seconds := int(appErr.RetryAfter / time.Second)
		if appErr.RetryAfter%time.Second > 0 {
			seconds++
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	if dialect == translator.DialectClaude {
		c.JSON(appErr.HTTPStatus(), claudeErrorBody(appErr))
		return
	}
	c.JSON(appErr.HTTPStatus(), openaiErrorBody(appErr))
}

// writeStreamError emits err as a terminal frame on an already-started
// stream; the status line is committed and cannot change.
func writeStreamError(c *gin.Context, dialect string, err error) {
	appErr, ok := domainErrors.As(err)
	if !ok {
		appErr = domainErrors.NewInternalError("internal server error")
	}
	if dialect == translator.DialectClaude {
		data, _ := json.Marshal(claudeErrorBody(appErr))
		_ = writeFrame(c.Writer, translator.Frame{Event: "error", Data: data})
		return
	}
	data, _ := json.Marshal(openaiErrorBody(appErr))
	_ = writeFrame(c.Writer, translator.Frame{Data: data})
}

func claudeErrorBody(appErr *domainErrors.AppError) gin.H {
	return gin.H{
		"type": "error",
		"error": gin.H{
			"type":    claudeErrorType(appErr.Code),
			"message": appErr.Message,
		},
	}
}

func openaiErrorBody(appErr *domainErrors.AppError) gin.H {
	return gin.H{
		"error": gin.H{
			"message": appErr.Message,
			"type":    openaiErrorType(appErr.Code),
			"code":    string(appErr.Code),
		},
	}
}

func claudeErrorType(code domainErrors.ErrorCode) string {
	switch code {
	case domainErrors.CodeInvalidRequest:
		return "invalid_request_error"
	case domainErrors.CodeNotFound:
		return "not_found_error"
	case domainErrors.CodeAuthError:
		return "authentication_error"
	case domainErrors.CodeRateLimited, domainErrors.CodeQuotaExceeded:
		return "rate_limit_error"
	case domainErrors.CodeUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func openaiErrorType(code domainErrors.ErrorCode) string {
	switch code {
	case domainErrors.CodeInvalidRequest, domainErrors.CodeNotFound:
		return "invalid_request_error"
	case domainErrors.CodeAuthError:
		return "authentication_error"
	case domainErrors.CodeRateLimited, domainErrors.CodeQuotaExceeded:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}
