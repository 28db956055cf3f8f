package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aevon-lab/linkpulse/internal/actor"
	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	httperr "github.com/aevon-lab/linkpulse/internal/core/errors"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed   = "Failed to read request body"
	msgInvalidJSON      = "Invalid JSON body"
	msgActorUnavailable = "Click could not be admitted, retry later"
	msgIngestFailed     = "Failed to ingest click"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests carrying one LINK_CLICK message.
func (s *Service) IngestHandler(c *gin.Context) {
	msg, payloadSize, err := s.parseMessage(c)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := validateMessage(msg); err != nil {
		writeError(c, err)
		return
	}

	slog.Debug("[Ingestion] Received click",
		"link_id", msg.Data.ID,
		"account_id", msg.Data.AccountID,
		"payload_size", payloadSize)

	if err := s.Ingest(c.Request.Context(), msg, SourceHTTP); err != nil {
		writeError(c, classifyIngestError(msg, err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// parseMessage reads the raw request body and binds it into a ClickMessage.
// Returns the parsed message and the raw payload size (used for structured logging upstream).
func (s *Service) parseMessage(c *gin.Context) (*v1.ClickMessage, int, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var msg v1.ClickMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	return &msg, len(bodyBytes), nil
}

func validateMessage(msg *v1.ClickMessage) *ingestionError {
	if err := msg.Validate(); err != nil {
		slog.Warn("[Ingestion] Click validation failed", "error", err, "link_id", msg.Data.ID)
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    err.Error(),
		}
	}
	return nil
}

// classifyIngestError maps admission failures to HTTP errors. Actor load
// failures and timeouts are retryable and reported as 503.
func classifyIngestError(msg *v1.ClickMessage, err error) *ingestionError {
	if errors.Is(err, actor.ErrLoad) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		slog.Warn("[Ingestion] Actor unavailable", "link_id", msg.Data.ID, "account_id", msg.Data.AccountID, "error", err)
		return &ingestionError{
			statusCode: http.StatusServiceUnavailable,
			errorType:  httperr.HttpActorUnavailable,
			message:    msgActorUnavailable,
		}
	}

	slog.Error("[Ingestion] Failed to ingest click", "link_id", msg.Data.ID, "account_id", msg.Data.AccountID, "error", err)
	return &ingestionError{
		statusCode: http.StatusInternalServerError,
		errorType:  httperr.HttpInternalError,
		message:    msgIngestFailed,
	}
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
