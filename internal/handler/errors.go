package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/middleware"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler turns errors into JSON responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes err with the HTTP status of its error code. Errors
// that are not SyncErrors are reported as internal.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())

	var se *apperrors.SyncError
	if !errors.As(err, &se) {
		h.logger.Error("Unhandled error",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		h.WriteErrorResponse(w, http.StatusInternalServerError, apperrors.ErrCodeInternal.String(), "internal server error", requestID)
		return
	}

	status := se.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	h.WriteErrorResponse(w, status, se.Code.String(), se.Message, requestID)
}

// WriteErrorResponse writes a standardized error response.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
