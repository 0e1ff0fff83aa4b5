package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"onix_miner/internal/types"
)

// ErrorCode represents different error types
type ErrorCode string

const (
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden           ErrorCode = "FORBIDDEN"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT"
	ErrCodeInternalError       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrCodeDuplicateEntry      ErrorCode = "DUPLICATE_ENTRY"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
)

// APIError represents a structured API error
type APIError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorResponse represents the complete error response
type ErrorResponse struct {
	Error   *APIError `json:"error"`
	Success bool      `json:"success"`
}

// ErrorHandler handles HTTP errors with proper formatting
type ErrorHandler struct {
	logger *log.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *log.Logger) *ErrorHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &ErrorHandler{
		logger: logger,
	}
}

// HandleError handles an error and writes appropriate response
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := eh.classifyError(err)
	apiErr.RequestID = middleware.GetReqID(r.Context())

	eh.logError(r, apiErr, status, err)
	eh.writeErrorResponse(w, apiErr, status)
}

// classifyError maps domain errors onto codes and HTTP statuses
func (eh *ErrorHandler) classifyError(err error) (*APIError, int) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		out := *apiErr
		return &out, eh.getStatusCodeForError(out.Code)
	}

	newErr := func(code ErrorCode, msg string) *APIError {
		return &APIError{Code: code, Message: msg, Timestamp: time.Now()}
	}

	switch {
	case errors.Is(err, types.ErrUnauthorized):
		return newErr(ErrCodeUnauthorized, publicMessage(err, types.ErrUnauthorized, "Authentication required")), http.StatusUnauthorized
	case errors.Is(err, types.ErrValidation):
		return newErr(ErrCodeValidationError, publicMessage(err, types.ErrValidation, "Validation failed")), http.StatusBadRequest
	case errors.Is(err, types.ErrInsufficientBalance):
		return newErr(ErrCodeInsufficientBalance, publicMessage(err, types.ErrInsufficientBalance, "Insufficient balance")), http.StatusPaymentRequired
	case errors.Is(err, types.ErrNotFound):
		return newErr(ErrCodeNotFound, "Resource not found"), http.StatusNotFound
	case errors.Is(err, types.ErrForbidden):
		return newErr(ErrCodeForbidden, "Access denied"), http.StatusForbidden
	case errors.Is(err, types.ErrAlreadyExists):
		return newErr(ErrCodeDuplicateEntry, "Resource already exists"), http.StatusConflict
	default:
		return newErr(ErrCodeInternalError, "Internal server error"), http.StatusInternalServerError
	}
}

// publicMessage returns the detail wrapped after sentinel, or fallback.
func publicMessage(err, sentinel error, fallback string) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		if detail := strings.TrimSpace(msg[i+len(prefix):]); detail != "" {
			return detail
		}
	}
	return fallback
}

// getStatusCodeForError returns HTTP status code for error code
func (eh *ErrorHandler) getStatusCodeForError(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeValidationError:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateEntry:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// logError logs the error with context
func (eh *ErrorHandler) logError(r *http.Request, apiErr *APIError, status int, cause error) {
	// Client errors other than validation are routine.
	if status < 500 && apiErr.Code != ErrCodeValidationError {
		return
	}

	logEntry := map[string]interface{}{
		"timestamp":  time.Now().Format(time.RFC3339),
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"error_code": apiErr.Code,
		"message":    apiErr.Message,
		"ip":         r.RemoteAddr,
		"request_id": apiErr.RequestID,
	}
	if status >= 500 && cause != nil {
		logEntry["cause"] = cause.Error()
	}
	if apiErr.Details != nil {
		logEntry["details"] = apiErr.Details
	}

	logJSON, _ := json.Marshal(logEntry)
	eh.logger.Printf("ERROR: %s", string(logJSON))
}

// writeErrorResponse writes the error response
func (eh *ErrorHandler) writeErrorResponse(w http.ResponseWriter, apiErr *APIError, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := ErrorResponse{
		Error:   apiErr,
		Success: false,
	}

	_ = json.NewEncoder(w).Encode(response)
}

// RecoveryMiddleware handles panics and converts them to errors
func (eh *ErrorHandler) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				eh.logger.Printf("PANIC: %v\n%s", rec, getStackTrace())

				eh.writeErrorResponse(w, &APIError{
					Code:      ErrCodeInternalError,
					Message:   "Internal server error",
					Timestamp: time.Now(),
					RequestID: middleware.GetReqID(r.Context()),
				}, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func getStackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// Error creation helpers

func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:      ErrCodeInvalidRequest,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewRateLimitError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:    ErrCodeRateLimit,
		Message: "Too many requests",
		Details: map[string]interface{}{
			"retry_after": int(retryAfter.Seconds()),
		},
		Timestamp: time.Now(),
	}
}

func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Code:      ErrCodeServiceUnavailable,
		Message:   message,
		Timestamp: time.Now(),
	}
}
