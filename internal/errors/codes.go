package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replica operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Validation errors (4xx equivalent), never retried
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeAccountMismatch  ErrorCode = 1001
	ErrCodeTargetMismatch   ErrorCode = 1002
	ErrCodeUnknownDeltaType ErrorCode = 1003
	ErrCodeDeserialization  ErrorCode = 1004
	ErrCodeUnknownPeer      ErrorCode = 1005
	ErrCodeNotFound         ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeCorruptedData     ErrorCode = 2007
	ErrCodeResourceExhausted ErrorCode = 2008
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "OK",
	ErrCodeInvalidArgument:   "INVALID_ARGUMENT",
	ErrCodeAccountMismatch:   "ACCOUNT_MISMATCH",
	ErrCodeTargetMismatch:    "TARGET_MISMATCH",
	ErrCodeUnknownDeltaType:  "UNKNOWN_DELTA_TYPE",
	ErrCodeDeserialization:   "DESERIALIZATION",
	ErrCodeUnknownPeer:       "UNKNOWN_PEER",
	ErrCodeNotFound:          "NOT_FOUND",
	ErrCodeInternal:          "INTERNAL",
	ErrCodeUnavailable:       "UNAVAILABLE",
	ErrCodeCorruptedData:     "CORRUPTED_DATA",
	ErrCodeResourceExhausted: "RESOURCE_EXHAUSTED",
}

// String returns the stable name used in API responses and logs
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is reports a match when target is a *SyncError carrying the same code,
// so callers can write errors.Is(err, &SyncError{Code: ErrCodeTargetMismatch}).
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeUnknownDeltaType, ErrCodeDeserialization:
		return codes.InvalidArgument
	case ErrCodeAccountMismatch, ErrCodeTargetMismatch:
		return codes.FailedPrecondition
	case ErrCodeUnknownPeer, ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *SyncError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeUnknownDeltaType, ErrCodeDeserialization:
		return http.StatusBadRequest
	case ErrCodeAccountMismatch, ErrCodeTargetMismatch:
		return http.StatusConflict
	case ErrCodeUnknownPeer, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func InvalidAmount(operation string, amount float64) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, fmt.Sprintf("invalid %s amount: %v", operation, amount), nil).
		WithDetail("operation", operation).
		WithDetail("amount", amount)
}

func AccountMismatch(local, remote string) *SyncError {
	return NewSyncError(ErrCodeAccountMismatch, fmt.Sprintf("cannot merge account '%s' with account '%s'", local, remote), nil).
		WithDetail("local_account_id", local).
		WithDetail("remote_account_id", remote)
}

func TargetMismatch(nodeID, target string) *SyncError {
	return NewSyncError(ErrCodeTargetMismatch, fmt.Sprintf("delta addressed to '%s' applied on node '%s'", target, nodeID), nil).
		WithDetail("node_id", nodeID).
		WithDetail("target_node_id", target)
}

func UnknownDeltaType(deltaType string) *SyncError {
	return NewSyncError(ErrCodeUnknownDeltaType, fmt.Sprintf("unknown delta type: %q", deltaType), nil).
		WithDetail("delta_type", deltaType)
}

func Deserialization(what string, cause error) *SyncError {
	return NewSyncError(ErrCodeDeserialization, fmt.Sprintf("failed to decode %s", what), cause).
		WithDetail("type", what)
}

func UnknownPeer(peer string) *SyncError {
	return NewSyncError(ErrCodeUnknownPeer, fmt.Sprintf("unknown peer: %s", peer), nil).
		WithDetail("peer", peer)
}

func NotFound(resource, id string) *SyncError {
	return NewSyncError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), nil).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

func CorruptedData(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeCorruptedData, message, cause)
}

func ResourceExhausted(resource string, current, limit int) *SyncError {
	return NewSyncError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// FromGRPCError rebuilds a SyncError from a status returned by a remote replica.
// Errors that carry no gRPC status are reported as unavailable.
func FromGRPCError(err error) *SyncError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Unavailable("peer call failed", err)
	}
	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.FailedPrecondition:
		code = ErrCodeTargetMismatch
	case codes.NotFound:
		code = ErrCodeNotFound
	case codes.ResourceExhausted:
		code = ErrCodeResourceExhausted
	case codes.DataLoss:
		code = ErrCodeCorruptedData
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		code = ErrCodeUnavailable
	default:
		code = ErrCodeInternal
	}
	return NewSyncError(code, st.Message(), nil).WithDetail("grpc_code", st.Code().String())
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
