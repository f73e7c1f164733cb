package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSyncError_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      *SyncError
		grpcCode codes.Code
		httpCode int
	}{
		{"invalid amount", InvalidAmount("credit", 0), codes.InvalidArgument, http.StatusBadRequest},
		{"account mismatch", AccountMismatch("u1", "u2"), codes.FailedPrecondition, http.StatusConflict},
		{"target mismatch", TargetMismatch("n1", "n2"), codes.FailedPrecondition, http.StatusConflict},
		{"unknown delta type", UnknownDeltaType("graph"), codes.InvalidArgument, http.StatusBadRequest},
		{"deserialization", Deserialization("delta", fmt.Errorf("eof")), codes.InvalidArgument, http.StatusBadRequest},
		{"unknown peer", UnknownPeer("n9"), codes.NotFound, http.StatusNotFound},
		{"unavailable", Unavailable("peer down", nil), codes.Unavailable, http.StatusServiceUnavailable},
		{"corrupted", CorruptedData("bad checksum", nil), codes.DataLoss, http.StatusInternalServerError},
		{"exhausted", ResourceExhausted("sync queue", 10, 10), codes.ResourceExhausted, http.StatusTooManyRequests},
		{"internal", InternalError("boom", nil), codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.grpcCode, tt.err.ToGRPCStatus().Code())
			assert.Equal(t, tt.httpCode, tt.err.HTTPStatus())
		})
	}
}

func TestSyncError_WrapAndMatch(t *testing.T) {
	cause := fmt.Errorf("unexpected end of JSON input")
	err := fmt.Errorf("apply delta: %w", Deserialization("memory state", cause))

	assert.True(t, IsSyncError(err))
	assert.Equal(t, ErrCodeDeserialization, GetCode(err))
	assert.True(t, stderrors.Is(err, &SyncError{Code: ErrCodeDeserialization}))
	assert.False(t, stderrors.Is(err, &SyncError{Code: ErrCodeTargetMismatch}))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to decode memory state")
}

func TestGetCode_PlainError(t *testing.T) {
	assert.False(t, IsSyncError(fmt.Errorf("plain")))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
}

func TestSyncError_Details(t *testing.T) {
	err := AccountMismatch("u1", "u2")
	assert.Equal(t, "u1", err.Details["local_account_id"])
	assert.Equal(t, "u2", err.Details["remote_account_id"])
	assert.Equal(t, "ACCOUNT_MISMATCH", err.Code.String())
	assert.Equal(t, "CODE_42", ErrorCode(42).String())
}

func TestFromGRPCError(t *testing.T) {
	assert.Nil(t, FromGRPCError(nil))

	remote := TargetMismatch("n2", "n3").ToGRPCStatus().Err()
	se := FromGRPCError(remote)
	require.NotNil(t, se)
	assert.Equal(t, ErrCodeTargetMismatch, se.Code)
	assert.Equal(t, "FailedPrecondition", se.Details["grpc_code"])

	se = FromGRPCError(status.Error(codes.DeadlineExceeded, "slow peer"))
	assert.Equal(t, ErrCodeUnavailable, se.Code)

	se = FromGRPCError(fmt.Errorf("connection refused"))
	assert.Equal(t, ErrCodeUnavailable, se.Code)
}
