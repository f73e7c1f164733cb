package validation

import (
	"math"
	"strings"
	"testing"

	"github.com/kalanet/kalasync/internal/crdt"
	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidator_IDs(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "memory-1", false},
		{"unicode", "erinnerung-ü", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxIDSize+1), true},
		{"control character", "bad\x00id", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memErr := v.ValidateMemoryID(tt.id)
			acctErr := v.ValidateAccountID(tt.id)
			if tt.wantErr {
				assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(memErr))
				assert.Error(t, acctErr)
			} else {
				assert.NoError(t, memErr)
				assert.NoError(t, acctErr)
			}
		})
	}
}

func TestValidator_Record(t *testing.T) {
	v := NewValidatorWithLimits(16, 32, 8)

	assert.NoError(t, v.ValidateRecord(crdt.Record{"a": 1}))
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(v.ValidateRecord(nil)))
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(v.ValidateRecord(crdt.Record{"x": math.Inf(1)})))
	assert.Equal(t, apperrors.ErrCodeResourceExhausted, apperrors.GetCode(v.ValidateRecord(crdt.Record{"text": strings.Repeat("x", 40)})))

	assert.NoError(t, v.ValidateReason("lunch"))
	assert.Error(t, v.ValidateReason("a much longer reason"))
}
