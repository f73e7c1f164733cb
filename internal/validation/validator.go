package validation

import (
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/kalanet/kalasync/internal/crdt"
	apperrors "github.com/kalanet/kalasync/internal/errors"
)

const (
	// Size limits
	MaxIDSize     = 256
	MaxRecordSize = 1024 * 1024 // 1 MB encoded
	MaxReasonSize = 1024
)

// Validator validates client supplied identifiers and payloads
type Validator struct {
	maxIDSize     int
	maxRecordSize int
	maxReasonSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxIDSize, MaxRecordSize, MaxReasonSize)
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxRecordSize, maxReasonSize int) *Validator {
	return &Validator{
		maxIDSize:     maxIDSize,
		maxRecordSize: maxRecordSize,
		maxReasonSize: maxReasonSize,
	}
}

// ValidateMemoryID validates a memory id
func (v *Validator) ValidateMemoryID(id string) error {
	return v.validateID("memory id", id)
}

// ValidateAccountID validates an account id
func (v *Validator) ValidateAccountID(id string) error {
	return v.validateID("account id", id)
}

func (v *Validator) validateID(what, id string) error {
	if id == "" {
		return apperrors.InvalidArgument(what+" cannot be empty", nil)
	}
	if len(id) > v.maxIDSize {
		return apperrors.InvalidArgument(fmt.Sprintf("%s exceeds maximum size of %d bytes", what, v.maxIDSize), nil).
			WithDetail("size", len(id))
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return apperrors.InvalidArgument(what+" cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateRecord checks a memory record is non-nil, encodable and within
// the size limit.
func (v *Validator) ValidateRecord(rec crdt.Record) error {
	if rec == nil {
		return apperrors.InvalidArgument("memory record cannot be null", nil)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.InvalidArgument("memory record is not encodable", err)
	}
	if len(data) > v.maxRecordSize {
		return apperrors.ResourceExhausted("memory record bytes", len(data), v.maxRecordSize)
	}
	return nil
}

// ValidateReason validates a transaction reason
func (v *Validator) ValidateReason(reason string) error {
	if len(reason) > v.maxReasonSize {
		return apperrors.InvalidArgument(fmt.Sprintf("reason exceeds maximum size of %d bytes", v.maxReasonSize), nil)
	}
	return nil
}
