package replication

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// DeltaType tags which replicated state a delta carries
type DeltaType string

const (
	DeltaTypeMemory DeltaType = "memory"
	DeltaTypeKala   DeltaType = "kala"
)

// DeltaTypes lists the replicated data types in sync order
var DeltaTypes = []DeltaType{DeltaTypeMemory, DeltaTypeKala}

// Valid reports whether t is a known data type
func (t DeltaType) Valid() bool {
	return t == DeltaTypeMemory || t == DeltaTypeKala
}

// Delta carries the full serialized state of one data type from a source
// replica to a target replica. Data is opaque to the protocol.
type Delta struct {
	SourceNodeID string          `json:"source_node_id"`
	TargetNodeID string          `json:"target_node_id"`
	DeltaType    DeltaType       `json:"delta_type"`
	Data         json.RawMessage `json:"data"`
	Version      int64           `json:"version"`
}

// Size returns the payload size in bytes
func (d *Delta) Size() int {
	return len(d.Data)
}

// String renders the delta header for logs
func (d *Delta) String() string {
	return fmt.Sprintf("%s->%s %s v%d (%d bytes)", d.SourceNodeID, d.TargetNodeID, d.DeltaType, d.Version, len(d.Data))
}

// DecodeDelta parses a wire-form delta and checks required fields. The
// delta type itself is validated on dispatch.
func DecodeDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, apperrors.Deserialization("delta", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the header fields of a delta
func (d *Delta) Validate() error {
	switch {
	case d.SourceNodeID == "":
		return apperrors.Deserialization("delta", errMissing("source_node_id"))
	case d.TargetNodeID == "":
		return apperrors.Deserialization("delta", errMissing("target_node_id"))
	case d.DeltaType == "":
		return apperrors.Deserialization("delta", errMissing("delta_type"))
	case len(d.Data) == 0:
		return apperrors.Deserialization("delta", errMissing("data"))
	case d.Version < 0:
		return apperrors.Deserialization("delta", fmt.Errorf("negative version %d", d.Version))
	}
	return nil
}

// Ack confirms that SourceNodeID merged version Version of TargetNodeID's
// DeltaType state.
type Ack struct {
	SourceNodeID string    `json:"source_node_id"`
	TargetNodeID string    `json:"target_node_id"`
	DeltaType    DeltaType `json:"delta_type"`
	Version      int64     `json:"version"`
}

// NewAck builds the acknowledgement the receiver of d sends back
func NewAck(d *Delta) Ack {
	return Ack{
		SourceNodeID: d.TargetNodeID,
		TargetNodeID: d.SourceNodeID,
		DeltaType:    d.DeltaType,
		Version:      d.Version,
	}
}

func errMissing(field string) error {
	return fmt.Errorf("missing %s", field)
}
