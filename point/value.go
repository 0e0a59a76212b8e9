// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package point

import (
	"fmt"

	"github.com/google/uuid"
)

// Origin records how a point value was produced.
type Origin int8

const (
	// OriginReal marks a value read from or written to the store.
	OriginReal Origin = iota
	// OriginInterpolated marks a value computed between two real samples.
	OriginInterpolated
	// OriginExtrapolated marks a value computed beyond known samples.
	OriginExtrapolated
	// OriginSynthesized marks an explicit "unknown" marker: the polator
	// could not produce a value for the requested stamp.
	OriginSynthesized
)

func (o Origin) String() string {
	switch o {
	case OriginReal:
		return "real"
	case OriginInterpolated:
		return "interpolated"
	case OriginExtrapolated:
		return "extrapolated"
	case OriginSynthesized:
		return "synthesized"
	default:
		return fmt.Sprintf("origin(%d)", int8(o))
	}
}

// Value is a single observation of a point: (point-or-UUID, stamp, value,
// state). A nil payload represents deletion or absence at that stamp when
// the point supports tombstones.
type Value struct {
	PointUUID uuid.UUID `json:"point_uuid,omitempty"`
	PointName string    `json:"point_name,omitempty"`
	Stamp     Stamp     `json:"stamp"`
	Payload   *float64  `json:"value"`
	State     string    `json:"state,omitempty"`
	Origin    Origin    `json:"origin,omitempty"`
}

// NewValue creates a real observation with the given payload.
func NewValue(pointUUID uuid.UUID, stamp Stamp, payload float64) Value {
	return Value{PointUUID: pointUUID, Stamp: stamp, Payload: &payload}
}

// NewTombstone creates a real observation with a nil payload, marking a
// deletion at the stamp.
func NewTombstone(pointUUID uuid.UUID, stamp Stamp) Value {
	return Value{PointUUID: pointUUID, Stamp: stamp}
}

// NewSynthesized creates the explicit "unknown" marker the polator emits
// when neither interpolation nor extrapolation produced a value.
func NewSynthesized(pointUUID uuid.UUID, stamp Stamp) Value {
	return Value{PointUUID: pointUUID, Stamp: stamp, Origin: OriginSynthesized}
}

// IsDeleted reports whether this value is a deletion marker.
func (v Value) IsDeleted() bool {
	return v.Payload == nil && v.Origin == OriginReal
}

// IsSynthesized reports whether the value was produced by the polator
// rather than read from the store.
func (v Value) IsSynthesized() bool {
	return v.Origin != OriginReal
}

// Restored returns a copy of the value with its point reference rebound
// against the metadata snapshot. Rebinding returns a new value rather than
// mutating in place, so retries never observe a half-bound value.
func (v Value) Restored(meta *Metadata) (Value, error) {
	p, err := meta.Resolve(v.PointUUID, v.PointName)
	if err != nil {
		return v, err
	}
	restored := v
	restored.PointUUID = p.UUID
	restored.PointName = p.Name
	return restored, nil
}

func (v Value) String() string {
	payload := "null"
	if v.Payload != nil {
		payload = fmt.Sprintf("%g", *v.Payload)
	}
	return fmt.Sprintf("%s@%s=%s", v.PointUUID, v.Stamp, payload)
}

// VersionedValue is a Value carrying a monotonic version stamp for
// optimistic concurrency and deletion tracking.
type VersionedValue struct {
	Value
	Version uint64 `json:"version"`

	// Purged marks a deletion that also removed the tombstone itself;
	// purged deletions are not fanned out as change notices.
	Purged bool `json:"purged,omitempty"`
}

// NewVersionedValue wraps a value with a version stamp.
func NewVersionedValue(v Value, version uint64) VersionedValue {
	return VersionedValue{Value: v, Version: version}
}
