// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package point

import (
	"time"

	"github.com/google/uuid"

	"github.com/pointvault/pointvault/pkg/errors"
)

// Relation links two points: values of the input point feed the
// computation of the result point.
type Relation struct {
	InputUUID  uuid.UUID `yaml:"input" json:"input"`
	ResultUUID uuid.UUID `yaml:"result" json:"result"`
}

// Point identifies a named, typed time series. Its identity (UUID) is
// immutable; the store binding and relations are mutable metadata state.
type Point struct {
	UUID      uuid.UUID     `yaml:"uuid" json:"uuid"`
	Name      string        `yaml:"name" json:"name"`
	Kind      string        `yaml:"kind" json:"kind,omitempty"`
	StoreName string        `yaml:"store" json:"store,omitempty"`
	Relations []Relation    `yaml:"relations" json:"relations,omitempty"`
	TimeLimit time.Duration `yaml:"time_limit" json:"time_limit,omitempty"`

	// Tombstones reports whether a nil value at a stamp represents a
	// deletion for this point.
	Tombstones bool `yaml:"tombstones" json:"tombstones,omitempty"`
}

// Metadata is an immutable snapshot of the known points, resolvable by
// name or UUID. Queries and values carry unresolved references across the
// wire and are rebound against a Metadata snapshot on the server side.
type Metadata struct {
	byUUID map[uuid.UUID]*Point
	byName map[string]*Point
}

// NewMetadata builds a metadata snapshot from a set of points.
func NewMetadata(points ...*Point) *Metadata {
	meta := &Metadata{
		byUUID: make(map[uuid.UUID]*Point, len(points)),
		byName: make(map[string]*Point, len(points)),
	}
	for _, p := range points {
		meta.byUUID[p.UUID] = p
		if p.Name != "" {
			meta.byName[p.Name] = p
		}
	}
	return meta
}

// LookupUUID resolves a point by UUID.
func (m *Metadata) LookupUUID(id uuid.UUID) (*Point, bool) {
	p, ok := m.byUUID[id]
	return p, ok
}

// LookupName resolves a point by name.
func (m *Metadata) LookupName(name string) (*Point, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// Points returns all points in the snapshot.
func (m *Metadata) Points() []*Point {
	points := make([]*Point, 0, len(m.byUUID))
	for _, p := range m.byUUID {
		points = append(points, p)
	}
	return points
}

// Resolve resolves a point reference given as a UUID or a name, in that
// order of preference.
func (m *Metadata) Resolve(id uuid.UUID, name string) (*Point, error) {
	if id != uuid.Nil {
		if p, ok := m.LookupUUID(id); ok {
			return p, nil
		}
		return nil, errors.NewStoreError("resolve", id.String(), errors.ErrPointUnknown)
	}
	if name != "" {
		if p, ok := m.LookupName(name); ok {
			return p, nil
		}
		return nil, errors.NewStoreError("resolve", name, errors.ErrPointUnknown)
	}
	return nil, errors.NewStoreError("resolve", "", errors.ErrPointUnknown)
}
