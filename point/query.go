// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package point

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Query is an immutable request descriptor for store values: a point
// reference, a time interval, a direction, a row limit, an optional
// polation mode and the count-only and cancellation flags.
//
// Build queries with NewQuery; treat built values as read-only. A query
// received over the wire carries unresolved point references and must be
// rebound with Restored before execution.
type Query struct {
	PointUUID uuid.UUID    `json:"point_uuid,omitempty"`
	PointName string       `json:"point_name,omitempty"`
	Interval  TimeInterval `json:"interval,omitempty"`
	Reverse   bool         `json:"reverse,omitempty"`

	// Rows limits the number of values returned; 0 means no limit. A
	// forward query truncated by Rows carries a Mark in its response.
	Rows int `json:"rows,omitempty"`

	Interpolated bool `json:"interpolated,omitempty"`
	Extrapolated bool `json:"extrapolated,omitempty"`

	// TimeLimit bounds how far before or after a gap the polator may
	// bridge; 0 defers to the point's own limit.
	TimeLimit time.Duration `json:"time_limit,omitempty"`

	// Stamps lists the explicit requested stamps for a polated query.
	// When empty, Step spreads requested stamps over the interval.
	Stamps []Stamp       `json:"stamps,omitempty"`
	Step   time.Duration `json:"step,omitempty"`

	// Pull marks a query for the pull operation: values are taken as
	// they are committed instead of from stored history.
	Pull bool `json:"pull,omitempty"`

	Count     bool `json:"count,omitempty"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// IsForward reports whether the query walks stamps in ascending order.
func (q Query) IsForward() bool {
	return !q.Reverse
}

// IsPolated reports whether the query asks for synthesized values.
func (q Query) IsPolated() bool {
	return q.Interpolated || q.Extrapolated
}

// IsPull reports whether this is a pull query.
func (q Query) IsPull() bool {
	return q.Pull
}

// Restored returns a copy of the query with its point reference rebound
// against the metadata snapshot.
func (q Query) Restored(meta *Metadata) (Query, error) {
	p, err := meta.Resolve(q.PointUUID, q.PointName)
	if err != nil {
		return q, err
	}
	restored := q
	restored.PointUUID = p.UUID
	restored.PointName = p.Name
	if restored.IsPolated() && restored.TimeLimit == 0 {
		restored.TimeLimit = p.TimeLimit
	}
	return restored, nil
}

func (q Query) String() string {
	ref := q.PointName
	if ref == "" {
		ref = q.PointUUID.String()
	}
	return fmt.Sprintf("query{point=%s interval=%s reverse=%t rows=%d}", ref, q.Interval, q.Reverse, q.Rows)
}

// QueryBuilder builds Query values.
type QueryBuilder struct {
	query    Query
	interval IntervalBuilder
}

// NewQuery returns an empty query builder.
func NewQuery() *QueryBuilder {
	return &QueryBuilder{}
}

// CopyFrom resets the builder to an existing query.
func (b *QueryBuilder) CopyFrom(q Query) *QueryBuilder {
	b.query = q
	b.interval.CopyFrom(q.Interval)
	return b
}

// SetPoint sets the point reference from a resolved point.
func (b *QueryBuilder) SetPoint(p *Point) *QueryBuilder {
	b.query.PointUUID = p.UUID
	b.query.PointName = p.Name
	return b
}

// SetPointUUID sets the point reference by UUID.
func (b *QueryBuilder) SetPointUUID(id uuid.UUID) *QueryBuilder {
	b.query.PointUUID = id
	return b
}

// SetPointName sets the point reference by name.
func (b *QueryBuilder) SetPointName(name string) *QueryBuilder {
	b.query.PointName = name
	return b
}

// SetAfter sets the exclusive lower bound of the interval.
func (b *QueryBuilder) SetAfter(s Stamp) *QueryBuilder {
	b.interval.SetAfter(s)
	return b
}

// SetNotBefore sets the inclusive lower bound of the interval.
func (b *QueryBuilder) SetNotBefore(s Stamp) *QueryBuilder {
	b.interval.SetNotBefore(s)
	return b
}

// SetBefore sets the exclusive upper bound of the interval.
func (b *QueryBuilder) SetBefore(s Stamp) *QueryBuilder {
	b.interval.SetBefore(s)
	return b
}

// SetNotAfter sets the inclusive upper bound of the interval.
func (b *QueryBuilder) SetNotAfter(s Stamp) *QueryBuilder {
	b.interval.SetNotAfter(s)
	return b
}

// SetInterval replaces the whole interval.
func (b *QueryBuilder) SetInterval(iv TimeInterval) *QueryBuilder {
	b.interval.CopyFrom(iv)
	return b
}

// SetReverse sets the direction.
func (b *QueryBuilder) SetReverse(reverse bool) *QueryBuilder {
	b.query.Reverse = reverse
	return b
}

// SetRows sets the row limit.
func (b *QueryBuilder) SetRows(rows int) *QueryBuilder {
	b.query.Rows = rows
	return b
}

// SetInterpolated requests interpolated values.
func (b *QueryBuilder) SetInterpolated(interpolated bool) *QueryBuilder {
	b.query.Interpolated = interpolated
	return b
}

// SetExtrapolated requests extrapolated values.
func (b *QueryBuilder) SetExtrapolated(extrapolated bool) *QueryBuilder {
	b.query.Extrapolated = extrapolated
	return b
}

// SetTimeLimit sets the polation time limit.
func (b *QueryBuilder) SetTimeLimit(limit time.Duration) *QueryBuilder {
	b.query.TimeLimit = limit
	return b
}

// SetStamps sets the explicit requested stamps for polation.
func (b *QueryBuilder) SetStamps(stamps ...Stamp) *QueryBuilder {
	b.query.Stamps = stamps
	return b
}

// SetStep sets the schedule step for polation.
func (b *QueryBuilder) SetStep(step time.Duration) *QueryBuilder {
	b.query.Step = step
	return b
}

// SetPull marks the query for the pull operation.
func (b *QueryBuilder) SetPull(pull bool) *QueryBuilder {
	b.query.Pull = pull
	return b
}

// SetCount makes the query count matching values instead of returning them.
func (b *QueryBuilder) SetCount(count bool) *QueryBuilder {
	b.query.Count = count
	return b
}

// SetCancelled marks the query cancelled; a cancelled query never reaches
// the server.
func (b *QueryBuilder) SetCancelled(cancelled bool) *QueryBuilder {
	b.query.Cancelled = cancelled
	return b
}

// Build returns the query.
func (b *QueryBuilder) Build() Query {
	q := b.query
	q.Interval = b.interval.Build()
	return q
}

// Mark is an opaque server-issued cursor enabling resumption of a query
// truncated by its row limit. Successive page fetches through marks
// neither duplicate nor skip samples.
type Mark struct {
	Query Query `json:"query"`
	Stamp Stamp `json:"stamp"`
}

// NewMark creates a mark resuming the query past the given stamp.
func NewMark(q Query, last Stamp) *Mark {
	return &Mark{Query: q, Stamp: last}
}

// NextQuery builds the continuation query: same bounds and limit, resuming
// strictly past the last delivered stamp in the query's direction.
func (m *Mark) NextQuery() Query {
	builder := NewQuery().CopyFrom(m.Query)
	if m.Query.Reverse {
		builder.SetBefore(m.Stamp)
	} else {
		builder.SetAfter(m.Stamp)
	}
	return builder.Build()
}
