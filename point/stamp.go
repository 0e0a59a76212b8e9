// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package point holds the data model of the point-value store: points,
// timestamped observations, time intervals, query descriptors and query
// responses.
//
// # Time Model
//
// Timestamps are Stamp values, a tick-based clock (nanoseconds since the
// Unix epoch). Stamps are totally ordered, and one tick is the smallest
// representable distance: an inclusive bound at stamp S is the exclusive
// bound at S-1 or S+1. TimeInterval exploits this to store only exclusive
// bounds while still offering inclusive setters and accessors.
package point

import (
	"fmt"
	"time"
)

// Stamp is a point in time counted in nanosecond ticks since the Unix epoch.
type Stamp int64

// StampOf converts a time.Time to a Stamp.
func StampOf(t time.Time) Stamp {
	return Stamp(t.UnixNano())
}

// Time converts the stamp back to a time.Time in UTC.
func (s Stamp) Time() time.Time {
	return time.Unix(0, int64(s)).UTC()
}

// Before reports whether s is strictly before other.
func (s Stamp) Before(other Stamp) bool {
	return s < other
}

// After reports whether s is strictly after other.
func (s Stamp) After(other Stamp) bool {
	return s > other
}

// Add returns the stamp shifted forward by d (backward when d is negative).
func (s Stamp) Add(d time.Duration) Stamp {
	return s + Stamp(d)
}

// Sub returns the elapsed time from other to s.
func (s Stamp) Sub(other Stamp) time.Duration {
	return time.Duration(s - other)
}

// Next returns the stamp one tick later.
func (s Stamp) Next() Stamp {
	return s + 1
}

// Prev returns the stamp one tick earlier.
func (s Stamp) Prev() Stamp {
	return s - 1
}

func (s Stamp) String() string {
	return s.Time().Format(time.RFC3339Nano)
}

// StampPtr returns a pointer to s, for optional interval bounds.
func StampPtr(s Stamp) *Stamp {
	return &s
}

// TimeInterval is a pair of optional bounds over stamps. The stored After
// and Before bounds are exclusive; NotBefore/NotAfter expose the equivalent
// inclusive bounds. A nil bound is open.
//
// TimeInterval values are treated as immutable once built.
type TimeInterval struct {
	After  *Stamp `json:"after,omitempty"`
	Before *Stamp `json:"before,omitempty"`
}

// UnlimitedInterval is the interval containing every stamp.
var UnlimitedInterval = TimeInterval{}

// NotBefore returns the inclusive lower bound.
func (iv TimeInterval) NotBefore() (Stamp, bool) {
	if iv.After == nil {
		return 0, false
	}
	return iv.After.Next(), true
}

// NotAfter returns the inclusive upper bound.
func (iv TimeInterval) NotAfter() (Stamp, bool) {
	if iv.Before == nil {
		return 0, false
	}
	return iv.Before.Prev(), true
}

// Contains reports whether the stamp falls inside the interval.
func (iv TimeInterval) Contains(s Stamp) bool {
	if iv.After != nil && s <= *iv.After {
		return false
	}
	if iv.Before != nil && s >= *iv.Before {
		return false
	}
	return true
}

// Intersects reports whether the two intervals share at least one stamp.
func (iv TimeInterval) Intersects(other TimeInterval) bool {
	if iv.Before != nil && other.After != nil && *iv.Before <= other.After.Next() {
		return false
	}
	if iv.After != nil && other.Before != nil && *other.Before <= iv.After.Next() {
		return false
	}
	return true
}

// IsUnlimited reports whether both bounds are open.
func (iv TimeInterval) IsUnlimited() bool {
	return iv.After == nil && iv.Before == nil
}

func (iv TimeInterval) String() string {
	after, before := "...", "..."
	if nb, ok := iv.NotBefore(); ok {
		after = nb.String()
	}
	if na, ok := iv.NotAfter(); ok {
		before = na.String()
	}
	return fmt.Sprintf("[%s, %s]", after, before)
}

// IntervalBuilder builds TimeInterval values.
type IntervalBuilder struct {
	interval TimeInterval
}

// NewInterval returns an empty interval builder.
func NewInterval() *IntervalBuilder {
	return &IntervalBuilder{}
}

// SetAfter sets the exclusive lower bound.
func (b *IntervalBuilder) SetAfter(s Stamp) *IntervalBuilder {
	b.interval.After = StampPtr(s)
	return b
}

// SetNotBefore sets the inclusive lower bound.
func (b *IntervalBuilder) SetNotBefore(s Stamp) *IntervalBuilder {
	b.interval.After = StampPtr(s.Prev())
	return b
}

// SetBefore sets the exclusive upper bound.
func (b *IntervalBuilder) SetBefore(s Stamp) *IntervalBuilder {
	b.interval.Before = StampPtr(s)
	return b
}

// SetNotAfter sets the inclusive upper bound.
func (b *IntervalBuilder) SetNotAfter(s Stamp) *IntervalBuilder {
	b.interval.Before = StampPtr(s.Next())
	return b
}

// CopyFrom replaces the bounds with those of an existing interval.
func (b *IntervalBuilder) CopyFrom(iv TimeInterval) *IntervalBuilder {
	b.interval = iv
	return b
}

// Build returns the interval.
func (b *IntervalBuilder) Build() TimeInterval {
	return b.interval
}
