// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package polate synthesizes point values between and beyond stored
// samples: interpolation inside a bracket of actual values,
// extrapolation past the last known ones. A requested stamp that cannot
// be served either way still yields an explicit unknown marker, never a
// hole.
package polate

import (
	"context"

	"github.com/pointvault/pointvault/point"
)

// Selector answers raw store queries for the engine. The store server
// backs it with its storage engine; tests back it with canned data.
type Selector interface {
	Select(ctx context.Context, query point.Query) *point.StoreValues
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(ctx context.Context, query point.Query) *point.StoreValues

// Select implements Selector.
func (f SelectorFunc) Select(ctx context.Context, query point.Query) *point.StoreValues {
	return f(ctx, query)
}

// Polator is one synthesis strategy. Before slices are in ascending
// stamp order and hold only usable (non-null) actual values; the last
// element is the nearest one.
type Polator interface {
	// Kind names the strategy.
	Kind() string
	// InterpolationNeeds returns how many actual values strictly
	// before and strictly after the requested stamp interpolation
	// requires.
	InterpolationNeeds() (before int, after int)
	// ExtrapolationNeeds returns how many actual values strictly
	// before the requested stamp extrapolation requires.
	ExtrapolationNeeds() int
	// Interpolate computes the value at the stamp, nil when the
	// bracket cannot produce one.
	Interpolate(at point.Stamp, before []point.Value, after []point.Value) *float64
	// Extrapolate computes the value at the stamp from values before
	// it, nil when they cannot produce one.
	Extrapolate(at point.Stamp, before []point.Value) *float64
}

// PolatorFor returns the strategy for a point kind. Unknown kinds get
// linear synthesis.
func PolatorFor(kind string) Polator {
	if kind == KindLevel {
		return Level{}
	}
	return Linear{}
}

// Strategy kinds.
const (
	KindLevel  = "level"
	KindLinear = "linear"
)

// Level holds the preceding actual value: interpolation repeats the
// value before the stamp, extrapolation repeats the last known one.
// Level synthesis is idempotent over its input samples.
type Level struct{}

// Kind implements Polator.
func (Level) Kind() string { return KindLevel }

// InterpolationNeeds implements Polator.
func (Level) InterpolationNeeds() (int, int) { return 1, 1 }

// ExtrapolationNeeds implements Polator.
func (Level) ExtrapolationNeeds() int { return 1 }

// Interpolate implements Polator.
func (Level) Interpolate(_ point.Stamp, before []point.Value, _ []point.Value) *float64 {
	return holdLast(before)
}

// Extrapolate implements Polator.
func (Level) Extrapolate(_ point.Stamp, before []point.Value) *float64 {
	return holdLast(before)
}

func holdLast(before []point.Value) *float64 {
	if len(before) == 0 {
		return nil
	}
	payload := before[len(before)-1].Payload
	if payload == nil {
		return nil
	}
	held := *payload
	return &held
}

// Linear draws a line through two actual values: the bracketing pair
// for interpolation, the two nearest preceding ones for extrapolation.
type Linear struct{}

// Kind implements Polator.
func (Linear) Kind() string { return KindLinear }

// InterpolationNeeds implements Polator.
func (Linear) InterpolationNeeds() (int, int) { return 1, 1 }

// ExtrapolationNeeds implements Polator.
func (Linear) ExtrapolationNeeds() int { return 2 }

// Interpolate implements Polator.
func (Linear) Interpolate(at point.Stamp, before []point.Value, after []point.Value) *float64 {
	if len(before) == 0 || len(after) == 0 {
		return nil
	}
	return line(at, before[len(before)-1], after[0])
}

// Extrapolate implements Polator.
func (Linear) Extrapolate(at point.Stamp, before []point.Value) *float64 {
	if len(before) < 2 {
		return nil
	}
	return line(at, before[len(before)-2], before[len(before)-1])
}

// line evaluates the two-point form y1 + (y2-y1)*(t-t1)/(t2-t1) at t.
func line(at point.Stamp, first point.Value, second point.Value) *float64 {
	if first.Payload == nil || second.Payload == nil || first.Stamp == second.Stamp {
		return nil
	}
	y1, y2 := *first.Payload, *second.Payload
	t1, t2 := first.Stamp, second.Stamp
	y := y1 + (y2-y1)*(float64(at-t1)/float64(t2-t1))
	return &y
}
