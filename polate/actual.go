// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package polate

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pointvault/pointvault/point"
)

// ActualValues caches the stored values serving one polated query: an
// ascending per-point sample list filled through the selector, with
// mark paging and one-shot selection extensions past each end.
//
// Two fetch regimes exist. The scan regime prefetches the whole
// requested span; the lookup regime fetches small brackets around each
// requested stamp. The choice is a cost switch: when the span holds
// more stored values than requestedCount * factor * (before + after),
// scanning would read mostly unused samples, so lookups win.
type ActualValues struct {
	selector    Selector
	pointUUID   uuid.UUID
	timeLimit   time.Duration
	factor      int
	needsBefore int
	needsAfter  int

	values  []point.Value
	lookups bool

	extendedBefore bool
	extendedAfter  bool
}

func newActualValues(pointUUID uuid.UUID, timeLimit time.Duration, needsBefore int, needsAfter int, selector Selector, factor int) *ActualValues {
	if factor < 1 {
		factor = 1
	}
	return &ActualValues{
		selector:    selector,
		pointUUID:   pointUUID,
		timeLimit:   timeLimit,
		factor:      factor,
		needsBefore: needsBefore,
		needsAfter:  needsAfter,
	}
}

// Load primes the cache for requested stamps spanning [first, last].
func (a *ActualValues) Load(ctx context.Context, first point.Stamp, last point.Stamp, requestedCount int) error {
	interval := point.NewInterval().SetNotBefore(first).SetNotAfter(last).Build()

	stored, counted := a.count(ctx, interval)
	if counted && stored > int64(requestedCount*a.factor*(a.needsBefore+a.needsAfter)) {
		a.lookups = true
		return nil
	}

	return a.scan(ctx, point.NewQuery().
		SetPointUUID(a.pointUUID).
		SetInterval(interval).
		Build())
}

// count asks the store how many values the span holds. Engines without
// count support force the scan regime.
func (a *ActualValues) count(ctx context.Context, interval point.TimeInterval) (int64, bool) {
	response := a.selector.Select(ctx, point.NewQuery().
		SetPointUUID(a.pointUUID).
		SetInterval(interval).
		SetCount(true).
		Build())
	if !response.Success() {
		return 0, false
	}
	return response.Count, true
}

// scan drains a query into the cache, following marks.
func (a *ActualValues) scan(ctx context.Context, query point.Query) error {
	for {
		response := a.selector.Select(ctx, query)
		if !response.Success() {
			return response.Err()
		}
		for _, value := range response.Values {
			a.merge(value)
		}
		if response.Mark == nil {
			return nil
		}
		query = response.Mark.NextQuery()
	}
}

// merge inserts a value keeping the cache ascending and stamp-unique.
// Null payloads are not usable for synthesis and are dropped.
func (a *ActualValues) merge(value point.Value) {
	if value.Payload == nil {
		return
	}
	i := sort.Search(len(a.values), func(j int) bool {
		return a.values[j].Stamp >= value.Stamp
	})
	if i < len(a.values) && a.values[i].Stamp == value.Stamp {
		a.values[i] = value
		return
	}
	a.values = append(a.values, point.Value{})
	copy(a.values[i+1:], a.values[i:])
	a.values[i] = value
}

// At returns the actual value stored exactly at the stamp.
func (a *ActualValues) At(ctx context.Context, at point.Stamp) (point.Value, bool, error) {
	if a.lookups {
		if err := a.lookupAround(ctx, at); err != nil {
			return point.Value{}, false, err
		}
	}
	i := sort.Search(len(a.values), func(j int) bool {
		return a.values[j].Stamp >= at
	})
	if i < len(a.values) && a.values[i].Stamp == at {
		return a.values[i], true, nil
	}
	return point.Value{}, false, nil
}

// Before returns up to n usable values strictly before the stamp, in
// ascending order, all within the time limit. When the cache runs short
// it extends the selection past its start, once.
func (a *ActualValues) Before(ctx context.Context, at point.Stamp, n int) ([]point.Value, error) {
	if a.lookups {
		if err := a.lookupAround(ctx, at); err != nil {
			return nil, err
		}
	} else if len(a.collectBefore(at, n)) < n && !a.extendedBefore {
		a.extendedBefore = true
		if err := a.extendBefore(ctx, at, n); err != nil {
			return nil, err
		}
	}
	return a.collectBefore(at, n), nil
}

// After returns up to n usable values strictly after the stamp, in
// ascending order, all within the time limit. When the cache runs short
// it extends the selection past its end, once.
func (a *ActualValues) After(ctx context.Context, at point.Stamp, n int) ([]point.Value, error) {
	if a.lookups {
		if err := a.lookupAround(ctx, at); err != nil {
			return nil, err
		}
	} else if len(a.collectAfter(at, n)) < n && !a.extendedAfter {
		a.extendedAfter = true
		if err := a.extendAfter(ctx, at, n); err != nil {
			return nil, err
		}
	}
	return a.collectAfter(at, n), nil
}

func (a *ActualValues) collectBefore(at point.Stamp, n int) []point.Value {
	i := sort.Search(len(a.values), func(j int) bool {
		return a.values[j].Stamp >= at
	})
	start := i - n
	if start < 0 {
		start = 0
	}
	candidates := a.values[start:i]
	if a.timeLimit > 0 {
		for len(candidates) > 0 && at.Sub(candidates[0].Stamp) > a.timeLimit {
			candidates = candidates[1:]
		}
	}
	return candidates
}

func (a *ActualValues) collectAfter(at point.Stamp, n int) []point.Value {
	i := sort.Search(len(a.values), func(j int) bool {
		return a.values[j].Stamp > at
	})
	end := i + n
	if end > len(a.values) {
		end = len(a.values)
	}
	candidates := a.values[i:end]
	if a.timeLimit > 0 {
		for len(candidates) > 0 && candidates[len(candidates)-1].Stamp.Sub(at) > a.timeLimit {
			candidates = candidates[:len(candidates)-1]
		}
	}
	return candidates
}

func (a *ActualValues) extendBefore(ctx context.Context, at point.Stamp, n int) error {
	builder := point.NewQuery().
		SetPointUUID(a.pointUUID).
		SetBefore(a.floor(at)).
		SetReverse(true).
		SetRows(n)
	if a.timeLimit > 0 {
		builder.SetNotBefore(at.Add(-a.timeLimit))
	}
	return a.scanLimited(ctx, builder.Build())
}

func (a *ActualValues) extendAfter(ctx context.Context, at point.Stamp, n int) error {
	builder := point.NewQuery().
		SetPointUUID(a.pointUUID).
		SetAfter(a.ceiling(at)).
		SetRows(n)
	if a.timeLimit > 0 {
		builder.SetNotAfter(at.Add(a.timeLimit))
	}
	return a.scanLimited(ctx, builder.Build())
}

// scanLimited fetches one bounded page into the cache, without
// following marks: the extension asked for exactly what it needs.
func (a *ActualValues) scanLimited(ctx context.Context, query point.Query) error {
	response := a.selector.Select(ctx, query)
	if !response.Success() {
		return response.Err()
	}
	for _, value := range response.Values {
		a.merge(value)
	}
	return nil
}

// lookupAround fetches a small bracket for one requested stamp: the
// values needed before and after it, plus the stamp itself.
func (a *ActualValues) lookupAround(ctx context.Context, at point.Stamp) error {
	if a.needsBefore > 0 {
		builder := point.NewQuery().
			SetPointUUID(a.pointUUID).
			SetNotAfter(at).
			SetReverse(true).
			SetRows(a.needsBefore + 1)
		if a.timeLimit > 0 {
			builder.SetNotBefore(at.Add(-a.timeLimit))
		}
		if err := a.scanLimited(ctx, builder.Build()); err != nil {
			return err
		}
	}
	if a.needsAfter > 0 {
		builder := point.NewQuery().
			SetPointUUID(a.pointUUID).
			SetAfter(at).
			SetRows(a.needsAfter)
		if a.timeLimit > 0 {
			builder.SetNotAfter(at.Add(a.timeLimit))
		}
		if err := a.scanLimited(ctx, builder.Build()); err != nil {
			return err
		}
	}
	return nil
}

// floor returns the lesser of the cache start and the stamp, so the
// extension never refetches cached ground.
func (a *ActualValues) floor(at point.Stamp) point.Stamp {
	if len(a.values) > 0 && a.values[0].Stamp < at {
		return a.values[0].Stamp
	}
	return at
}

func (a *ActualValues) ceiling(at point.Stamp) point.Stamp {
	if len(a.values) > 0 && a.values[len(a.values)-1].Stamp > at {
		return a.values[len(a.values)-1].Stamp
	}
	return at
}
