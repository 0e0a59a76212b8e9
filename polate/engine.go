// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package polate

import (
	"context"
	"sort"

	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/metrics"
	"github.com/pointvault/pointvault/point"
)

// Engine drives one polated query: it walks the requested stamps and
// produces, for each, an interpolated value, an extrapolated value, or
// the explicit unknown marker. Interpolation is tried first when both
// are enabled.
type Engine struct {
	query       point.Query
	strategy    Polator
	actual      *ActualValues
	interBefore int
	interAfter  int
	extraBefore int
}

// NewEngine prepares an engine for a restored polated query. The point
// supplies the strategy kind; the factor tunes the dense-fetch cost
// switch of the actuals cache.
func NewEngine(query point.Query, pt *point.Point, selector Selector, factor int) (*Engine, error) {
	if !query.IsPolated() {
		return nil, errors.NewValidationError("query", query.String(), "not a polated query")
	}

	kind := ""
	if pt != nil {
		kind = pt.Kind
	}
	strategy := PolatorFor(kind)
	interBefore, interAfter := strategy.InterpolationNeeds()
	extraBefore := strategy.ExtrapolationNeeds()

	needsBefore := interBefore
	if query.Extrapolated && extraBefore > needsBefore {
		needsBefore = extraBefore
	}
	needsAfter := 0
	if query.Interpolated {
		needsAfter = interAfter
	}

	return &Engine{
		query:       query,
		strategy:    strategy,
		actual:      newActualValues(query.PointUUID, query.TimeLimit, needsBefore, needsAfter, selector, factor),
		interBefore: interBefore,
		interAfter:  interAfter,
		extraBefore: extraBefore,
	}, nil
}

// Run produces the response: one value per requested stamp, in order,
// truncated with a mark when the query's row limit is reached.
func (e *Engine) Run(ctx context.Context) *point.StoreValues {
	stamps, err := e.requestedStamps()
	if err != nil {
		return point.FailedStoreValues(err)
	}
	if len(stamps) == 0 {
		return point.NewStoreValues()
	}

	if err := e.actual.Load(ctx, stamps[0], stamps[len(stamps)-1], len(stamps)); err != nil {
		return point.FailedStoreValues(err)
	}

	response := point.NewStoreValues()
	for i, stamp := range stamps {
		if e.query.Rows > 0 && response.Size() >= e.query.Rows {
			response.Mark = point.NewMark(e.query, stamps[i-1])
			break
		}
		value, err := e.polateOne(ctx, stamp)
		if err != nil {
			return point.FailedStoreValues(err)
		}
		response.Add(value)
	}
	return response
}

// polateOne synthesizes the value at one requested stamp. An actual
// value stored exactly there is returned as is.
func (e *Engine) polateOne(ctx context.Context, at point.Stamp) (point.Value, error) {
	if stored, present, err := e.actual.At(ctx, at); err != nil {
		return point.Value{}, err
	} else if present {
		return stored, nil
	}

	if e.query.Interpolated {
		before, err := e.actual.Before(ctx, at, e.interBefore)
		if err != nil {
			return point.Value{}, err
		}
		after, err := e.actual.After(ctx, at, e.interAfter)
		if err != nil {
			return point.Value{}, err
		}
		if len(before) >= e.interBefore && len(after) >= e.interAfter {
			if payload := e.strategy.Interpolate(at, before, after); payload != nil {
				metrics.SynthesizedValues.WithLabelValues("interpolated").Inc()
				return point.Value{
					PointUUID: e.query.PointUUID,
					PointName: e.query.PointName,
					Stamp:     at,
					Payload:   payload,
					Origin:    point.OriginInterpolated,
				}, nil
			}
		}
	}

	if e.query.Extrapolated {
		before, err := e.actual.Before(ctx, at, e.extraBefore)
		if err != nil {
			return point.Value{}, err
		}
		if len(before) >= e.extraBefore {
			if payload := e.strategy.Extrapolate(at, before); payload != nil {
				metrics.SynthesizedValues.WithLabelValues("extrapolated").Inc()
				return point.Value{
					PointUUID: e.query.PointUUID,
					PointName: e.query.PointName,
					Stamp:     at,
					Payload:   payload,
					Origin:    point.OriginExtrapolated,
				}, nil
			}
		}
	}

	metrics.SynthesizedValues.WithLabelValues("unknown").Inc()
	marker := point.NewSynthesized(e.query.PointUUID, at)
	marker.PointName = e.query.PointName
	return marker, nil
}

// requestedStamps resolves the query cursor: the explicit stamp list
// when given, otherwise a step grid over the query interval. Grid
// stamps align to epoch multiples of the step, so paged continuations
// land on the same grid.
func (e *Engine) requestedStamps() ([]point.Stamp, error) {
	if len(e.query.Stamps) > 0 {
		stamps := make([]point.Stamp, 0, len(e.query.Stamps))
		for _, stamp := range e.query.Stamps {
			if e.query.Interval.Contains(stamp) {
				stamps = append(stamps, stamp)
			}
		}
		sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
		return stamps, nil
	}

	if e.query.Step <= 0 {
		return nil, errors.NewValidationError("query", e.query.String(),
			"polated query needs stamps or a step")
	}
	first, bounded := e.query.Interval.NotBefore()
	if !bounded {
		return nil, errors.NewValidationError("query", e.query.String(),
			"stepped query needs a bounded start")
	}
	last, bounded := e.query.Interval.NotAfter()
	if !bounded {
		return nil, errors.NewValidationError("query", e.query.String(),
			"stepped query needs a bounded end")
	}

	step := point.Stamp(e.query.Step.Nanoseconds())
	cursor := first
	// Floor-mod keeps the grid aligned for pre-epoch stamps, where the
	// native remainder is negative.
	if remainder := ((cursor % step) + step) % step; remainder != 0 {
		cursor += step - remainder
	}

	var stamps []point.Stamp
	for ; cursor <= last; cursor += step {
		stamps = append(stamps, cursor)
	}
	return stamps, nil
}
