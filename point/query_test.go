// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package point

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testMetadata(t *testing.T) (*Metadata, *Point) {
	t.Helper()
	p := &Point{
		UUID: uuid.MustParse("7f3de180-3a0f-4a56-9fd6-0ac4def1b906"),
		Name: "plant.temperature",
		Kind: "linear",
	}
	return NewMetadata(p), p
}

func TestQueryRestored(t *testing.T) {
	meta, p := testMetadata(t)

	byName := NewQuery().SetPointName(p.Name).Build()
	restored, err := byName.Restored(meta)
	if err != nil {
		t.Fatalf("Restored() error = %v", err)
	}
	if restored.PointUUID != p.UUID {
		t.Errorf("PointUUID = %v, want %v", restored.PointUUID, p.UUID)
	}

	unknown := NewQuery().SetPointName("no.such.point").Build()
	if _, err := unknown.Restored(meta); err == nil {
		t.Error("expected an error for an unknown point")
	}
}

func TestQueryRestoredFillsTimeLimit(t *testing.T) {
	p := &Point{
		UUID:      uuid.MustParse("34786a3c-4b9c-4a7e-9d22-27f0ab8655a0"),
		Name:      "limited.point",
		TimeLimit: 15 * time.Minute,
	}
	meta := NewMetadata(p)

	polated := NewQuery().SetPointName(p.Name).SetInterpolated(true).Build()
	restored, err := polated.Restored(meta)
	if err != nil {
		t.Fatalf("Restored() error = %v", err)
	}
	if restored.TimeLimit != p.TimeLimit {
		t.Errorf("TimeLimit = %v, want %v", restored.TimeLimit, p.TimeLimit)
	}

	explicit := NewQuery().SetPointName(p.Name).SetInterpolated(true).SetTimeLimit(time.Minute).Build()
	restored, err = explicit.Restored(meta)
	if err != nil {
		t.Fatalf("Restored() error = %v", err)
	}
	if restored.TimeLimit != time.Minute {
		t.Errorf("explicit TimeLimit = %v, want %v", restored.TimeLimit, time.Minute)
	}
}

func TestMarkContinuation(t *testing.T) {
	meta, p := testMetadata(t)
	base := StampOf(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	forward := NewQuery().
		SetPoint(p).
		SetNotBefore(base).
		SetNotAfter(base.Add(time.Hour)).
		SetRows(2).
		Build()
	if _, err := forward.Restored(meta); err != nil {
		t.Fatalf("Restored() error = %v", err)
	}

	last := base.Add(10 * time.Minute)
	next := NewMark(forward, last).NextQuery()
	if next.Interval.Contains(last) {
		t.Error("continuation must exclude the last delivered stamp")
	}
	if !next.Interval.Contains(last.Next()) {
		t.Error("continuation must include the next tick")
	}
	if !next.Interval.Contains(base.Add(time.Hour)) {
		t.Error("continuation must keep the original upper bound")
	}

	reverse := NewQuery().
		SetPoint(p).
		SetNotBefore(base).
		SetNotAfter(base.Add(time.Hour)).
		SetReverse(true).
		SetRows(2).
		Build()
	next = NewMark(reverse, last).NextQuery()
	if next.Interval.Contains(last) {
		t.Error("reverse continuation must exclude the last delivered stamp")
	}
	if !next.Interval.Contains(last.Prev()) {
		t.Error("reverse continuation must include the previous tick")
	}
	if !next.Interval.Contains(base) {
		t.Error("reverse continuation must keep the original lower bound")
	}
}
