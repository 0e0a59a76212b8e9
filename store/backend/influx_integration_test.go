// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/influxdb"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/point"
)

func startInflux(t *testing.T, ctx context.Context) *Influx {
	t.Helper()

	container, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	if err != nil {
		t.Fatalf("Failed to start InfluxDB container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionUrl(ctx)
	if err != nil {
		t.Fatalf("Failed to get InfluxDB URL: %v", err)
	}

	engine := NewInflux(config.InfluxConfig{
		URL:          url,
		Token:        "test-token",
		Organization: "test-org",
		Bucket:       "test-bucket",
	})
	if err := engine.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func commitValues(t *testing.T, engine *Influx, minutes ...int) {
	t.Helper()
	engine.BeginUpdates()
	for _, minute := range minutes {
		value := point.NewValue(testPointUUID, stampAt(minute), float64(minute))
		if err := engine.Update(point.NewVersionedValue(value, 0)); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	if err := engine.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	engine.EndUpdates()
}

// TestIntegration_UpdateAndSelect writes a committed batch and reads it
// back in stamp order.
func TestIntegration_UpdateAndSelect(t *testing.T) {
	ctx := context.Background()
	engine := startInflux(t, ctx)

	commitValues(t, engine, 0, 10, 20)

	query := point.NewQuery().
		SetPointUUID(testPointUUID).
		SetNotBefore(stampAt(0)).
		SetNotAfter(stampAt(20)).
		Build()
	response := engine.CreateResponse(ctx, query)
	if !response.Success() {
		t.Fatalf("CreateResponse() fault = %v", response.Err())
	}
	if response.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", response.Size())
	}
	for i := 1; i < response.Size(); i++ {
		if !response.Values[i-1].Stamp.Before(response.Values[i].Stamp) {
			t.Error("values must come back in ascending stamp order")
		}
	}
	if payload := response.Values[1].Payload; payload == nil || *payload != 10.0 {
		t.Errorf("Values[1].Payload = %v, want 10.0", payload)
	}
}

// TestIntegration_ReverseSelect reads the newest values first.
func TestIntegration_ReverseSelect(t *testing.T) {
	ctx := context.Background()
	engine := startInflux(t, ctx)

	commitValues(t, engine, 0, 10, 20)

	query := point.NewQuery().
		SetPointUUID(testPointUUID).
		SetNotAfter(stampAt(20)).
		SetReverse(true).
		SetRows(2).
		Build()
	response := engine.CreateResponse(ctx, query)
	if !response.Success() {
		t.Fatalf("CreateResponse() fault = %v", response.Err())
	}
	if response.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", response.Size())
	}
	if response.Values[0].Stamp != stampAt(20) {
		t.Errorf("Values[0].Stamp = %v, want %v", response.Values[0].Stamp, stampAt(20))
	}
}

// TestIntegration_Delete removes one stamp and reads back the rest.
func TestIntegration_Delete(t *testing.T) {
	ctx := context.Background()
	engine := startInflux(t, ctx)

	commitValues(t, engine, 0, 10)

	engine.BeginUpdates()
	doomed := point.NewVersionedValue(point.NewTombstone(testPointUUID, stampAt(0)), 0)
	if _, err := engine.Delete(doomed); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := engine.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	engine.EndUpdates()

	// Deletes apply asynchronously; poll briefly before giving up.
	deadline := time.Now().Add(10 * time.Second)
	for {
		query := point.NewQuery().SetPointUUID(testPointUUID).Build()
		response := engine.CreateResponse(ctx, query)
		if !response.Success() {
			t.Fatalf("CreateResponse() fault = %v", response.Err())
		}
		if response.Size() == 1 {
			if response.Values[0].Stamp != stampAt(10) {
				t.Errorf("remaining Stamp = %v, want %v", response.Values[0].Stamp, stampAt(10))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Size() = %d, want 1 after delete", response.Size())
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// TestIntegration_RollbackDiscardsBatch verifies that nothing of a rolled
// back batch reaches the bucket.
func TestIntegration_RollbackDiscardsBatch(t *testing.T) {
	ctx := context.Background()
	engine := startInflux(t, ctx)

	engine.BeginUpdates()
	value := point.NewValue(testPointUUID, stampAt(0), 1.0)
	if err := engine.Update(point.NewVersionedValue(value, 0)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	engine.Rollback()
	engine.EndUpdates()

	query := point.NewQuery().SetPointUUID(testPointUUID).Build()
	response := engine.CreateResponse(ctx, query)
	if !response.Success() {
		t.Fatalf("CreateResponse() fault = %v", response.Err())
	}
	if response.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after rollback", response.Size())
	}
}
