// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package store

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/point"
	"github.com/pointvault/pointvault/store/backend"
)

var (
	alphaUUID   = uuid.MustParse("0d7a1f4e-6b7c-4f32-9b61-8e2f35c70a11")
	betaUUID    = uuid.MustParse("5b9e2c83-41d5-4f0a-bd75-3fa1c9e60b22")
	gammaUUID   = uuid.MustParse("c2f40d96-78aa-45e1-8c1d-640b5d9e0c33")
	unknownUUID = uuid.MustParse("eeeeeeee-eeee-4eee-8eee-eeeeeeeeeeee")
)

func stampAt(minute int) point.Stamp {
	return point.StampOf(time.Date(2025, 6, 1, 10, minute, 0, 0, time.UTC))
}

func testMeta() *point.Metadata {
	return point.NewMetadata(
		&point.Point{UUID: alphaUUID, Name: "site.alpha", Kind: "linear"},
		&point.Point{UUID: betaUUID, Name: "site.beta", Kind: "level"},
		&point.Point{UUID: gammaUUID, Name: "site.gamma", Tombstones: true},
	)
}

func testStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		Name:             "TheStore",
		BackEnd:          "memory",
		QueryBatchLimit:  10,
		ConfirmRetries:   1,
		ConfirmDelay:     time.Millisecond,
		DenseFetchFactor: 4,
	}
}

func testServer(t *testing.T, engine backend.BackEnd) *Server {
	t.Helper()
	server := NewServer(testStoreConfig(), testMeta(), engine)
	if err := server.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	return server
}

// sink records fan-out batches, optionally failing every delivery.
type sink struct {
	mu      sync.Mutex
	batches [][]point.Value
	fail    bool
}

func (n *sink) Notify(values []point.Value) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("sink down")
	}
	n.batches = append(n.batches, values)
	return nil
}

func (n *sink) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, batch := range n.batches {
		count += len(batch)
	}
	return count
}

// flakyBackEnd makes the commit of the memory engine fail on demand.
type flakyBackEnd struct {
	*backend.Memory
	failCommit bool
}

func (f *flakyBackEnd) Commit() error {
	if f.failCommit {
		return errors.New("commit refused")
	}
	return f.Memory.Commit()
}

// noPurge hides the purge support of the memory engine.
type noPurge struct {
	*backend.Memory
}

func (noPurge) SupportsPurge() bool { return false }

func TestServerSelectAlignment(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))
	if _, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	good := point.NewQuery().SetPointUUID(alphaUUID).Build()
	bad := point.NewQuery().SetPointUUID(unknownUUID).Build()
	responses := server.Select(context.Background(), []*point.Query{&good, nil, &bad})

	if len(responses) != 3 {
		t.Fatalf("len(responses) = %d, want 3", len(responses))
	}
	if responses[0] == nil || !responses[0].Success() || responses[0].Size() != 1 {
		t.Errorf("responses[0] = %v, want one value", responses[0])
	}
	if responses[1] != nil {
		t.Error("a nil query slot must yield a nil response slot")
	}
	if responses[2] == nil || responses[2].Success() {
		t.Error("an unknown point must fail its own slot only")
	}
	if !errors.Is(responses[2].Err(), errors.ErrPointUnknown) {
		t.Errorf("responses[2].Err() = %v, want wrapping ErrPointUnknown", responses[2].Err())
	}
}

func TestServerSelectCancelled(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))

	query := point.NewQuery().SetPointUUID(alphaUUID).SetCancelled(true).Build()
	responses := server.Select(context.Background(), []*point.Query{&query})
	if responses[0].Success() {
		t.Fatal("a cancelled query must fail")
	}
	if !errors.Is(responses[0].Err(), errors.ErrQueryCancelled) {
		t.Errorf("Err() = %v, want wrapping ErrQueryCancelled", responses[0].Err())
	}
}

func TestServerUpdateFaultAlignment(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))
	notices := &sink{}
	server.SetNotifier(notices)

	faults, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
		point.NewValue(unknownUUID, stampAt(0), 2.0),
		point.NewValue(betaUUID, stampAt(0), 3.0),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(faults) != 3 {
		t.Fatalf("len(faults) = %d, want 3", len(faults))
	}
	if faults[0] != nil || faults[2] != nil {
		t.Errorf("faults = [%v, %v, %v], want nil first and last slots", faults[0], faults[1], faults[2])
	}
	if faults[1] == nil {
		t.Fatal("the unknown point must fault its own slot")
	}
	if !errors.Is(faults[1].Err(), errors.ErrPointUnknown) {
		t.Errorf("faults[1].Err() = %v, want wrapping ErrPointUnknown", faults[1].Err())
	}

	// Items 1 and 3 are committed and noticed; item 2 is not.
	if notices.total() != 2 {
		t.Errorf("noticed values = %d, want 2", notices.total())
	}
	for _, id := range []uuid.UUID{alphaUUID, betaUUID} {
		query := point.NewQuery().SetPointUUID(id).Build()
		if response := server.Select(context.Background(), []*point.Query{&query})[0]; response.Size() != 1 {
			t.Errorf("point %s: Size() = %d, want 1", id, response.Size())
		}
	}
}

func TestServerUpdateRollbackOnCommitFailure(t *testing.T) {
	engine := &flakyBackEnd{Memory: backend.NewMemory(0)}
	server := testServer(t, engine)
	notices := &sink{}
	server.SetNotifier(notices)

	if _, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
	}); err != nil {
		t.Fatalf("seed Update() error = %v", err)
	}

	engine.failCommit = true
	_, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 9.0),
		point.NewValue(betaUUID, stampAt(0), 9.0),
	})
	if err == nil {
		t.Fatal("Update() must surface the commit failure")
	}

	// The failed batch leaves no partial state and fans nothing out.
	query := point.NewQuery().SetPointUUID(alphaUUID).Build()
	response := server.Select(context.Background(), []*point.Query{&query})[0]
	if response.Size() != 1 {
		t.Fatalf("Size() = %d, want the seeded value only", response.Size())
	}
	if *response.Values[0].Payload != 1.0 {
		t.Errorf("Payload = %g, want the seeded 1.0", *response.Values[0].Payload)
	}
	other := point.NewQuery().SetPointUUID(betaUUID).Build()
	if response := server.Select(context.Background(), []*point.Query{&other})[0]; response.Size() != 0 {
		t.Errorf("beta Size() = %d, want 0 after rollback", response.Size())
	}
	if notices.total() != 1 {
		t.Errorf("noticed values = %d, want the seed batch only", notices.total())
	}
}

func TestServerUpdateDelete(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))

	if _, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
		point.NewValue(gammaUUID, stampAt(0), 1.0),
	}); err != nil {
		t.Fatalf("seed Update() error = %v", err)
	}

	faults, err := server.Update(context.Background(), []point.Value{
		point.NewTombstone(alphaUUID, stampAt(0)),
		point.NewTombstone(gammaUUID, stampAt(0)),
	})
	if err != nil {
		t.Fatalf("delete Update() error = %v", err)
	}
	for i, fault := range faults {
		if fault != nil {
			t.Errorf("faults[%d] = %v, want nil", i, fault)
		}
	}

	// Without tombstone support the value is simply gone.
	query := point.NewQuery().SetPointUUID(alphaUUID).Build()
	if response := server.Select(context.Background(), []*point.Query{&query})[0]; response.Size() != 0 {
		t.Errorf("alpha Size() = %d, want 0", response.Size())
	}

	// A tombstoned point keeps an explicit deletion marker.
	query = point.NewQuery().SetPointUUID(gammaUUID).Build()
	response := server.Select(context.Background(), []*point.Query{&query})[0]
	if response.Size() != 1 {
		t.Fatalf("gamma Size() = %d, want the tombstone", response.Size())
	}
	if !response.Values[0].IsDeleted() {
		t.Error("the stored marker must read as deleted")
	}
}

func TestServerFanOutFailureDoesNotFailUpdate(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))
	server.SetReplicator(&sink{fail: true})
	server.SetNotifier(&sink{fail: true})

	if _, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	query := point.NewQuery().SetPointUUID(alphaUUID).Build()
	if response := server.Select(context.Background(), []*point.Query{&query})[0]; response.Size() != 1 {
		t.Error("the batch must stay durable when fan-out fails")
	}
}

func TestServerPolatedSelect(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))
	if _, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
		point.NewValue(alphaUUID, stampAt(10), 3.0),
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	query := point.NewQuery().
		SetPointUUID(alphaUUID).
		SetInterpolated(true).
		SetStamps(stampAt(5)).
		Build()
	response := server.Select(context.Background(), []*point.Query{&query})[0]
	if !response.Success() {
		t.Fatalf("Select() fault = %v", response.Err())
	}
	if response.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", response.Size())
	}
	value := response.Values[0]
	if value.Origin != point.OriginInterpolated {
		t.Errorf("Origin = %v, want interpolated", value.Origin)
	}
	if value.Payload == nil || math.Abs(*value.Payload-2.0) > 1e-9 {
		t.Errorf("Payload = %v, want 2.0", value.Payload)
	}
}

func TestServerPurge(t *testing.T) {
	server := testServer(t, backend.NewMemory(0))
	if _, err := server.Update(context.Background(), []point.Value{
		point.NewValue(alphaUUID, stampAt(0), 1.0),
		point.NewValue(alphaUUID, stampAt(10), 2.0),
		point.NewValue(alphaUUID, stampAt(20), 3.0),
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	interval := point.NewInterval().SetNotBefore(stampAt(0)).SetNotAfter(stampAt(10)).Build()
	purged, err := server.Purge(context.Background(), []uuid.UUID{alphaUUID}, interval)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 2 {
		t.Errorf("Purge() = %d, want 2", purged)
	}

	if _, err := server.Purge(context.Background(), []uuid.UUID{unknownUUID}, interval); !errors.Is(err, errors.ErrPointUnknown) {
		t.Errorf("Purge() unknown point error = %v, want wrapping ErrPointUnknown", err)
	}
}

func TestServerPurgeUnsupported(t *testing.T) {
	server := testServer(t, noPurge{backend.NewMemory(0)})

	_, err := server.Purge(context.Background(), []uuid.UUID{alphaUUID}, point.UnlimitedInterval)
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("Purge() error = %v, want wrapping ErrUnsupported", err)
	}
}

func TestServerCapabilities(t *testing.T) {
	cfg := testStoreConfig()
	cfg.ResponseLimit = 500
	server := NewServer(cfg, testMeta(), backend.NewMemory(0))
	t.Cleanup(func() { _ = server.Close() })

	caps := server.Capabilities()
	if !caps.Count || !caps.Purge || !caps.Pull || !caps.Subscribe || !caps.Deliver {
		t.Errorf("Capabilities() = %+v, want everything enabled on the memory engine", caps)
	}
	if caps.ResponseLimit != 500 {
		t.Errorf("ResponseLimit = %d, want 500", caps.ResponseLimit)
	}

	cfg.PullDisabled = true
	disabled := NewServer(cfg, testMeta(), backend.NewMemory(0))
	t.Cleanup(func() { _ = disabled.Close() })
	if disabled.Capabilities().Pull {
		t.Error("Pull must be off when disabled by configuration")
	}
}
