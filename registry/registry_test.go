// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
)

type fakeExporter struct {
	endpoint   Endpoint
	exported   int
	unexported int
	failExport bool
}

func (f *fakeExporter) Export() (Endpoint, error) {
	if f.failExport {
		return Endpoint{}, errors.New("export refused")
	}
	f.exported++
	return f.endpoint, nil
}

func (f *fakeExporter) Unexport() error {
	f.unexported++
	return nil
}

func privateRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	if err := r.SetUp(context.Background(), config.RegistryConfig{Private: true}); err != nil {
		t.Fatalf("SetUp() error = %v", err)
	}
	t.Cleanup(r.TearDown)
	return r
}

func stealthRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	cfg := config.RegistryConfig{Address: "127.0.0.1", Port: 0}
	if err := r.SetUp(context.Background(), cfg); err != nil {
		t.Fatalf("SetUp() error = %v", err)
	}
	t.Cleanup(r.TearDown)
	return r
}

func TestPrivateRegistryLookupLocal(t *testing.T) {
	r := privateRegistry(t)
	exporter := &fakeExporter{}

	if err := r.Register(exporter, "TheStore"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if r.Port() != -1 {
		t.Errorf("Port() = %d, want -1 for a private registry", r.Port())
	}

	got, ok := r.LookupLocal("TheStore")
	if !ok {
		t.Fatal("LookupLocal() did not find the registered service")
	}
	if got != exporter {
		t.Error("LookupLocal() must return the registered object itself")
	}
}

func TestRegisterNameUniqueness(t *testing.T) {
	r := privateRegistry(t)

	if err := r.Register(&fakeExporter{}, "TheStore"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&fakeExporter{}, "TheStore"); err == nil {
		t.Error("expected a second Register under the same name to fail")
	}
}

func TestUnregisterIsTolerant(t *testing.T) {
	r := privateRegistry(t)
	exporter := &fakeExporter{}

	if err := r.Register(exporter, "TheStore"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Unregister("TheStore")
	if exporter.unexported != 1 {
		t.Errorf("unexported = %d, want 1", exporter.unexported)
	}

	// Double unregister and unknown names log, never fail.
	r.Unregister("TheStore")
	r.Unregister("NeverBound")
	if exporter.unexported != 1 {
		t.Errorf("unexported after double unregister = %d, want 1", exporter.unexported)
	}
}

func TestFailedExportDoesNotBind(t *testing.T) {
	r := privateRegistry(t)

	if err := r.Register(&fakeExporter{failExport: true}, "TheStore"); err == nil {
		t.Fatal("expected Register to fail when export fails")
	}
	if _, ok := r.LookupLocal("TheStore"); ok {
		t.Error("a failed export must not leave a binding behind")
	}
}

func TestStealthRegistryNetworkBind(t *testing.T) {
	r := stealthRegistry(t)

	if !r.IsCreated() {
		t.Fatal("stealth registry must own its directory")
	}
	if !r.IsProtected() {
		t.Error("a stealth registry is implicitly protected")
	}
	if r.Port() <= 0 {
		t.Fatalf("Port() = %d, want an OS-allocated port", r.Port())
	}

	exporter := &fakeExporter{endpoint: Endpoint{URL: "ws://127.0.0.1:9999/session", Mode: ModeLocal}}
	if err := r.Register(exporter, "TheStore"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	endpoint, err := r.Lookup(context.Background(), "TheStore")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if endpoint.URL != exporter.endpoint.URL {
		t.Errorf("Lookup().URL = %q, want %q", endpoint.URL, exporter.endpoint.URL)
	}

	if _, err := r.Lookup(context.Background(), "NoSuchService"); !errors.Is(err, errors.ErrNotBound) {
		t.Errorf("Lookup(unknown) error = %v, want wrapping ErrNotBound", err)
	}
}

func TestSetUpIdempotentAndConflicting(t *testing.T) {
	r := stealthRegistry(t)
	port := r.Port()

	// Same configuration: no effect.
	if err := r.SetUp(context.Background(), config.RegistryConfig{Address: "127.0.0.1", Port: 0}); err != nil {
		t.Errorf("idempotent SetUp() error = %v", err)
	}

	// Conflicting port: loud failure.
	err := r.SetUp(context.Background(), config.RegistryConfig{Address: "127.0.0.1", Port: port + 1})
	if !errors.Is(err, errors.ErrRegistryConflict) {
		t.Errorf("conflicting SetUp() error = %v, want wrapping ErrRegistryConflict", err)
	}
}

func TestProtectedDirectoryRefusesRemoteBind(t *testing.T) {
	r := stealthRegistry(t)

	client := NewClient(net.JoinHostPort("127.0.0.1", strconv.Itoa(r.Port())))
	err := client.Bind(context.Background(), Endpoint{Name: "Intruder", URL: "ws://evil:1/session"})
	if !errors.Is(err, ErrProtected) {
		t.Errorf("remote Bind on a protected directory error = %v, want ErrProtected", err)
	}
}

func TestSharedRegistryBrowseFallsBackToCreate(t *testing.T) {
	r := New()
	cfg := config.RegistryConfig{Address: "127.0.0.1", Shared: true}
	if err := r.SetUp(context.Background(), cfg); err != nil {
		t.Fatalf("SetUp() error = %v", err)
	}
	t.Cleanup(r.TearDown)

	// With no port configured the browse runs first; whether a peer
	// answered or not, setup must end with a usable registry.
	if r.Port() <= 0 {
		t.Fatalf("Port() = %d, want a located or created registry", r.Port())
	}
}

func TestLocateFindsAnnouncedRegistry(t *testing.T) {
	owner := New()
	cfg := config.RegistryConfig{Address: "127.0.0.1", Port: 0, Announce: true}
	if err := owner.SetUp(context.Background(), cfg); err != nil {
		t.Fatalf("owner SetUp() error = %v", err)
	}
	t.Cleanup(owner.TearDown)

	port, err := Locate(context.Background(), 3*time.Second)
	if err != nil {
		t.Skipf("mDNS browse unavailable in this environment: %v", err)
	}
	if port != owner.Port() {
		t.Errorf("Locate() port = %d, want the announced %d", port, owner.Port())
	}
}

func TestSharedRegistryLocatesPeer(t *testing.T) {
	owner := New()
	cfg := config.RegistryConfig{Address: "127.0.0.1", Port: 0}
	if err := owner.SetUp(context.Background(), cfg); err != nil {
		t.Fatalf("owner SetUp() error = %v", err)
	}
	t.Cleanup(owner.TearDown)

	peer := New()
	peerCfg := config.RegistryConfig{Address: "127.0.0.1", Port: owner.Port(), Shared: true}
	if err := peer.SetUp(context.Background(), peerCfg); err != nil {
		t.Fatalf("peer SetUp() error = %v", err)
	}
	t.Cleanup(peer.TearDown)

	if peer.IsCreated() {
		t.Error("the peer must locate, not create")
	}
}
