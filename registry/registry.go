// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package registry provides the process-wide directory mapping logical
// service names to exported session-factory endpoints.
//
// A registry operates in one of four modes:
//
//   - private: an in-process name map bypassing the network entirely;
//     lookups return the registered object itself.
//   - stealth: a network registry bound to an OS-allocated port.
//   - protected: a network registry that accepts bind/unbind only from
//     its owning process (a private or stealth registry is implicitly
//     protected).
//   - shared: the registry may live in another process on the local
//     host; setup locates it, waiting for it to come up if needed.
//
// The registry is an explicitly constructed handle injected into session
// factories and stores; there is no package-level instance.
package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/alarm"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/pkg/metrics"
)

// Connection modes recorded on endpoints so clients know how to dial.
const (
	ModeLocal     = "local"
	ModeSecure    = "secure"
	ModeCertified = "certified"
)

// Endpoint describes an exported session factory: where to dial it and
// which security tier the dial must use.
type Endpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

// Exporter is implemented by session factories: Export publishes the
// factory and returns its endpoint, Unexport withdraws it.
type Exporter interface {
	Export() (Endpoint, error)
	Unexport() error
}

const (
	locateRetryDelay    = time.Second
	locateBrowseTimeout = 2 * time.Second
)

// Registry is the service registry handle. Exactly one SetUp succeeds for
// the lifetime of the handle; the port is fixed at that point and later
// conflicting SetUp calls fail loudly.
type Registry struct {
	mu        sync.Mutex
	private   bool
	stealth   bool
	protected bool
	shared    bool
	created   bool
	address   string
	port      int
	ready     bool

	server    *directoryServer
	client    *Client
	announcer *announcer
	locals    map[string]Exporter
	exports   map[string]Exporter
	snooze    *alarm.Alarm
}

// New creates an unconfigured registry handle.
func New() *Registry {
	return &Registry{
		locals:  make(map[string]Exporter),
		exports: make(map[string]Exporter),
		snooze:  alarm.New(),
	}
}

// SetUp configures the registry from the registry property group. It
// either creates a directory (binding a socket, on an OS-allocated port
// when the configured port is 0) or locates an existing one on the local
// host, retrying while shared mode is set and the peer is not yet
// reachable. It fails permanently when not shared and the bind fails.
//
// SetUp is idempotent: a second call with the same port succeeds without
// effect; a conflicting port fails with ErrRegistryConflict.
func (r *Registry) SetUp(ctx context.Context, cfg config.RegistryConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		if !r.private && cfg.Port > 0 && cfg.Port != r.port {
			logger.Error().
				Int("configured_port", cfg.Port).
				Int("registry_port", r.port).
				Msg("Registry port conflict")
			return errors.NewRegistryError("setup", "",
				fmt.Errorf("%w: configured %d, running %d", errors.ErrRegistryConflict, cfg.Port, r.port))
		}
		return nil
	}

	r.private = cfg.Private
	r.stealth = !cfg.Private && cfg.Port == 0
	r.protected = cfg.Protected || cfg.Private || r.stealth
	r.shared = cfg.Shared
	r.address = cfg.Address
	r.port = cfg.Port

	if r.private {
		logger.Info().Msg("Created private registry")
		r.ready = true
		return nil
	}

	if err := r.setUpNetwork(ctx, cfg); err != nil {
		return err
	}

	r.ready = true
	return nil
}

func (r *Registry) setUpNetwork(ctx context.Context, cfg config.RegistryConfig) error {
	// Shared mode without a configured port: the peer may already be
	// announced over mDNS; browse before binding our own directory.
	if r.shared && r.port == 0 {
		if port, err := Locate(ctx, locateBrowseTimeout); err == nil {
			client := NewClient(net.JoinHostPort(r.address, strconv.Itoa(port)))
			if _, err := client.List(ctx); err == nil {
				r.port = port
				r.client = client
				logger.Info().Int("port", port).Msg("Located announced shared registry")
				return nil
			}
		}
	}

	server, err := newDirectoryServer(r.address, r.port, r.protected)
	if err == nil {
		r.server = server
		r.port = server.Port()
		r.created = true
		if cfg.Announce {
			r.announcer, err = announce(r.port)
			if err != nil {
				logger.Warn().Err(err).Msg("Registry mDNS announce failed")
			}
		}
		event := logger.Info().Str("address", r.address).Int("port", r.port)
		switch {
		case r.stealth:
			event.Msg("Created stealth registry")
		case r.protected:
			event.Msg("Created protected registry")
		default:
			event.Msg("Created registry")
		}
		return nil
	}

	if !r.shared {
		logger.Error().Err(err).Int("port", r.port).Msg("Registry create failed")
		return errors.NewRegistryError("setup", "", err)
	}

	return r.locateShared(ctx)
}

// locateShared polls the peer registry until it answers, snoozing between
// attempts. Cancelling the context aborts the wait.
func (r *Registry) locateShared(ctx context.Context) error {
	loggedWaiting := false
	for {
		client := NewClient(net.JoinHostPort(r.address, strconv.Itoa(r.port)))
		if _, err := client.List(ctx); err == nil {
			r.client = client
			logger.Info().Str("address", r.address).Int("port", r.port).Msg("Located shared registry")
			return nil
		}

		if !loggedWaiting {
			logger.Info().Int("port", r.port).Msg("Waiting for shared registry")
			loggedWaiting = true
		}

		if ctx.Err() != nil {
			return errors.NewRegistryError("setup", "", ctx.Err())
		}
		if _, err := r.snooze.Snooze(locateRetryDelay); err != nil {
			return errors.NewRegistryError("setup", "", err)
		}
	}
}

// IsPrivate reports whether the registry is private. Servers may use this
// to skip serialization-only precautions, since clients see their objects
// directly.
func (r *Registry) IsPrivate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.private
}

// IsProtected reports whether the registry rejects external bindings.
func (r *Registry) IsProtected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protected
}

// IsCreated reports whether this process owns the directory.
func (r *Registry) IsCreated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Port returns the registry port, -1 for a private registry.
func (r *Registry) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.private {
		return -1
	}
	return r.port
}

// Register exports the factory and binds its endpoint under name. On a
// name collision in the directory the entry is rebound with a warning; a
// second Register through the same handle for a name already exported by
// this process fails, since exactly one factory may hold a name.
func (r *Registry) Register(exporter Exporter, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return errors.NewRegistryError("bind", name, fmt.Errorf("registry not set up"))
	}
	if _, exported := r.exports[name]; exported {
		logger.Error().Str("name", name).Msg("Name already exported by this process")
		return errors.NewRegistryError("bind", name, fmt.Errorf("already exported"))
	}

	endpoint, err := exporter.Export()
	if err != nil {
		logger.Error().Err(err).Str("name", name).Msg("Factory export failed")
		return errors.NewRegistryError("export", name, err)
	}
	endpoint.Name = name

	if r.private {
		r.locals[name] = exporter
		r.exports[name] = exporter
		metrics.RegistryBindings.Inc()
		logger.Info().Str("name", name).Msg("Registered private service")
		return nil
	}

	r.exports[name] = exporter
	if err := r.bind(name, endpoint); err != nil {
		delete(r.exports, name)
		if unexportErr := exporter.Unexport(); unexportErr != nil {
			logger.Warn().Err(unexportErr).Str("name", name).Msg("Unexport after failed bind")
		}
		return err
	}

	metrics.RegistryBindings.Inc()
	logger.Info().Str("name", name).Str("url", endpoint.URL).Msg("Registered service")
	return nil
}

func (r *Registry) bind(name string, endpoint Endpoint) error {
	if r.created {
		if rebound := r.server.Bind(endpoint); rebound {
			logger.Warn().Str("name", name).Msg("Rebinding registry name")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.client.Bind(ctx, endpoint)
	if errors.Is(err, ErrAlreadyBound) {
		logger.Warn().Str("name", name).Msg("Rebinding registry name")
		err = r.client.Rebind(ctx, endpoint)
	}
	if err != nil {
		if errors.Is(err, ErrProtected) {
			// A protected peer registry refuses external bindings;
			// fail cleanly without crashing the caller.
			logger.Error().Str("name", name).Msg("Peer registry is protected")
		} else {
			logger.Error().Err(err).Str("name", name).Msg("Registry bind failed")
		}
		return errors.NewRegistryError("bind", name, err)
	}
	return nil
}

// Unregister unbinds and unexports the named factory. Double unregister
// and not-bound names are tolerated: they log, never fail the caller.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(name)
}

func (r *Registry) unregisterLocked(name string) {
	if !r.private {
		if r.created {
			if !r.server.Unbind(name) {
				logger.Warn().Str("name", name).Msg("Registry name not bound")
			}
		} else if r.client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.client.Unbind(ctx, name)
			cancel()
			if errors.Is(err, errors.ErrNotBound) {
				logger.Warn().Str("name", name).Msg("Registry name not bound")
			} else if err != nil {
				logger.Debug().Err(err).Str("name", name).Msg("Registry unbind failed")
			}
		}
	}

	exporter, exported := r.exports[name]
	if !exported {
		logger.Warn().Str("name", name).Msg("Name not registered")
		return
	}
	delete(r.exports, name)
	delete(r.locals, name)
	metrics.RegistryBindings.Dec()

	if err := exporter.Unexport(); err != nil {
		logger.Warn().Err(err).Str("name", name).Msg("Factory unexport failed")
	}
	logger.Info().Str("name", name).Msg("Unregistered service")
}

// Purge forcibly unregisters everything. It is meant for shutdown, so
// stale bindings never leak across restarts.
func (r *Registry) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.exports {
		logger.Warn().Str("name", name).Msg("Purging registry export")
		r.unregisterLocked(name)
	}

	if r.created {
		for _, name := range r.server.List() {
			logger.Warn().Str("name", name).Msg("Purging registry entry")
			r.server.Unbind(name)
		}
	}
}

// Lookup resolves a name to its endpoint. For a private registry use
// LookupLocal instead.
func (r *Registry) Lookup(ctx context.Context, name string) (Endpoint, error) {
	r.mu.Lock()
	created, server, client := r.created, r.server, r.client
	r.mu.Unlock()

	if created {
		endpoint, ok := server.Lookup(name)
		if !ok {
			return Endpoint{}, errors.NewRegistryError("lookup", name, errors.ErrNotBound)
		}
		return endpoint, nil
	}
	if client != nil {
		return client.Lookup(ctx, name)
	}
	return Endpoint{}, errors.NewRegistryError("lookup", name, fmt.Errorf("registry not set up"))
}

// LookupLocal resolves a name registered on a private registry to the
// registered object itself, bypassing the network.
func (r *Registry) LookupLocal(name string) (Exporter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exporter, ok := r.locals[name]
	return exporter, ok
}

// TearDown purges all entries and stops the directory server.
func (r *Registry) TearDown() {
	r.Purge()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snooze.Close()
	if r.announcer != nil {
		r.announcer.shutdown()
		r.announcer = nil
	}
	if r.server != nil {
		r.server.Close()
		r.server = nil
	}
	r.ready = false
}
