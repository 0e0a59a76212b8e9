// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pointvault/pointvault/pkg/logger"
)

// directoryServer is the network surface of a created registry: a small
// HTTP JSON name-bind protocol (bind/rebind/unbind/lookup/list).
type directoryServer struct {
	mu        sync.RWMutex
	entries   map[string]Endpoint
	protected bool
	listener  net.Listener
	server    *http.Server
}

func newDirectoryServer(address string, port int, protected bool) (*directoryServer, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	ds := &directoryServer{
		entries:   make(map[string]Endpoint),
		protected: protected,
		listener:  listener,
	}

	limiter := rate.NewLimiter(50, 100)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /registry/", rateLimited(limiter, ds.handleList))
	mux.HandleFunc("GET /registry/{name}", rateLimited(limiter, ds.handleLookup))
	mux.HandleFunc("PUT /registry/{name}", ds.handleBind)
	mux.HandleFunc("DELETE /registry/{name}", ds.handleUnbind)

	ds.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if serveErr := ds.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error().Err(serveErr).Msg("Registry server stopped")
		}
	}()

	return ds, nil
}

// Port returns the bound port, which is OS-allocated for a stealth
// registry.
func (ds *directoryServer) Port() int {
	return ds.listener.Addr().(*net.TCPAddr).Port
}

// Bind stores the endpoint, returning true when an existing entry was
// replaced.
func (ds *directoryServer) Bind(endpoint Endpoint) (rebound bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	_, rebound = ds.entries[endpoint.Name]
	ds.entries[endpoint.Name] = endpoint
	return rebound
}

// Unbind removes the entry, returning false when the name was not bound.
func (ds *directoryServer) Unbind(name string) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, ok := ds.entries[name]; !ok {
		return false
	}
	delete(ds.entries, name)
	return true
}

// Lookup returns the endpoint bound under name.
func (ds *directoryServer) Lookup(name string) (Endpoint, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	endpoint, ok := ds.entries[name]
	return endpoint, ok
}

// List returns the bound names in sorted order.
func (ds *directoryServer) List() []string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	names := make([]string, 0, len(ds.entries))
	for name := range ds.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ds *directoryServer) Close() {
	ds.server.Close()
}

func (ds *directoryServer) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ds.List())
}

func (ds *directoryServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := ds.Lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "not bound", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func (ds *directoryServer) handleBind(w http.ResponseWriter, r *http.Request) {
	// A protected registry accepts bindings only from its owning
	// process, which binds in-process and never reaches this handler.
	if ds.protected {
		http.Error(w, "registry is protected", http.StatusForbidden)
		return
	}

	var endpoint Endpoint
	if err := json.NewDecoder(r.Body).Decode(&endpoint); err != nil {
		http.Error(w, "bad endpoint", http.StatusBadRequest)
		return
	}
	endpoint.Name = r.PathValue("name")

	rebind := r.URL.Query().Get("rebind") == "true"

	ds.mu.Lock()
	_, bound := ds.entries[endpoint.Name]
	if bound && !rebind {
		ds.mu.Unlock()
		http.Error(w, "already bound", http.StatusConflict)
		return
	}
	ds.entries[endpoint.Name] = endpoint
	ds.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (ds *directoryServer) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if ds.protected {
		http.Error(w, "registry is protected", http.StatusForbidden)
		return
	}
	if !ds.Unbind(r.PathValue("name")) {
		http.Error(w, "not bound", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug().Err(err).Msg("Registry response write failed")
	}
}

// rateLimited rejects requests above the limiter's rate with 429.
func rateLimited(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
