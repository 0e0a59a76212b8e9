// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/pkg/metrics"
	"github.com/pointvault/pointvault/point"
	"github.com/pointvault/pointvault/registry"
)

// Builder creates the concrete session served by a factory. It is the
// extension hook: the core carries identity, connection mode and
// lifecycle, the built session adds its protocol operations on top.
type Builder func(core *Core) (Session, error)

// Session is a served session.
type Session interface {
	// Handle performs one protocol operation.
	Handle(ctx context.Context, op string, params []byte) (any, error)
	// ConnectionMode reports how the peer is connected.
	ConnectionMode() string
	// Close releases the session. It is idempotent.
	Close() error
	// IsClosed reports whether the session has been closed.
	IsClosed() bool
}

const sessionPath = "/session"

// Factory accepts connections for one registered service name and serves
// sessions on them. Its lifecycle is: created, exported, serving
// sessions, unexported, closed.
type Factory struct {
	name     string
	reg      *registry.Registry
	security *SecurityContext
	realm    *Realm
	builder  Builder
	address  string

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	sessions map[Session]struct{}
	exported bool
	closed   bool
}

// NewFactory creates a session factory for the named service. The
// address is the host the listener binds to; the port is always
// OS-allocated, the registry endpoint makes it discoverable.
func NewFactory(name string, address string, reg *registry.Registry, security *SecurityContext, realm *Realm, builder Builder) *Factory {
	if address == "" {
		address = "127.0.0.1"
	}
	return &Factory{
		name:     name,
		reg:      reg,
		security: security,
		realm:    realm,
		builder:  builder,
		address:  address,
		sessions: make(map[Session]struct{}),
	}
}

// Name returns the service name the factory is registered under.
func (f *Factory) Name() string {
	return f.name
}

// Realm returns the factory's authentication realm.
func (f *Factory) Realm() *Realm {
	return f.realm
}

// Export publishes the factory. On a private registry the factory is its
// own stub and no listener is created; otherwise a listener is bound on
// an OS-allocated port with the TLS tier of the security context. A
// factory exports at most once.
func (f *Factory) Export() (registry.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return registry.Endpoint{}, errors.NewSessionError("export", f.name, errors.ErrServiceClosed)
	}
	if f.exported {
		return registry.Endpoint{}, errors.NewSessionError("export", f.name, fmt.Errorf("already exported"))
	}

	if f.reg.IsPrivate() {
		f.exported = true
		logger.Debug().Str("factory", f.name).Msg("Factory exported privately")
		return registry.Endpoint{Name: f.name, Mode: registry.ModeLocal}, nil
	}

	mode := f.security.ServerMode()
	tlsConfig, err := f.security.ServerTLSConfig(mode)
	if err != nil {
		return registry.Endpoint{}, errors.NewSessionError("export", f.name, err)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(f.address, "0"))
	if err != nil {
		return registry.Endpoint{}, errors.NewSessionError("export", f.name, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+sessionPath, f.handleConnection)
	f.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	f.listener = listener
	f.exported = true

	go func() {
		if serveErr := f.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error().Err(serveErr).Str("factory", f.name).Msg("Factory listener failed")
		}
	}()

	url := fmt.Sprintf("ws://%s%s", listener.Addr().String(), sessionPath)
	logger.Info().Str("factory", f.name).Str("url", url).Str("mode", mode).Msg("Factory exported")
	return registry.Endpoint{Name: f.name, URL: url, Mode: mode}, nil
}

// Unexport withdraws the factory from the network. Live sessions stay
// open until the factory is closed.
func (f *Factory) Unexport() error {
	f.mu.Lock()
	server := f.server
	f.server = nil
	f.listener = nil
	f.exported = false
	f.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return errors.NewSessionError("unexport", f.name, err)
		}
	}
	logger.Debug().Str("factory", f.name).Msg("Factory unexported")
	return nil
}

// CreateSession builds a session for an in-process client. It is the
// private-registry path: the caller got the factory itself from the
// registry and short-circuits the wire.
func (f *Factory) CreateSession(clientName string) (Session, error) {
	return f.createSession(registry.ModeLocal, clientName)
}

func (f *Factory) createSession(mode string, clientName string) (Session, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.NewSessionError("create", clientName, errors.ErrServiceClosed)
	}
	f.mu.Unlock()

	core := &Core{
		factory: f,
		client:  clientName,
		mode:    mode,
	}
	built, err := f.builder(core)
	if err != nil {
		return nil, errors.NewSessionError("create", clientName, err)
	}
	core.self = built

	f.mu.Lock()
	f.sessions[built] = struct{}{}
	f.mu.Unlock()
	metrics.SessionsActive.WithLabelValues(f.name).Inc()
	logger.Debug().Str("factory", f.name).Str("client", clientName).Str("mode", mode).Msg("Session created")
	return built, nil
}

func (f *Factory) removeSession(session Session) {
	f.mu.Lock()
	_, present := f.sessions[session]
	delete(f.sessions, session)
	f.mu.Unlock()
	if present {
		metrics.SessionsActive.WithLabelValues(f.name).Dec()
	}
}

// Close unexports the factory and closes every live session.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	_ = f.Unexport()

	f.mu.Lock()
	snapshot := make([]Session, 0, len(f.sessions))
	for session := range f.sessions {
		snapshot = append(snapshot, session)
	}
	f.mu.Unlock()

	for _, session := range snapshot {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Str("factory", f.name).Msg("Session close failed")
		}
	}
	logger.Info().Str("factory", f.name).Int("sessions", len(snapshot)).Msg("Factory closed")
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (f *Factory) handleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("factory", f.name).Msg("WebSocket upgrade failed")
		return
	}
	defer func() {
		_ = ws.Close()
	}()

	mode := resolveMode(false, r.RemoteAddr, r.TLS)
	served, err := f.createSession(mode, r.RemoteAddr)
	if err != nil {
		logger.Warn().Err(err).Str("factory", f.name).Msg("Session create failed")
		return
	}
	defer func() {
		_ = served.Close()
	}()

	f.serve(r.Context(), ws, served)
}

// serve runs the request/response loop for one connection.
func (f *Factory) serve(ctx context.Context, ws *websocket.Conn, served Session) {
	for {
		var envelope request
		if err := ws.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("factory", f.name).Msg("Session connection lost")
			}
			return
		}

		result, opErr := served.Handle(ctx, envelope.Op, envelope.Params)

		reply := response{ID: envelope.ID}
		if opErr != nil {
			reply.Error = point.FaultOf(opErr)
		} else if result != nil {
			encoded, encErr := json.Marshal(result)
			if encErr != nil {
				reply.Error = point.FaultOf(encErr)
			} else {
				reply.Result = encoded
			}
		}

		if err := ws.WriteJSON(reply); err != nil {
			logger.Debug().Err(err).Str("factory", f.name).Msg("Session write failed")
			return
		}

		if served.IsClosed() {
			return
		}
	}
}
