// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
)

// Core carries the state shared by every served session: the client
// identification, the connection mode, the authenticated identity and
// the closed flag. Concrete sessions embed it and layer their protocol
// operations over its Handle.
type Core struct {
	factory *Factory
	client  string
	mode    string

	// self is the session the factory built around this core; Close
	// removes it from the factory's session set.
	self Session

	mu       sync.Mutex
	identity *Identity
	closed   bool
}

// Client returns the client identification presented at connect.
func (s *Core) Client() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// ConnectionMode reports how the peer is connected.
func (s *Core) ConnectionMode() string {
	return s.mode
}

// Identity returns the authenticated identity, nil before login.
func (s *Core) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Login authenticates the session. A failed login closes the session.
func (s *Core) Login(identifier string, password string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.NewSessionError("login", s.client, errors.ErrServiceClosed)
	}
	s.mu.Unlock()

	identity, err := s.factory.realm.Authenticate(identifier, password)
	if err != nil {
		_ = s.Close()
		return errors.NewSessionError("login", s.client, err)
	}

	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	logger.Debug().Str("client", s.client).Str("identifier", identifier).Msg("Session logged in")
	return nil
}

// Logout forgets the identity and closes the session.
func (s *Core) Logout() error {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
	return s.Close()
}

// Impersonate switches the session to another identity. The current
// identity must hold the impersonate role. An empty identifier restores
// nothing: it clears the identity while keeping the session open.
func (s *Core) Impersonate(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewSessionError("impersonate", s.client, errors.ErrServiceClosed)
	}
	if !s.identity.HasRole(RoleImpersonate) {
		return errors.NewSessionError("impersonate", s.client, errors.ErrUnauthorized)
	}
	if identifier == "" {
		s.identity = nil
		return nil
	}
	identity, known := s.factory.realm.Lookup(identifier)
	if !known {
		return errors.NewSessionError("impersonate", s.client,
			fmt.Errorf("%w: unknown identifier", errors.ErrUnauthorized))
	}
	logger.Info().Str("client", s.client).Str("identifier", identifier).Msg("Session impersonating")
	s.identity = identity
	return nil
}

// SecurityCheck verifies that the session may perform operations gated
// by the given role. A closed session always fails; a role with no
// configured mapping is unrestricted.
func (s *Core) SecurityCheck(role string) error {
	s.mu.Lock()
	closed, identity := s.closed, s.identity
	s.mu.Unlock()

	if closed {
		return errors.NewSessionError("security", s.client, errors.ErrServiceClosed)
	}
	if !s.factory.realm.CheckRole(identity, role) {
		return errors.NewSessionError("security", s.client, errors.ErrUnauthorized)
	}
	return nil
}

// Close releases the session. It is idempotent: any call after the first
// is a no-op.
func (s *Core) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.identity = nil
	client := s.client
	s.mu.Unlock()

	if s.self != nil {
		s.factory.removeSession(s.self)
	}
	logger.Debug().Str("client", client).Msg("Session closed")
	return nil
}

// IsClosed reports whether the session has been closed.
func (s *Core) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Handle serves the operations common to every session. Concrete
// sessions fall back to it for anything they do not handle themselves.
func (s *Core) Handle(_ context.Context, op string, params []byte) (any, error) {
	switch op {
	case "hello":
		var hello helloParams
		if err := json.Unmarshal(params, &hello); err != nil {
			return nil, errors.NewSessionError(op, s.client, err)
		}
		s.mu.Lock()
		if hello.Client != "" {
			s.client = hello.Client
		}
		s.mu.Unlock()
		return nil, nil
	case "login":
		var login loginParams
		if err := json.Unmarshal(params, &login); err != nil {
			return nil, errors.NewSessionError(op, s.client, err)
		}
		return nil, s.Login(login.Identifier, login.Password)
	case "logout":
		return nil, s.Logout()
	case "impersonate":
		var impersonate struct {
			Identifier string `json:"identifier"`
		}
		if err := json.Unmarshal(params, &impersonate); err != nil {
			return nil, errors.NewSessionError(op, s.client, err)
		}
		return nil, s.Impersonate(impersonate.Identifier)
	case "mode":
		return s.mode, nil
	case "ping":
		return nil, nil
	default:
		return nil, errors.NewSessionError(op, s.client, errors.ErrUnsupported)
	}
}
