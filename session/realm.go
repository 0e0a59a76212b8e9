// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/pkg/metrics"
)

// RoleImpersonate allows an identity to assume another identity on an
// already authenticated session.
const RoleImpersonate = "impersonate"

// Identity is an authenticated realm user.
type Identity struct {
	Identifier string
	Roles      []string
}

// HasRole reports whether the identity holds the given role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, held := range i.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// Realm authenticates identities against bcrypt password hashes and maps
// required roles to the identity roles accepted for them. Users and role
// mappings can be swapped at runtime on a configuration reload.
type Realm struct {
	mu       sync.RWMutex
	users    map[string]config.RealmUser
	rolesMap map[string][]string
}

// NewRealm builds a realm from its property group.
func NewRealm(cfg config.RealmConfig) *Realm {
	users := make(map[string]config.RealmUser, len(cfg.Users))
	for _, user := range cfg.Users {
		users[user.Identifier] = user
	}
	return &Realm{
		users:    users,
		rolesMap: cfg.RolesMap,
	}
}

// Reload replaces the realm's users and role mappings. Sessions already
// logged in keep the identity they authenticated with.
func (r *Realm) Reload(cfg config.RealmConfig) {
	users := make(map[string]config.RealmUser, len(cfg.Users))
	for _, user := range cfg.Users {
		users[user.Identifier] = user
	}
	r.mu.Lock()
	r.users = users
	r.rolesMap = cfg.RolesMap
	r.mu.Unlock()
	logger.Info().Int("users", len(users)).Msg("Realm reloaded")
}

// Authenticate verifies the password for the identifier and returns the
// authenticated identity.
func (r *Realm) Authenticate(identifier string, password string) (*Identity, error) {
	r.mu.RLock()
	user, known := r.users[identifier]
	r.mu.RUnlock()
	if !known {
		metrics.LoginFailures.Inc()
		logger.Warn().Str("identifier", identifier).Msg("Login failed: unknown identifier")
		return nil, errors.ErrLoginFailed
	}
	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		metrics.LoginFailures.Inc()
		logger.Warn().Str("identifier", identifier).Msg("Login failed: password mismatch")
		return nil, errors.ErrLoginFailed
	}
	return &Identity{Identifier: identifier, Roles: user.Roles}, nil
}

// Lookup returns the identity for an identifier without a password check.
// It backs impersonation, which is gated by a role on the caller.
func (r *Realm) Lookup(identifier string) (*Identity, bool) {
	r.mu.RLock()
	user, known := r.users[identifier]
	r.mu.RUnlock()
	if !known {
		return nil, false
	}
	return &Identity{Identifier: user.Identifier, Roles: user.Roles}, true
}

// CheckRole reports whether the identity satisfies the required role.
// A role with no mapping configured is unrestricted: anyone passes,
// authenticated or not.
func (r *Realm) CheckRole(identity *Identity, role string) bool {
	r.mu.RLock()
	accepted := r.rolesMap[role]
	r.mu.RUnlock()
	if len(accepted) == 0 {
		return true
	}
	for _, candidate := range accepted {
		if identity.HasRole(candidate) {
			return true
		}
	}
	return false
}
