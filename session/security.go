// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package session provides authenticated sessions between store clients
// and exported session factories: transport security tiers, the
// authentication realm, the factory lifecycle and the session protocol.
package session

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/registry"
)

// SecurityContext builds and memoizes the TLS configurations for a
// security property group. Configurations are built lazily on first use
// and reused afterwards, so certificate files are read at most once per
// tier.
type SecurityContext struct {
	cfg config.SecurityConfig

	mu        sync.Mutex
	serverTLS map[string]*tls.Config
	clientTLS *tls.Config
}

// NewSecurityContext creates a security context for the given
// configuration.
func NewSecurityContext(cfg config.SecurityConfig) *SecurityContext {
	return &SecurityContext{
		cfg:       cfg,
		serverTLS: make(map[string]*tls.Config),
	}
}

// IsSecure reports whether exported endpoints require TLS.
func (c *SecurityContext) IsSecure() bool {
	return c.cfg.Secure || c.cfg.CertFile != ""
}

// IsCertified reports whether exported endpoints require a verified
// client certificate.
func (c *SecurityContext) IsCertified() bool {
	return c.IsSecure() && c.cfg.ClientCAFile != ""
}

// ServerMode returns the connection mode exported endpoints of this
// context operate in.
func (c *SecurityContext) ServerMode() string {
	switch {
	case c.IsCertified():
		return registry.ModeCertified
	case c.IsSecure():
		return registry.ModeSecure
	default:
		return registry.ModeLocal
	}
}

// ServerTLSConfig returns the TLS configuration for an exported listener
// operating in the given mode, nil for the local mode. It fails when the
// mode requires TLS but no certificate is configured.
func (c *SecurityContext) ServerTLSConfig(mode string) (*tls.Config, error) {
	if mode == registry.ModeLocal {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.serverTLS[mode]; ok {
		return cached, nil
	}

	if c.cfg.CertFile == "" {
		return nil, errors.NewConfigError("security.cert_file", "",
			fmt.Errorf("secure endpoint requires a certificate"))
	}
	certificate, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
	if err != nil {
		return nil, errors.NewConfigError("security.cert_file", c.cfg.CertFile, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}

	if mode == registry.ModeCertified {
		pool, err := loadCertPool(c.cfg.ClientCAFile)
		if err != nil {
			return nil, errors.NewConfigError("security.client_ca_file", c.cfg.ClientCAFile, err)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	c.serverTLS[mode] = tlsConfig
	return tlsConfig, nil
}

// ClientTLSConfig returns the TLS configuration used when dialing secure
// endpoints.
func (c *SecurityContext) ClientTLSConfig() (*tls.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clientTLS != nil {
		return c.clientTLS, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in for test rigs
	}

	if c.cfg.CAFile != "" {
		pool, err := loadCertPool(c.cfg.CAFile)
		if err != nil {
			return nil, errors.NewConfigError("security.ca_file", c.cfg.CAFile, err)
		}
		tlsConfig.RootCAs = pool
	}

	// A certified peer will ask for our certificate during the
	// handshake.
	if c.cfg.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
		if err != nil {
			return nil, errors.NewConfigError("security.cert_file", c.cfg.CertFile, err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	c.clientTLS = tlsConfig
	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// resolveMode decides the connection mode for an accepted session. The
// precedence is fixed: a private registry short-circuits to local, a
// plain-transport peer on the local host is local, a verified client
// certificate makes the session certified, TLS alone makes it secure.
func resolveMode(private bool, remoteAddr string, state *tls.ConnectionState) string {
	if private {
		return registry.ModeLocal
	}
	if state == nil && isLocalAddr(remoteAddr) {
		return registry.ModeLocal
	}
	if state != nil && len(state.VerifiedChains) > 0 {
		return registry.ModeCertified
	}
	return registry.ModeSecure
}

func isLocalAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
