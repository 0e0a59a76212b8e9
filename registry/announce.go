// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/pointvault/pointvault/pkg/logger"
)

const (
	announceService = "_pointvault-registry._tcp"
	announceDomain  = "local."
)

// announcer publishes the registry endpoint over mDNS so that shared-mode
// processes can locate a stealth registry whose port is OS-allocated.
type announcer struct {
	server *zeroconf.Server
}

func announce(port int) (*announcer, error) {
	server, err := zeroconf.Register(
		"pointvault-registry",
		announceService,
		announceDomain,
		port,
		[]string{fmt.Sprintf("port=%d", port)},
		nil,
	)
	if err != nil {
		return nil, err
	}
	logger.Debug().Int("port", port).Msg("Registry announced over mDNS")
	return &announcer{server: server}, nil
}

func (a *announcer) shutdown() {
	a.server.Shutdown()
}

// Locate browses mDNS for an announced registry on the local host and
// returns its port. It is the fallback used by shared-mode setup when the
// registry port is not configured.
func Locate(ctx context.Context, timeout time.Duration) (int, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return 0, err
	}

	// Buffered so a slow consumer never blocks the resolver.
	entries := make(chan *zeroconf.ServiceEntry, 10)
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, announceService, announceDomain, entries); err != nil {
		return 0, err
	}

	for entry := range entries {
		if entry.Port > 0 {
			logger.Debug().Int("port", entry.Port).Msg("Located announced registry")
			cancel()
			return entry.Port, nil
		}
	}
	return 0, fmt.Errorf("no announced registry found")
}
