// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ConnectivityProbe checks that the network is up and the API answers.
type ConnectivityProbe struct {
	// DialAddress is a well-known TCP endpoint dialed first. Empty skips
	// the network check.
	DialAddress string
	Timeout     time.Duration
	API         ChatAPI

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewConnectivityProbe creates a probe using a plain TCP dialer.
func NewConnectivityProbe(dialAddress string, timeout time.Duration, api ChatAPI) *ConnectivityProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{}
	return &ConnectivityProbe{
		DialAddress: dialAddress,
		Timeout:     timeout,
		API:         api,
		dial:        dialer.DialContext,
	}
}

// Check dials DialAddress, then pings the API and returns the bot account.
// Both steps are bounded by Timeout.
func (p *ConnectivityProbe) Check(ctx context.Context) (Member, error) {
	if p.DialAddress != "" {
		dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		conn, err := p.dial(dialCtx, "tcp", p.DialAddress)
		cancel()
		if err != nil {
			return Member{}, wrapAPIError("dial "+p.DialAddress, fmt.Errorf("network unreachable: %w", err))
		}
		_ = conn.Close()
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return p.API.Ping(pingCtx)
}
