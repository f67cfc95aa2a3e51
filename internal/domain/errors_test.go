package domain

import (
	"errors"
	"testing"
)

func TestTunnelErrorMessage(t *testing.T) {
	t.Parallel()

	err := &TunnelError{TunnelID: "t-1", Op: "connect", Err: ErrTunnelOffline}
	want := "tunnel t-1: connect: tunnel offline"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTunnelErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &TunnelError{TunnelID: "t-2", Op: "register", Err: ErrHostnameInUse}
	if !errors.Is(err, ErrHostnameInUse) {
		t.Fatal("expected errors.Is to match ErrHostnameInUse")
	}
}

func TestTunnelErrorWithoutID(t *testing.T) {
	t.Parallel()

	err := &TunnelError{Op: "resolve", Err: ErrTunnelNotFound}
	want := "resolve: tunnel not found"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"hostname_in_use", ErrHostnameInUse, "hostname already in use"},
		{"tunnel_not_found", ErrTunnelNotFound, "tunnel not found"},
		{"unauthorized", ErrUnauthorized, "unauthorized"},
		{"rate_limit", ErrRateLimitExceeded, "rate limit exceeded"},
		{"tunnel_limit", ErrTunnelLimitReached, "active tunnel limit reached"},
		{"tunnel_offline", ErrTunnelOffline, "tunnel offline"},
		{"no_healthy_target", ErrNoHealthyTarget, "no healthy target"},
		{"upstream_unreachable", ErrUpstreamUnreachable, "upstream unreachable"},
		{"upstream_timeout", ErrUpstreamTimeout, "upstream timeout"},
		{"upstream_protocol", ErrUpstreamProtocol, "upstream protocol error"},
		{"validation", ErrValidation, "validation error"},
		{"reserved", ErrReserved, "subdomain reserved"},
		{"conflict", ErrConflict, "subdomain conflict"},
		{"pending_timeout", ErrPendingTimeout, "pending request timeout"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
