package controller

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// WaitForBackendReady polls a TCP connect to the backend API until it
// accepts connections or timeout passes.
func WaitForBackendReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	return WaitForBackendReadyWithRetry(ctx, baseURL, timeout, 2*time.Second, 500*time.Millisecond)
}

// WaitForBackendReadyWithRetry polls with configurable retry parameters.
func WaitForBackendReadyWithRetry(ctx context.Context, baseURL string, timeout, dialTimeout, retryInterval time.Duration) error {
	addr, err := backendAddr(baseURL)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	return fmt.Errorf("backend not reachable at %s after %v", addr, timeout)
}

func backendAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("backend URL %q has no host", baseURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
