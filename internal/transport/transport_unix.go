//go:build !windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"syscall"
)

// Name identifies the backend in logs and status output.
const Name = "unix"

// maxSocketPath is the smallest sun_path limit among supported hosts.
const maxSocketPath = 104

// DefaultAddress returns the socket path inside the daemon directory.
func DefaultAddress(dir string) string {
	return filepath.Join(dir, "daemon.sock")
}

// Listen binds a unix socket at address with owner-only permissions. A
// leftover socket nobody answers on is removed first.
func Listen(address string) (net.Listener, error) {
	if len(address) >= maxSocketPath {
		return nil, fmt.Errorf("socket path too long (%d bytes): %s", len(address), address)
	}
	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	if _, err := os.Lstat(address); err == nil {
		if Probe(context.Background(), address) {
			return nil, fmt.Errorf("socket %s is in use by a running daemon", address)
		}
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	if err := os.Chmod(address, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return ln, nil
}

// Dial connects to the daemon at address.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := withDialTimeout(ctx)
	defer cancel()
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
}

// IsNotRunning reports whether a Dial error means no daemon is listening, as
// opposed to some other failure.
func IsNotRunning(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, fs.ErrNotExist)
}

// Cleanup removes the socket file.
func Cleanup(address string) error {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
