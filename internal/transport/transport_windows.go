//go:build windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// Name identifies the backend in logs and status output.
const Name = "npipe"

// PipeName is the daemon's well-known pipe.
const PipeName = `\\.\pipe\snapback-daemon`

// DefaultAddress returns the pipe name; named pipes do not live in dir.
func DefaultAddress(dir string) string {
	return PipeName
}

// Listen creates the named pipe, accessible to the current user only.
func Listen(address string) (net.Listener, error) {
	sd, err := ownerOnlyDescriptor()
	if err != nil {
		return nil, err
	}
	ln, err := winio.ListenPipe(address, &winio.PipeConfig{
		SecurityDescriptor: sd,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	return ln, nil
}

func ownerOnlyDescriptor() (string, error) {
	user, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	return fmt.Sprintf("D:P(A;;GA;;;%s)", user.User.Sid.String()), nil
}

// Dial connects to the daemon at address.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := withDialTimeout(ctx)
	defer cancel()
	return winio.DialPipeContext(ctx, address)
}

// IsNotRunning reports whether a Dial error means no daemon is listening.
func IsNotRunning(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, windows.ERROR_FILE_NOT_FOUND)
}

// Cleanup is a no-op: the pipe disappears with its last handle.
func Cleanup(address string) error {
	return nil
}
