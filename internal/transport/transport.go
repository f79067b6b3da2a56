// Package transport provides the daemon's local duplex listener: a unix
// domain socket on POSIX hosts and a named pipe on Windows. The backend is
// chosen at build time.
package transport

import (
	"context"
	"time"
)

// DialTimeout bounds Dial when ctx carries no deadline.
const DialTimeout = 2 * time.Second

// Probe reports whether something is accepting connections at address.
func Probe(ctx context.Context, address string) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	conn, err := Dial(ctx, address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DialTimeout)
}
