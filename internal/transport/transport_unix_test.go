//go:build !windows

package transport

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sbt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestListenDial(t *testing.T) {
	addr := DefaultAddress(shortTempDir(t))
	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(addr)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte(line))
	}()

	conn, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	echo, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", echo)
	assert.True(t, Probe(context.Background(), addr))
}

func TestListenRefusesLiveSocket(t *testing.T) {
	addr := DefaultAddress(shortTempDir(t))
	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	_, err = Listen(addr)
	assert.Error(t, err)
}

func TestStaleSocket(t *testing.T) {
	addr := DefaultAddress(shortTempDir(t))
	ln, err := Listen(addr)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	_, err = Dial(context.Background(), addr)
	require.Error(t, err)
	assert.True(t, IsNotRunning(err), "refused dial: %v", err)

	ln, err = Listen(addr)
	require.NoError(t, err, "stale socket should be replaced")
	ln.Close()
}

func TestMissingSocket(t *testing.T) {
	addr := filepath.Join(shortTempDir(t), "absent.sock")
	_, err := Dial(context.Background(), addr)
	require.Error(t, err)
	assert.True(t, IsNotRunning(err))
	assert.False(t, Probe(context.Background(), addr))
	assert.NoError(t, Cleanup(addr))
}

func TestListenRejectsLongPath(t *testing.T) {
	long := filepath.Join(shortTempDir(t), "x")
	for len(long) < maxSocketPath {
		long = filepath.Join(long, "deeper")
	}
	_, err := Listen(long)
	assert.Error(t, err)
}
