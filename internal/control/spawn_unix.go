//go:build !windows

package control

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/snapback-dev/snapback/internal/executil"
)

// spawnDetached starts bin in its own session so it outlives the caller.
func spawnDetached(bin string, args []string) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(bin, args...)
	cmd.Env = executil.SafeEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
