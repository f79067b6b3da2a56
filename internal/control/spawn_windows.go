//go:build windows

package control

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/snapback-dev/snapback/internal/executil"
)

// spawnDetached starts bin without a console in a new process group so it
// outlives the caller.
func spawnDetached(bin string, args []string) error {
	cmd := exec.Command(bin, args...)
	cmd.Env = executil.SafeEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
