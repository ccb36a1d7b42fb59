// File: internal/supervisor/process_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package supervisor

import (
	"syscall"
)

// processGroupAttr places the spawned handler in its own process
// group so the supervisor can signal the whole group.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals pid's entire process group. pid works for
// both a process we exec'd (its own pgid, set via processGroupAttr)
// and a criu-restored process (CRIU recreates the same pgid/pid
// relationship it dumped).
func killProcessGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}
