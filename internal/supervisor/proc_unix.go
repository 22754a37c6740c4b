//go:build unix

package supervisor

import (
	"os"
	"syscall"
)

// sysProcAttr puts the engine in its own process group so the kill reaches
// workers it forks
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func killTree(p *os.Process) error {
	pgid, err := syscall.Getpgid(p.Pid)
	if err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err == nil {
			return nil
		}
	}
	return p.Kill()
}
