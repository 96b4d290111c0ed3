package council

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalName renders sig the way operators expect to read it ("SIGTERM").
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// signalProcess delivers sig to pid's process group, falling back to the pid
// itself when it does not lead a group.
func signalProcess(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("no pid")
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}
