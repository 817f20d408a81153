// Package systemd implements socket-activation support for the daemon's
// local control surface: under systemd (or a compatible supervisor), the
// smtp/pop3/http listeners can be bound by the supervisor and passed in
// as pre-opened file descriptors, named via FileDescriptorName.
package systemd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrPIDMismatch is returned when $LISTEN_PID names another process.
var ErrPIDMismatch = errors.New("$LISTEN_PID != our PID")

// firstFD is where sd_listen_fds(3) starts handing out descriptors. It is
// 3 by definition; a variable only so tests can point it at real fds.
var firstFD = 3

// Listeners maps each passed socket's name to its net.Listener(s), built
// from the LISTEN_FDS/LISTEN_FDNAMES environment. A (nil, nil) return
// means socket activation is not in use. See sd_listen_fds(3) and
// sd_listen_fds_with_names(3).
func Listeners() (map[string][]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	nfdsStr := os.Getenv("LISTEN_FDS")
	namesStr := os.Getenv("LISTEN_FDNAMES")

	if pidStr == "" || nfdsStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("error converting $LISTEN_PID=%q: %v", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, ErrPIDMismatch
	}

	nfds, err := strconv.Atoi(nfdsStr)
	if err != nil {
		return nil, fmt.Errorf("error reading $LISTEN_FDS=%q: %v", nfdsStr, err)
	}

	// We need exactly one name per descriptor. With zero descriptors
	// strings.Split still yields [""], so treat that separately.
	names := strings.Split(namesStr, ":")
	if nfds > 0 && (namesStr == "" || len(names) != nfds) {
		return nil, fmt.Errorf(
			"incorrect LISTEN_FDNAMES, have you set FileDescriptorName?")
	}

	listeners := map[string][]net.Listener{}
	for i := 0; i < nfds; i++ {
		fd := firstFD + i
		// Children must not inherit these descriptors.
		syscall.CloseOnExec(fd)

		name := names[i]
		file := os.NewFile(uintptr(fd), fmt.Sprintf("[systemd-fd-%d-%v]", fd, name))
		lis, err := net.FileListener(file)
		if err != nil {
			return nil, fmt.Errorf("error making listener out of fd %d: %v", fd, err)
		}
		listeners[name] = append(listeners[name], lis)
	}

	// Clear the environment so neither we nor a child picks the
	// descriptors up twice.
	os.Unsetenv("LISTEN_PID")
	os.Unsetenv("LISTEN_FDS")
	os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// FirstListener returns the first listener passed under name, or nil when
// socket activation did not provide one. Convenience for callers that
// expect at most one socket per name (quinced's "smtp", "pop3", "http").
func FirstListener(listeners map[string][]net.Listener, name string) net.Listener {
	if ls := listeners[name]; len(ls) > 0 {
		return ls[0]
	}
	return nil
}
