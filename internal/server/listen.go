package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd passes activated sockets starting at fd 3
const listenFDsStart = 3

// activatedListener returns the socket handed over by systemd socket
// activation, or nil when the process was not socket activated. Only the
// first socket is used; extra ones are closed.
func activatedListener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return nil, nil
	}

	// child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	var listener net.Listener
	for i := 0; i < count; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(i))
		if file == nil {
			return nil, fmt.Errorf("failed to open activated fd %d", fd)
		}
		if i > 0 {
			_ = file.Close()
			continue
		}

		listener, err = net.FileListener(file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
	}
	return listener, nil
}

// listen prefers an activated socket over binding addr
func listen(addr string) (net.Listener, bool, error) {
	ln, err := activatedListener()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}
