package main

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// consolePair is an allocated pseudo-terminal. The master end is handed to
// the caller over the console socket; the slave end travels to the container
// init and becomes its controlling terminal.
type consolePair struct {
	master *os.File
	slave  *os.File
}

func (p *consolePair) slaveName() string {
	if p.slave != nil {
		return p.slave.Name()
	}
	return ""
}

// Close releases both ends. Safe to call more than once.
func (p *consolePair) Close() {
	if p.master != nil {
		p.master.Close()
		p.master = nil
	}
	if p.slave != nil {
		p.slave.Close()
		p.slave = nil
	}
}

// allocateConsolePair opens a PTY master/slave pair for a terminal container.
func allocateConsolePair() (*consolePair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, wrapRuntimeError(ErrConsoleAllocationFailed, "failed to open pty pair", err)
	}
	// Give the handed-off terminal a sane initial geometry; the receiver
	// resizes it once attached.
	if err := pty.Setsize(master, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		master.Close()
		slave.Close()
		return nil, wrapRuntimeError(ErrConsoleAllocationFailed, "failed to size pty", err)
	}
	return &consolePair{master: master, slave: slave}, nil
}

// sendConsoleFd connects to the caller's Unix-domain socket and passes the
// master fd in an SCM_RIGHTS control message. The data payload carries the
// slave device name so the receiver can label the terminal.
func sendConsoleFd(pair *consolePair, socketPath string) error {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return wrapRuntimeError(ErrConsoleTransferFailed, "failed to create console socket", err)
	}
	defer unix.Close(sock)

	addr := &unix.SockaddrUnix{Name: socketPath}
	if len(socketPath) >= 108 {
		return newRuntimeError(ErrConsoleTransferFailed,
			fmt.Sprintf("console socket path too long: %s", socketPath))
	}
	if err := unix.Connect(sock, addr); err != nil {
		return wrapRuntimeError(ErrConsoleTransferFailed,
			fmt.Sprintf("failed to connect to console socket %s", socketPath), err)
	}

	payload := pair.slaveName()
	if payload == "" {
		payload = "console"
	}
	rights := unix.UnixRights(int(pair.master.Fd()))
	if err := unix.Sendmsg(sock, []byte(payload), rights, nil, 0); err != nil {
		return wrapRuntimeError(ErrConsoleTransferFailed, "failed to send console fd", err)
	}
	return nil
}
