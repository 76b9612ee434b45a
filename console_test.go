package main

import (
	"net"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAllocateConsolePair(t *testing.T) {
	pair, err := allocateConsolePair()
	if err != nil {
		t.Skipf("pty allocation unavailable in this environment: %v", err)
	}
	defer pair.Close()

	if pair.master == nil || pair.slave == nil {
		t.Fatalf("expected both pty ends, got %+v", pair)
	}
	if name := pair.slaveName(); !strings.HasPrefix(name, "/dev/") {
		t.Errorf("unexpected slave name %q", name)
	}

	// Close must be safe to repeat.
	pair.Close()
	pair.Close()
}

func TestSendConsoleFdPathTooLong(t *testing.T) {
	pair, err := allocateConsolePair()
	if err != nil {
		t.Skipf("pty allocation unavailable in this environment: %v", err)
	}
	defer pair.Close()

	long := "/tmp/" + strings.Repeat("x", 200)
	err = sendConsoleFd(pair, long)
	if err == nil {
		t.Fatalf("expected error for oversized socket path")
	}
	if !isErrorKind(err, ErrConsoleTransferFailed) {
		t.Errorf("expected ConsoleTransferFailed, got %v", err)
	}
}

func TestSendConsoleFdDelivery(t *testing.T) {
	pair, err := allocateConsolePair()
	if err != nil {
		t.Skipf("pty allocation unavailable in this environment: %v", err)
	}
	defer pair.Close()

	socketPath := filepath.Join(t.TempDir(), "console.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	type received struct {
		payload string
		fds     []int
		err     error
	}
	done := make(chan received, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			done <- received{err: err}
			return
		}
		defer conn.Close()

		unixConn := conn.(*net.UnixConn)
		buf := make([]byte, 256)
		oob := make([]byte, unix.CmsgSpace(4))
		n, oobn, _, _, err := unixConn.ReadMsgUnix(buf, oob)
		if err != nil {
			done <- received{err: err}
			return
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil || len(msgs) == 0 {
			done <- received{payload: string(buf[:n]), err: err}
			return
		}
		fds, err := unix.ParseUnixRights(&msgs[0])
		done <- received{payload: string(buf[:n]), fds: fds, err: err}
	}()

	if err := sendConsoleFd(pair, socketPath); err != nil {
		t.Fatalf("sendConsoleFd failed: %v", err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("receive failed: %v", got.err)
	}
	if got.payload != pair.slaveName() {
		t.Errorf("payload = %q, want slave name %q", got.payload, pair.slaveName())
	}
	if len(got.fds) != 1 {
		t.Fatalf("expected exactly one fd in SCM_RIGHTS, got %d", len(got.fds))
	}
	unix.Close(got.fds[0])
}

func TestSendConsoleFdConnectFailure(t *testing.T) {
	pair, err := allocateConsolePair()
	if err != nil {
		t.Skipf("pty allocation unavailable in this environment: %v", err)
	}
	defer pair.Close()

	err = sendConsoleFd(pair, filepath.Join(t.TempDir(), "absent.sock"))
	if err == nil {
		t.Fatalf("expected connect failure for missing socket")
	}
	if !isErrorKind(err, ErrConsoleTransferFailed) {
		t.Errorf("expected ConsoleTransferFailed, got %v", err)
	}
}
