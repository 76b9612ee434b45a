package main

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestCreateRejectsInvalidID(t *testing.T) {
	withTestRoot(t)

	_, err := createContainer(context.Background(), createOptions{id: "../escape", bundle: "."})
	if err == nil {
		t.Fatalf("expected error for invalid container ID")
	}
	if !isErrorKind(err, ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
}

func TestCreateRejectsExistingContainer(t *testing.T) {
	withTestRoot(t)

	state := testState("taken")
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}
	_, err := createContainer(context.Background(), createOptions{id: "taken", bundle: "."})
	if err == nil {
		t.Fatalf("expected error for duplicate container")
	}
	if !isErrorKind(err, ErrWrongState) {
		t.Errorf("expected WrongState, got %v", err)
	}
}

func TestCreateRollsBackOnBadBundle(t *testing.T) {
	withTestRoot(t)

	_, err := createContainer(context.Background(), createOptions{id: "nobundle", bundle: t.TempDir()})
	if err == nil {
		t.Fatalf("expected error for bundle without config.json")
	}
	if !isErrorKind(err, ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
	if _, statErr := os.Stat(containerDir("nobundle")); statErr == nil {
		t.Errorf("state directory must not survive a failed create")
	}
}

func TestStartRequiresCreatedState(t *testing.T) {
	withTestRoot(t)

	state := testState("already-running")
	state.Status = statusRunning
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	err := startContainer(context.Background(), "already-running", false)
	if err == nil {
		t.Fatalf("expected error starting a running container")
	}
	if !isErrorKind(err, ErrWrongState) {
		t.Errorf("expected WrongState, got %v", err)
	}
}

func TestKillRequiresLiveStatus(t *testing.T) {
	withTestRoot(t)

	state := testState("stopped-one")
	state.Status = statusStopped
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	err := killContainer(context.Background(), "stopped-one", "SIGTERM")
	if err == nil {
		t.Fatalf("expected error killing a stopped container")
	}
	if !isErrorKind(err, ErrWrongState) {
		t.Errorf("expected WrongState, got %v", err)
	}
}

func TestKillMarksStoppedWithoutReap(t *testing.T) {
	withTestRoot(t)
	ctx := context.Background()

	sleeper := exec.Command("/bin/sleep", "30")
	if err := sleeper.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sleeper.Process.Kill()
		sleeper.Wait()
	}()

	state := testState("killable")
	state.Status = statusRunning
	state.Pid = sleeper.Process.Pid
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	if err := killContainer(ctx, "killable", "SIGTERM"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	loaded, err := loadState("killable")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != statusStopped {
		t.Errorf("SIGTERM must mark the container stopped, got %s", loaded.Status)
	}
}

func TestKillNonTerminalSignalKeepsStatus(t *testing.T) {
	withTestRoot(t)

	sleeper := exec.Command("/bin/sleep", "30")
	if err := sleeper.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sleeper.Process.Kill()
		sleeper.Wait()
	}()

	state := testState("signaled")
	state.Status = statusRunning
	state.Pid = sleeper.Process.Pid
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	if err := killContainer(context.Background(), "signaled", "SIGUSR1"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	loaded, _ := loadState("signaled")
	if loaded.Status != statusRunning {
		t.Errorf("non-terminal signal must not change status, got %s", loaded.Status)
	}
}

func TestDeleteRefusesLiveContainerWithoutForce(t *testing.T) {
	withTestRoot(t)

	sleeper := exec.Command("/bin/sleep", "30")
	if err := sleeper.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sleeper.Process.Kill()
		sleeper.Wait()
	}()

	state := testState("alive")
	state.Status = statusRunning
	state.Pid = sleeper.Process.Pid
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	err := deleteContainer(context.Background(), "alive", false)
	if err == nil {
		t.Fatalf("expected refusal to delete a live container")
	}
	if !isErrorKind(err, ErrWrongState) {
		t.Errorf("expected WrongState, got %v", err)
	}
	if _, statErr := os.Stat(stateFilePath("alive")); statErr != nil {
		t.Errorf("refused delete must leave the state intact")
	}
}

func TestDeleteRemovesStateDirectory(t *testing.T) {
	withTestRoot(t)
	ctx := context.Background()

	state := testState("doomed")
	state.Status = statusStopped
	state.Pid = -1
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}
	recordStateEvent(ctx, state)

	if err := deleteContainer(ctx, "doomed", false); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(containerDir("doomed")); !os.IsNotExist(err) {
		t.Errorf("state directory must be gone after delete, stat err=%v", err)
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	withTestRoot(t)

	state := testState("parked")
	state.Status = statusCreated
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}
	if err := pauseContainer(context.Background(), "parked"); !isErrorKind(err, ErrWrongState) {
		t.Errorf("expected WrongState, got %v", err)
	}
}

func TestPauseAndResumeTree(t *testing.T) {
	withTestRoot(t)
	ctx := context.Background()

	sleeper := exec.Command("/bin/sleep", "30")
	if err := sleeper.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sleeper.Process.Kill()
		sleeper.Wait()
	}()

	state := testState("freezer")
	state.Status = statusRunning
	state.Pid = sleeper.Process.Pid
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	if err := pauseContainer(ctx, "freezer"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	loaded, _ := loadState("freezer")
	if loaded.Status != statusPaused {
		t.Errorf("expected paused, got %s", loaded.Status)
	}

	if err := resumeContainer(ctx, "freezer"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	loaded, _ = loadState("freezer")
	if loaded.Status != statusRunning {
		t.Errorf("expected running after resume, got %s", loaded.Status)
	}
}

func TestShowStateCorrectsStaleStatus(t *testing.T) {
	withTestRoot(t)

	// A short-lived child gives a pid that is guaranteed dead once reaped.
	probe := exec.Command("/bin/true")
	if err := probe.Start(); err != nil {
		t.Fatal(err)
	}
	pid := probe.Process.Pid
	probe.Wait()

	state := testState("stale")
	state.Status = statusRunning
	state.Pid = pid
	if err := saveState(state); err != nil {
		t.Fatal(err)
	}

	if err := showState(context.Background(), "stale"); err != nil {
		t.Fatalf("showState failed: %v", err)
	}

	// Give the store a moment in case the probe pid was recycled.
	time.Sleep(10 * time.Millisecond)
	loaded, err := loadState("stale")
	if err != nil {
		t.Fatal(err)
	}
	if processAlive(pid) {
		t.Skip("probe pid was recycled; liveness correction not observable")
	}
	if loaded.Status != statusStopped {
		t.Errorf("expected stale running state corrected to stopped, got %s", loaded.Status)
	}
}

func TestSignalProcessTreeSkipsGonePids(t *testing.T) {
	// A tree rooted at a dead pid contributes nothing and must not error.
	probe := exec.Command("/bin/true")
	if err := probe.Start(); err != nil {
		t.Fatal(err)
	}
	pid := probe.Process.Pid
	probe.Wait()

	if err := signalProcessTree(pid, 0); err != nil {
		t.Errorf("signaling a vanished tree should not fail: %v", err)
	}
}
