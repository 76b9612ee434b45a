package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// Hook lifecycle phases, in the order they fire.
const (
	hookCreateRuntime   = "createRuntime"
	hookCreateContainer = "createContainer"
	hookStartContainer  = "startContainer"
	hookPrestart        = "prestart"
	hookPoststart       = "poststart"
	hookPoststop        = "poststop"
)

func hookAnnotationKey(phase string) string {
	return annotationHookPrefix + phase
}

// runHookSequence executes the ordered hook list for one phase. The phase
// annotation short-circuits the whole list once set, so a phase's hooks run
// at most once per container lifetime; on success of the full list the
// annotation records the completion time. The caller persists the state.
func runHookSequence(ctx context.Context, hooks []specs.Hook, state *containerState, phase string) error {
	if len(hooks) == 0 {
		return nil
	}
	key := hookAnnotationKey(phase)
	if state.Annotations != nil {
		if _, done := state.Annotations[key]; done {
			Logger(ctx).Debug("Hook phase already completed, skipping", "phase", phase)
			return nil
		}
	}
	for _, hook := range hooks {
		if err := executeSingleHook(ctx, hook, state, phase); err != nil {
			return err
		}
	}
	state.setAnnotation(key, iso8601Now())
	return nil
}

// executeSingleHook forks one hook executable with the container state on its
// stdin and the OCI hook environment, then waits it out within its timeout.
func executeSingleHook(ctx context.Context, hook specs.Hook, state *containerState, phase string) error {
	if hook.Path == "" {
		return newRuntimeError(ErrHookFailed,
			fmt.Sprintf("hook path is empty for %s", phase)).withPhase(phase)
	}

	cmd := exec.Command(hook.Path)
	if len(hook.Args) > 0 {
		cmd.Args = hook.Args
	}
	bundle := state.BundlePath
	if bundle == "" {
		bundle = "."
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("OCI_HOOK_TYPE=%s", phase),
		fmt.Sprintf("OCI_CONTAINER_ID=%s", state.ID),
		fmt.Sprintf("OCI_CONTAINER_BUNDLE=%s", bundle),
		fmt.Sprintf("OCI_CONTAINER_PID=%d", state.Pid),
		fmt.Sprintf("OCI_CONTAINER_STATUS=%s", state.Status),
	)
	cmd.Env = append(cmd.Env, hook.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return wrapRuntimeError(ErrHookFailed, "failed to create hook stdin pipe", err).withPhase(phase)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return wrapRuntimeError(ErrHookFailed,
			fmt.Sprintf("failed to start hook %s", hook.Path), err).withPhase(phase)
	}

	payload, err := json.Marshal(state)
	if err == nil {
		_, err = stdin.Write(payload)
	}
	stdin.Close()
	if err != nil {
		// The hook never received its state; treat it as a hook failure
		// and do not let it linger.
		cmd.Process.Kill()
		cmd.Wait()
		return wrapRuntimeError(ErrHookFailed,
			fmt.Sprintf("failed to write container state to hook %s", hook.Path), err).withPhase(phase)
	}

	var timeout time.Duration
	if hook.Timeout != nil && *hook.Timeout > 0 {
		timeout = time.Duration(*hook.Timeout) * time.Second
	}
	return waitForHook(ctx, cmd, hook.Path, phase, timeout)
}

func waitForHook(ctx context.Context, cmd *exec.Cmd, path, phase string, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	if timeout <= 0 {
		if err := <-done; err != nil {
			return wrapRuntimeError(ErrHookFailed,
				fmt.Sprintf("hook %s failed", path), err).withPhase(phase)
		}
		return nil
	}

	select {
	case err := <-done:
		if err != nil {
			return wrapRuntimeError(ErrHookFailed,
				fmt.Sprintf("hook %s failed", path), err).withPhase(phase)
		}
		return nil
	case <-time.After(timeout):
		Logger(ctx).Error("Hook timed out", "path", path, "phase", phase, "timeout", timeout)
		cmd.Process.Kill()
		<-done
		return newRuntimeError(ErrHookFailed,
			fmt.Sprintf("hook %s timed out after %v", path, timeout)).withPhase(phase)
	}
}
