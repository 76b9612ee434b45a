package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// iso8601Now formats the current time as UTC ISO-8601 with millisecond
// precision and a Z suffix, the timestamp format of the event journal.
func iso8601Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

type eventEntry struct {
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Data      interface{} `json:"data,omitempty"`
}

// recordEvent appends one JSON line to the container's event journal. Journal
// failures are reported but never fail the operation that emitted the event.
func recordEvent(ctx context.Context, id, eventType string, data interface{}) {
	path := eventsFilePath(id)
	if err := ensureDirectory(containerDir(id), 0o755); err != nil {
		Logger(ctx).Error("Failed to prepare events log", "id", id, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		Logger(ctx).Error("Failed to open events log", "id", id, "error", err)
		return
	}
	defer f.Close()

	entry := eventEntry{
		Timestamp: iso8601Now(),
		Type:      eventType,
		ID:        id,
		Data:      data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		Logger(ctx).Error("Failed to encode event", "id", id, "type", eventType, "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		Logger(ctx).Error("Failed to append event", "id", id, "type", eventType, "error", err)
	}
}

// recordStateEvent journals the full state record as a "state" event.
func recordStateEvent(ctx context.Context, state *containerState) {
	recordEvent(ctx, state.ID, "state", state.toDocument())
}

// recordErrorEvent journals a lifecycle failure with the phase it occurred in.
func recordErrorEvent(ctx context.Context, id, phase, message string) {
	recordEvent(ctx, id, "error", map[string]string{"phase": phase, "message": message})
}

type eventsOptions struct {
	id       string
	follow   bool
	stats    bool
	interval time.Duration
}

// eventsCommand streams the container's event journal, or periodic resource
// stats when --stats is given. The stats loop runs until the init process
// exits.
func eventsCommand(ctx context.Context, opts eventsOptions) error {
	state, err := loadState(opts.id)
	if err != nil {
		return err
	}
	if opts.stats {
		return streamStats(ctx, state, opts.interval)
	}
	return streamJournal(ctx, opts)
}

func streamJournal(ctx context.Context, opts eventsOptions) error {
	path := eventsFilePath(opts.id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && opts.follow {
			// The journal appears with the first recorded event.
			f = nil
		} else if os.IsNotExist(err) {
			return nil
		} else {
			return fmt.Errorf("failed to open events log: %w", err)
		}
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var offset int64
	if f != nil {
		offset, err = copyJournalLines(out, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if !opts.follow {
		return nil
	}

	// Appends are newline-framed, so tailing from the last offset always
	// resumes at a record boundary.
	for {
		time.Sleep(opts.interval)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				// The container was deleted; the stream is over.
				return nil
			}
			return fmt.Errorf("failed to reopen events log: %w", err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		n, err := copyJournalLines(out, f)
		f.Close()
		if err != nil {
			return err
		}
		offset += n
		out.Flush()
	}
}

func copyJournalLines(out io.Writer, f *os.File) (int64, error) {
	var copied int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := out.Write(append(line, '\n')); err != nil {
			return copied, err
		}
		copied += int64(len(line)) + 1
	}
	return copied, scanner.Err()
}

// containerStats is the payload of a "stats" event.
type containerStats struct {
	CPU struct {
		Usage struct {
			Total uint64 `json:"total"`
		} `json:"usage"`
	} `json:"cpu"`
	Memory struct {
		Usage struct {
			RSS uint64 `json:"rss"`
		} `json:"usage"`
	} `json:"memory"`
	Pids struct {
		Current int `json:"current"`
	} `json:"pids"`
}

func streamStats(ctx context.Context, state *containerState, interval time.Duration) error {
	if state.Pid <= 0 {
		return newRuntimeError(ErrWrongState, "container has no init process")
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	enc := json.NewEncoder(out)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := unix.Kill(state.Pid, 0); err == unix.ESRCH {
			return nil
		}
		stats, err := sampleStats(state.Pid)
		if err != nil {
			// The process can vanish between the liveness probe and the
			// /proc reads.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		entry := eventEntry{
			Timestamp: iso8601Now(),
			Type:      "stats",
			ID:        state.ID,
			Data:      stats,
		}
		if err := enc.Encode(entry); err != nil {
			return err
		}
		out.Flush()
	}
}

// userHz is the kernel's USER_HZ clock-tick rate used by /proc/<pid>/stat,
// fixed at 100 on every Linux architecture Go runs on.
const userHz = 100

// sampleStats collects CPU, memory and pid counts for the process tree rooted
// at pid, from /proc.
func sampleStats(pid int) (*containerStats, error) {
	stats := &containerStats{}

	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, err
	}
	// The comm field may contain spaces; fields are counted after the
	// closing parenthesis.
	raw := string(statData)
	if idx := strings.LastIndexByte(raw, ')'); idx >= 0 {
		fields := strings.Fields(raw[idx+1:])
		// utime and stime are fields 14 and 15 of the full line; after the
		// comm field they are at offsets 11 and 12.
		if len(fields) > 12 {
			utime, _ := strconv.ParseUint(fields[11], 10, 64)
			stime, _ := strconv.ParseUint(fields[12], 10, 64)
			stats.CPU.Usage.Total = (utime + stime) * (1e9 / userHz)
		}
	}

	statusData, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(statusData), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			kib, _ := strconv.ParseUint(fields[1], 10, 64)
			stats.Memory.Usage.RSS = kib * 1024
		}
		break
	}

	stats.Pids.Current = len(collectProcessTree(pid))
	return stats, nil
}
