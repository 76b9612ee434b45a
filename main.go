package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

const usageText = `Usage: runway [global options] <command> [command options] <id>

Commands:
  create    Create a container from an OCI bundle
  start     Start a created container
  run       Create, start, wait and delete in one step
  state     Print the state of a container
  kill      Send a signal to a container (default: SIGTERM)
  exec      Run an additional process in a running container
  pause     Suspend all processes in a container
  resume    Resume all processes in a paused container
  ps        List the processes of a container
  events    Stream container events or resource stats
  delete    Remove a stopped container
  features  Print the supported features as JSON

Global options:
  --debug                 Enable debug logging
  --log PATH              Write logs to PATH instead of stderr
  --log-format FORMAT     Log format: text or json
  --root PATH             Override the runtime state root
  --systemd-cgroup        Accepted for engine compatibility (cgroupfs is used)
  --version               Print the runtime version
`

// main dispatches between the user-facing subcommands and the hidden
// bootstrap stages this binary re-executes itself into.
func main() {
	// The bootstrap stages run before any flag handling: they are only ever
	// invoked via /proc/self/exe with a payload on stdin.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init", "init-child":
			runBootstrapStage(os.Args[1])
			return
		case "exec-init":
			runExecBootstrap()
			return
		}
	}

	globals := flag.NewFlagSet("runway", flag.ExitOnError)
	globals.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	globals.BoolVar(&globalOptions.Debug, "debug", false, "enable debug logging")
	globals.StringVar(&globalOptions.LogPath, "log", "", "log file path")
	globals.StringVar(&globalOptions.LogFormat, "log-format", "text", "log format (text|json)")
	globals.StringVar(&globalOptions.RootPath, "root", "", "runtime state root")
	globals.BoolVar(&globalOptions.SystemdCgroup, "systemd-cgroup", false, "accepted for compatibility")
	version := globals.Bool("version", false, "print version")
	globals.Parse(os.Args[1:])

	if *version {
		fmt.Printf("runway version %s\n", runtimeVersion)
		return
	}

	logger := initLogger()
	ctx := WithLogger(context.Background(), logger)

	args := globals.Args()
	if len(args) == 0 {
		globals.Usage()
		os.Exit(1)
	}
	command, rest := args[0], args[1:]

	if command == "features" {
		if err := printFeatures(); err != nil {
			logger.Error("Failed to print features", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := ensureRuntimeRoot(ctx); err != nil {
		logger.Error("Failed to prepare runtime state root", "error", err)
		os.Exit(1)
	}

	exitCode, err := dispatch(ctx, command, rest)
	if err != nil {
		logger.Error("Command failed", "command", command, "error", err)
		fmt.Fprintf(os.Stderr, "runway: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func dispatch(ctx context.Context, command string, args []string) (int, error) {
	switch command {
	case "create":
		opts, err := parseCreateOptions("create", args)
		if err != nil {
			return 1, err
		}
		if _, err := createContainer(ctx, opts); err != nil {
			return 1, err
		}
		return 0, nil

	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		attach := fs.Bool("attach", false, "attach and wait for the container to exit")
		fs.Parse(args)
		id, err := requireID(fs.Args())
		if err != nil {
			return 1, err
		}
		if err := startContainer(ctx, id, *attach); err != nil {
			return 1, err
		}
		return 0, nil

	case "run":
		opts, err := parseCreateOptions("run", args)
		if err != nil {
			return 1, err
		}
		return runContainer(ctx, opts)

	case "state":
		id, err := requireID(args)
		if err != nil {
			return 1, err
		}
		if err := showState(ctx, id); err != nil {
			return 1, err
		}
		return 0, nil

	case "kill":
		if len(args) < 1 || len(args) > 2 {
			return 1, fmt.Errorf("usage: kill <id> [signal]")
		}
		signalName := "SIGTERM"
		if len(args) == 2 {
			signalName = args[1]
		}
		if err := killContainer(ctx, args[0], signalName); err != nil {
			return 1, err
		}
		return 0, nil

	case "exec":
		opts, err := parseExecOptions(args)
		if err != nil {
			return 1, err
		}
		return execInContainer(ctx, opts)

	case "pause":
		id, err := requireID(args)
		if err != nil {
			return 1, err
		}
		if err := pauseContainer(ctx, id); err != nil {
			return 1, err
		}
		return 0, nil

	case "resume":
		id, err := requireID(args)
		if err != nil {
			return 1, err
		}
		if err := resumeContainer(ctx, id); err != nil {
			return 1, err
		}
		return 0, nil

	case "ps":
		id, err := requireID(args)
		if err != nil {
			return 1, err
		}
		if err := listProcesses(ctx, id); err != nil {
			return 1, err
		}
		return 0, nil

	case "events":
		fs := flag.NewFlagSet("events", flag.ExitOnError)
		follow := fs.Bool("follow", false, "keep streaming new events")
		stats := fs.Bool("stats", false, "stream resource statistics")
		interval := fs.Int("interval", 1000, "sampling interval in milliseconds")
		fs.Parse(args)
		id, err := requireID(fs.Args())
		if err != nil {
			return 1, err
		}
		opts := eventsOptions{
			id:       id,
			follow:   *follow,
			stats:    *stats,
			interval: time.Duration(*interval) * time.Millisecond,
		}
		if err := eventsCommand(ctx, opts); err != nil {
			return 1, err
		}
		return 0, nil

	case "delete":
		fs := flag.NewFlagSet("delete", flag.ExitOnError)
		force := fs.Bool("force", false, "kill a live container before deleting it")
		fs.Parse(args)
		id, err := requireID(fs.Args())
		if err != nil {
			return 1, err
		}
		if err := deleteContainer(ctx, id, *force); err != nil {
			return 1, err
		}
		return 0, nil

	default:
		return 1, fmt.Errorf("unknown command %q", command)
	}
}

func parseCreateOptions(name string, args []string) (createOptions, error) {
	var opts createOptions
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&opts.bundle, "bundle", ".", "path to the OCI bundle directory")
	fs.StringVar(&opts.pidFile, "pid-file", "", "file to write the init pid to")
	fs.StringVar(&opts.consoleSocket, "console-socket", "", "unix socket to receive the console master fd")
	fs.BoolVar(&opts.noPivot, "no-pivot", false, "use chroot instead of pivot_root")
	fs.StringVar(&opts.notifySocket, "notify-socket", "", "sd_notify socket to expose to the container")
	fs.IntVar(&opts.preserveFds, "preserve-fds", 0, "number of additional fds to pass to the container")
	fs.Parse(args)

	id, err := requireID(fs.Args())
	if err != nil {
		return opts, err
	}
	opts.id = id
	return opts, nil
}

func parseExecOptions(args []string) (execOptions, error) {
	var opts execOptions
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	fs.StringVar(&opts.processPath, "process", "", "path to a process.json document")
	fs.StringVar(&opts.pidFile, "pid-file", "", "file to write the exec pid to")
	fs.BoolVar(&opts.detach, "detach", false, "do not wait for the process to exit")
	fs.BoolVar(&opts.tty, "tty", false, "allocate a pseudo-terminal")
	fs.IntVar(&opts.preserveFds, "preserve-fds", 0, "number of additional fds to pass to the process")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		return opts, fmt.Errorf("container ID is required")
	}
	opts.id = rest[0]
	rest = rest[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	opts.args = rest
	if err := validateContainerID(opts.id); err != nil {
		return opts, err
	}
	return opts, nil
}

func requireID(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("exactly one container ID is required")
	}
	if err := validateContainerID(args[0]); err != nil {
		return "", err
	}
	return args[0], nil
}

// runBootstrapStage is the entry point of the hidden init stages. Stage one
// sets up namespaces; stage two (init-child, present only when a new PID
// namespace was requested) is the container init proper.
func runBootstrapStage(stage string) {
	logger := initLogger()
	ctx := WithLogger(context.Background(), logger)

	payload, err := decodeInitPayload()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	if stage == "init-child" {
		err = containerInit(ctx, payload)
	} else {
		err = runInitStage1(ctx, payload)
	}
	if err != nil {
		logger.Error("Container init failed", "stage", stage, "error", err)
		fmt.Fprintf(os.Stderr, "runway init: %v\n", err)
		os.Exit(1)
	}
}

func runExecBootstrap() {
	logger := initLogger()
	ctx := WithLogger(context.Background(), logger)

	var payload execPayload
	if err := decodeJSONStdin(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if err := runExecInit(ctx, &payload); err != nil {
		logger.Error("Exec init failed", "error", err)
		fmt.Fprintf(os.Stderr, "runway exec: %v\n", err)
		os.Exit(1)
	}
}
