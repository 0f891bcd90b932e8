package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"ciel/internal/cielerr"
)

// gracePeriod bounds how long a bulk operation's workers get to notice
// a termination signal before the registered compensations (the
// workspace lock release registered by lockWorkspace) run.
const gracePeriod = 5 * time.Second

// defaultTimeout bounds boot/stop readiness waits issued from the CLI.
const defaultTimeout = 30 * time.Second

const usage = `ciel - integrated packaging environment

Usage:
  ciel [-C dir] [-q] <command> [arguments]

Commands:
  add <name>                        create a new instance
  del [-a | <name>...]              delete one, several, or all instances
  mount [-a | <name>...]            mount instance filesystem(s)
  boot [-a | <name>...]             mount and start instance container(s)
  stop [-a | <name>...]             stop instance container(s), keep mounted
  down [-a | <name>...]             stop and unmount instance(s)
  rollback [-a | <name>...]         discard instance upper layer(s)
  commit <name>                     merge an instance's upper layer into base
  build -i <name> [flags] <pkgs>... build packages inside an instance
  repo refresh [path] [--watch]     rebuild the local APT repository index

Global flags:
  -C dir   workspace root (default: current directory)
  -q       suppress progress output
`

// Run parses argv, dispatches to the matching subcommand, and returns
// the process exit code. It never calls os.Exit itself, so callers
// (and tests) can observe the code without terminating the test binary.
func Run(argv []string) int {
	fs := flag.NewFlagSet("ciel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	root := fs.String("C", ".", "workspace root")
	quiet := fs.Bool("q", false, "suppress progress output")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := fs.Parse(argv); err != nil {
		return 1
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return 1
	}

	cmd, rest := args[0], args[1:]

	if cmd == "-h" || cmd == "-help" || cmd == "help" || cmd == "--help" {
		fs.Usage()
		return 0
	}

	// Every subcommand operates against an already-initialized workspace
	// (ciel workspaces are created out of band by unpacking a base
	// tarball, not by this CLI), so they all share the same openApp path.
	a, err := openApp(*root, *quiet)
	if err != nil {
		return report(err)
	}
	defer a.close()

	switch cmd {
	case "add":
		err = a.cmdAdd(rest)
	case "del":
		err = a.cmdDel(rest)
	case "mount":
		err = a.cmdMount(rest)
	case "boot":
		err = a.cmdBoot(rest)
	case "stop":
		err = a.cmdStop(rest)
	case "down":
		err = a.cmdDown(rest)
	case "rollback":
		err = a.cmdRollback(rest)
	case "commit":
		err = a.cmdCommit(rest)
	case "build":
		err = a.cmdBuild(rest)
	case "repo":
		err = a.cmdRepo(rest)
	default:
		fmt.Fprintf(os.Stderr, "ciel: unknown command %q\n", cmd)
		fs.Usage()
		return 1
	}

	return report(err)
}

// report prints err (if non-nil) and maps its cielerr.Kind to an exit
// code per the core's exit-code contract: 0 success, 1 user/argument
// error, 2 workspace contention, 3 instance contention or wrong state,
// 4 external tool failure, 5 data corruption.
func report(err error) int {
	if err == nil {
		return 0
	}

	ce, ok := cielerr.As(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "ciel: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "ciel: %v\n", ce)

	switch ce.Kind {
	case cielerr.WorkspaceBusy:
		return 2
	case cielerr.InstanceBusy, cielerr.InstanceNotFound, cielerr.InstanceExists:
		return 3
	case cielerr.MountFailed, cielerr.ContainerFailed, cielerr.StopTimeout:
		return 4
	case cielerr.MalformedArchive, cielerr.SchemaError, cielerr.IoError:
		return 5
	case cielerr.WorkspaceMissing:
		return 1
	case cielerr.Canceled:
		return 130
	default:
		return 1
	}
}

// errUsage wraps a bare argument-parsing mistake so report() prints it
// plainly and exits 1 without pretending it is a cielerr.Error.
func errUsage(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
