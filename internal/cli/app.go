// Package cli implements the ciel command-line dispatcher: flag
// parsing, subcommand dispatch, signal-driven shutdown, and the
// mapping from cielerr.Kind to process exit codes.
package cli

import (
	"fmt"
	"log"
	"os"

	"ciel/internal/cielerr"
	"ciel/internal/config"
	"ciel/internal/guard"
	"ciel/internal/instance"
	"ciel/internal/layout"
	"ciel/internal/machine"
)

// app bundles the components a subcommand needs, opened once per
// invocation against the resolved workspace root.
type app struct {
	root   string
	quiet  bool
	lo     *layout.Layout
	ws     *config.Workspace
	ctl    *machine.DockerController
	mgr    *instance.Manager
	logger *log.Logger
	guard  *guard.Shutdown
	wsLock *guard.Lock
}

// openApp resolves the workspace at root, loads its config, and wires
// up the machine controller and instance manager. It takes no lock
// itself: every mutating subcommand, including a one-shot repo refresh,
// calls lockWorkspace and holds the workspace lock for its duration,
// while repo refresh --watch runs without it.
func openApp(root string, quiet bool) (*app, error) {
	lo, err := layout.Find(root)
	if err != nil {
		return nil, err
	}

	ws, err := config.LoadWorkspace(lo.WorkspaceConfig())
	if err != nil {
		return nil, err
	}

	var logger *log.Logger
	if quiet {
		logger = log.New(nopWriter{}, "", 0)
	} else {
		logger = log.New(os.Stderr, "", 0)
	}

	ctl, err := machine.NewDockerController(logger)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.ContainerFailed, err)
	}

	mgr, err := instance.New(lo, ws, ctl, logger)
	if err != nil {
		return nil, err
	}

	sd := guard.New(logger, gracePeriod)
	sd.ListenForSignals()

	a := &app{
		root:   root,
		quiet:  quiet,
		lo:     lo,
		ws:     ws,
		ctl:    ctl,
		mgr:    mgr,
		logger: logger,
		guard:  sd,
	}
	return a, nil
}

// lockWorkspace acquires the workspace-scope advisory lock. Subcommands
// that mutate instance state or the registry call this before doing
// anything else; it is released by close.
func (a *app) lockWorkspace() error {
	l, err := guard.AcquireWorkspaceLock(a.lo.Lock())
	if err != nil {
		return err
	}
	a.wsLock = l
	a.guard.RegisterCompensation(func() { l.Release() })
	return nil
}

func (a *app) close() {
	if a.wsLock != nil {
		a.wsLock.Release()
	}
}

func (a *app) printf(format string, args ...interface{}) {
	if a.quiet {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
