package cli

import (
	"flag"
	"fmt"
	"os"

	"ciel/internal/cielerr"
	"ciel/internal/instance"
)

// targetNames resolves a subcommand's target instance list: either
// every known instance (-a) or the explicit names given on argv. It is
// shared by every bulk-capable lifecycle subcommand (§4.5.4).
func (a *app) targetNames(fsName string, argv []string) ([]string, error) {
	fs := flag.NewFlagSet(fsName, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	all := fs.Bool("a", false, "apply to every known instance")
	if err := fs.Parse(argv); err != nil {
		return nil, errUsage("%v", err)
	}

	if *all {
		if len(fs.Args()) != 0 {
			return nil, errUsage("%s: -a does not take instance names", fsName)
		}
		return a.mgr.Names(), nil
	}
	names := fs.Args()
	if len(names) == 0 {
		return nil, errUsage("%s: give -a or at least one instance name", fsName)
	}
	return names, nil
}

// runBulkReport runs fn across names with RunBulk, prints one line per
// failure, and returns a combined error iff any instance failed, per
// the "bulk command fails overall iff at least one instance failed"
// rule (§4.5.4).
func (a *app) runBulkReport(names []string, fn func(name string) error) error {
	outcomes := instance.RunBulk(names, fn)
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "ciel: %s: %v\n", o.Name, o.Err)
		} else {
			a.printf("%s: ok\n", o.Name)
		}
	}
	if instance.Failed(outcomes) {
		return cielerr.Newf(cielerr.ContainerFailed, "one or more instances failed")
	}
	return nil
}

func (a *app) cmdAdd(argv []string) error {
	if len(argv) != 1 {
		return errUsage("add: expected exactly one instance name")
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	return a.mgr.Add(argv[0])
}

func (a *app) cmdDel(argv []string) error {
	names, err := a.targetNames("del", argv)
	if err != nil {
		return err
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	return a.runBulkReport(names, a.mgr.Del)
}

func (a *app) cmdMount(argv []string) error {
	names, err := a.targetNames("mount", argv)
	if err != nil {
		return err
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	return a.runBulkReport(names, a.mgr.Mount)
}

func (a *app) cmdBoot(argv []string) error {
	names, err := a.targetNames("boot", argv)
	if err != nil {
		return err
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	ctx := a.guard.Context()
	return a.runBulkReport(names, func(name string) error {
		return a.mgr.Boot(ctx, name, defaultTimeout)
	})
}

func (a *app) cmdStop(argv []string) error {
	names, err := a.targetNames("stop", argv)
	if err != nil {
		return err
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	ctx := a.guard.Context()
	return a.runBulkReport(names, func(name string) error {
		return a.mgr.Stop(ctx, name, defaultTimeout)
	})
}

func (a *app) cmdDown(argv []string) error {
	names, err := a.targetNames("down", argv)
	if err != nil {
		return err
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	ctx := a.guard.Context()
	return a.runBulkReport(names, func(name string) error {
		return a.mgr.Down(ctx, name, defaultTimeout)
	})
}

func (a *app) cmdRollback(argv []string) error {
	names, err := a.targetNames("rollback", argv)
	if err != nil {
		return err
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	return a.runBulkReport(names, a.mgr.Rollback)
}

func (a *app) cmdCommit(argv []string) error {
	if len(argv) != 1 {
		return errUsage("commit: expected exactly one instance name")
	}
	if err := a.lockWorkspace(); err != nil {
		return err
	}
	return a.mgr.Commit(argv[0])
}

// cmdBuild parses the build subcommand's flags for forward compat with
// the real build driver, which ciel's core does not implement: package
// compilation is the child shell's job (§6's "deliberately out of
// scope" list), so this validates arguments and boots the requested
// instance, then returns a ContainerFailed error stating that the
// requested packages were not compiled by the core.
func (a *app) cmdBuild(argv []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	instanceName := fs.String("i", "", "instance to build in")
	resume := fs.String("resume", "", "resume from a given stage")
	stageSelect := fs.Bool("stage-select", false, "interactively select stages")
	keepGoing := fs.Bool("g", false, "keep going after a failed package")
	if err := fs.Parse(argv); err != nil {
		return errUsage("%v", err)
	}
	if *instanceName == "" {
		return errUsage("build: -i <instance> is required")
	}
	pkgs := fs.Args()
	if len(pkgs) == 0 {
		return errUsage("build: give at least one package to build")
	}

	if err := a.lockWorkspace(); err != nil {
		return err
	}
	ctx := a.guard.Context()
	if err := a.mgr.Boot(ctx, *instanceName, defaultTimeout); err != nil {
		return err
	}

	_ = resume
	_ = stageSelect
	_ = keepGoing
	return cielerr.Newf(cielerr.ContainerFailed,
		"build: package compilation is handled by the child shell, not the core (%d package(s) requested in %s)",
		len(pkgs), *instanceName)
}
