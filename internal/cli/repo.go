package cli

import (
	"flag"
	"os"
	"time"

	"ciel/internal/repo"
)

// cmdRepo implements `repo refresh [path] [--watch]`. path overrides
// the workspace's default output tree (e.g. for branch-exclusive
// outputs not yet known to the workspace config); --watch runs a
// debounced fsnotify loop instead of a single pass and blocks until
// interrupted.
func (a *app) cmdRepo(argv []string) error {
	if len(argv) == 0 || argv[0] != "refresh" {
		return errUsage("repo: expected \"refresh\"")
	}
	argv = argv[1:]

	fs := flag.NewFlagSet("repo refresh", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	watch := fs.Bool("watch", false, "watch for archive changes and refresh continuously")
	if err := fs.Parse(argv); err != nil {
		return errUsage("%v", err)
	}

	output := a.lo.Output(a.ws.BranchExclusiveOutput, "")
	if rest := fs.Args(); len(rest) == 1 {
		output = rest[0]
	} else if len(rest) > 1 {
		return errUsage("repo refresh: at most one output path argument")
	}

	opts := repo.HashOptions{MD5: true, SHA1: true}

	if !*watch {
		if err := a.lockWorkspace(); err != nil {
			return err
		}
		result, err := repo.Refresh(a.lo, output, time.Now(), opts)
		if err != nil {
			return err
		}
		a.printf("repo: %d package(s) indexed, %d failure(s)\n", len(result.Entries), len(result.Failures))
		return nil
	}

	w, err := repo.NewWatcher(a.lo, output, opts, a.logger, time.Now)
	if err != nil {
		return err
	}
	w.OnRefresh(func(result *repo.Result, err error) {
		if err != nil {
			a.printf("repo: refresh failed: %v\n", err)
			return
		}
		a.printf("repo: %d package(s) indexed, %d failure(s)\n", len(result.Entries), len(result.Failures))
	})

	ctx := a.guard.Context()
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	<-ctx.Done()
	return nil
}
