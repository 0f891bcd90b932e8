// Package instance implements the instance state machine (C5): it
// coordinates the config store (C2), mount stack (C3), and machine
// controller (C4) to realize mount/boot/stop/down/rollback/commit/add/del
// against one named instance, and persists the observed state of every
// instance in a workspace across the three-state Unmounted/Mounted/Booted
// machine §4.5 requires.
package instance

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"ciel/internal/cielerr"
	"ciel/internal/config"
	"ciel/internal/guard"
	"ciel/internal/layout"
	"ciel/internal/machine"
	"ciel/internal/mount"
)

// State is the position of one instance in the Unmounted -> Mounted ->
// Booted state machine.
type State int

const (
	Unmounted State = iota
	Mounted
	Booted
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "Unmounted"
	case Mounted:
		return "Mounted"
	case Booted:
		return "Booted"
	default:
		return "Unknown"
	}
}

// nameRE enforces §3's instance name shape.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName reports whether name is a legal instance name: non-empty,
// at most 64 bytes, and free of path separators and other punctuation
// that would escape the instances directory. A bad name is a malformed
// argument, not a state error against an existing instance, so this
// returns a plain error rather than a cielerr.Error: it reports as a
// usage mistake (exit 1), never as InstanceNotFound/InstanceBusy (exit 3).
func ValidateName(name string) error {
	if name == "" || len(name) > 64 || !nameRE.MatchString(name) {
		return fmt.Errorf("invalid instance name %q", name)
	}
	return nil
}

// Manager coordinates C2..C4 for every instance in one workspace.
type Manager struct {
	layout     *layout.Layout
	workspace  *config.Workspace
	stack      *mount.Stack
	controller machine.Controller
	registry   *Registry
	logger     *log.Logger
}

// New builds a Manager over an already-loaded workspace config. The
// registry is loaded (or created empty) from layout.InstanceRegistry(),
// then reconciled against what is actually on disk: entries for
// instance directories that no longer exist (e.g. removed by hand
// while ciel wasn't running) are dropped before the Manager is handed
// to any subcommand.
func New(lo *layout.Layout, ws *config.Workspace, ctl machine.Controller, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[instance] ", log.LstdFlags|log.Lmsgprefix)
	}
	reg, err := LoadRegistry(lo.InstanceRegistry())
	if err != nil {
		return nil, err
	}
	if err := reg.Reconcile(lo.InstancesDir()); err != nil {
		return nil, err
	}
	return &Manager{
		layout:     lo,
		workspace:  ws,
		stack:      mount.New(),
		controller: ctl,
		registry:   reg,
		logger:     logger,
	}, nil
}

// withInstanceLock acquires the per-instance advisory lock, runs f, and
// releases the lock regardless of f's outcome (§4.5.3).
func (m *Manager) withInstanceLock(name string, f func() error) error {
	l, err := guard.AcquireInstanceLock(m.layout.InstanceLock(name))
	if err != nil {
		return err
	}
	defer l.Release()
	return f()
}

// unitName derives this instance's stable container unit name.
func (m *Manager) unitName(name string) string {
	return machine.UnitName(m.layout.Root(), name)
}

// buildSpec assembles the mount.Spec for one instance from the
// workspace config, the per-instance config, and the fixed layout
// paths, applying §4.3's auxiliary mount ordering and rules.
func (m *Manager) buildSpec(name string, ic *config.Instance) mount.Spec {
	spec := mount.Spec{
		Base:   m.layout.Base(),
		Upper:  m.layout.InstanceUpper(name),
		Work:   m.layout.InstanceWork(name),
		Merged: m.layout.InstanceMerged(name),
	}

	if ic.Tmpfs {
		spec.TmpfsUpper = true
		if ic.TmpfsSizeMiB != nil {
			spec.TmpfsSizeMiB = *ic.TmpfsSizeMiB
		} else {
			spec.TmpfsSizeMiB = mount.DefaultTmpfsSizeMiB()
		}
	}

	if m.workspace.VolatileMount {
		spec.Volatile = true
		spec.VolatileUpper = m.layout.InstanceVolatileUpper(name)
		spec.VolatileWork = m.layout.InstanceVolatileWork(name)
	}

	merged := spec.Merged
	treeSrc := m.layout.Tree()
	if _, err := os.Stat(treeSrc); err == nil || !os.IsNotExist(err) {
		spec.Aux = append(spec.Aux, mount.Aux{
			Name: "tree", Source: treeSrc, Target: merged + "/tree",
			ReadOnly: ic.ROTree, Optional: true,
		})
	}

	if m.workspace.SourceCache {
		spec.Aux = append(spec.Aux, mount.Aux{
			Name: "cache", Source: m.layout.Cache(), Target: merged + "/srcs",
			ReadOnly: false, Optional: true,
		})
	}

	output := m.outputDir(name, ic)
	if m.workspace.LocalRepo {
		repoRoot := m.layout.OutputDistsRoot(output)
		if hasValidIndex(m.layout.OutputRelease(output)) {
			spec.Aux = append(spec.Aux, mount.Aux{
				Name: "local-repo", Source: repoRoot, Target: merged + "/repo",
				ReadOnly: true, Optional: true,
			})
		}
	}

	spec.Aux = append(spec.Aux, mount.Aux{
		Name: "output", Source: output, Target: merged + "/output",
		ReadOnly: false, Optional: true,
	})

	for i, extra := range config.EffectiveNspawnOpts(m.workspace, ic) {
		spec.Aux = append(spec.Aux, extraAuxMount(merged, i, extra))
	}

	return spec
}

// outputDir resolves the effective output directory for an instance,
// honoring a per-instance override before falling back to the
// workspace-scope branch-exclusive default.
func (m *Manager) outputDir(_ string, ic *config.Instance) string {
	if ic.OutputOverride != "" {
		return ic.OutputOverride
	}
	return m.layout.Output(m.workspace.BranchExclusiveOutput, "")
}

// hasValidIndex reports whether path (an OutputRelease path) exists and
// is non-empty, the minimal "valid index" check §4.3 requires before
// bind-mounting a local repo read-only.
func hasValidIndex(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

// extraAuxMount turns one raw `extra_nspawn_opts` entry into an
// optional bind Aux whose Source is the whole raw entry and whose Target
// is <merged>/extra<idx>. The entry is not parsed: there is no
// "src:dst[:ro]" splitting and no read-only option, and an entry that
// names no existing path is skipped by Stack.Apply only because the Aux
// is Optional (mirrors the Docker controller's "record rather than
// interpret" treatment of ExtraOpts in §4.4.1).
func extraAuxMount(merged string, idx int, raw string) mount.Aux {
	return mount.Aux{
		Name:     "extra",
		Source:   raw,
		Target:   merged + "/extra" + strconv.Itoa(idx),
		Optional: true,
	}
}

// Add creates a fresh instance directory tree and default per-instance
// config. The instance starts Unmounted.
func (m *Manager) Add(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return m.withInstanceLock(name, func() error {
		if m.registry.has(name) {
			return cielerr.Newf(cielerr.InstanceExists, "instance %q already exists", name).WithPath(name)
		}
		for _, dir := range []string{
			m.layout.InstanceRoot(name),
			m.layout.InstanceUpper(name),
			m.layout.InstanceWork(name),
			m.layout.InstanceMerged(name),
		} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return cielerr.Wrap(cielerr.IoError, err).WithPath(dir)
			}
		}
		if err := config.SaveInstance(m.layout.InstanceConfig(name), config.DefaultInstance()); err != nil {
			return err
		}
		m.registry.put(name, Unmounted)
		return m.registry.save()
	})
}

// Del removes an instance's directory entirely. Precondition: Unmounted.
func (m *Manager) Del(name string) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st != Unmounted {
			return cielerr.Newf(cielerr.InstanceBusy, "instance %q must be Unmounted to delete (is %s)", name, st).WithPath(name)
		}
		if err := os.RemoveAll(m.layout.InstanceRoot(name)); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(name)
		}
		m.registry.delete(name)
		return m.registry.save()
	})
}

// Mount applies the mount stack for one instance. Precondition: Unmounted.
func (m *Manager) Mount(name string) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st != Unmounted {
			return cielerr.Newf(cielerr.InstanceBusy, "instance %q is not Unmounted (is %s)", name, st).WithPath(name)
		}
		ic, err := config.LoadInstance(m.layout.InstanceConfig(name))
		if err != nil {
			return err
		}
		if err := m.stack.Apply(m.buildSpec(name, ic)); err != nil {
			return err
		}
		m.registry.put(name, Mounted)
		return m.registry.save()
	})
}

// Boot mounts (if needed), registers the container, and waits for it to
// report ready.
func (m *Manager) Boot(ctx context.Context, name string, timeout time.Duration) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st == Booted {
			return nil
		}
		ic, err := config.LoadInstance(m.layout.InstanceConfig(name))
		if err != nil {
			return err
		}
		if st == Unmounted {
			if err := m.stack.Apply(m.buildSpec(name, ic)); err != nil {
				return err
			}
			m.registry.put(name, Mounted)
			if err := m.registry.save(); err != nil {
				return err
			}
		}

		unit := m.unitName(name)
		opts := machine.RegisterOptions{
			MergedRoot: m.layout.InstanceMerged(name),
			ExtraOpts:  config.EffectiveNspawnOpts(m.workspace, ic),
		}
		if err := m.controller.Register(ctx, unit, opts); err != nil {
			return err
		}
		if err := m.controller.WaitReady(ctx, unit, timeout); err != nil {
			return err
		}
		m.registry.put(name, Booted)
		return m.registry.save()
	})
}

// Stop gracefully stops a Booted instance's container, returning it to Mounted.
func (m *Manager) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st != Booted {
			return cielerr.Newf(cielerr.InstanceBusy, "instance %q is not Booted (is %s)", name, st).WithPath(name)
		}
		if err := m.controller.Stop(ctx, m.unitName(name), timeout); err != nil {
			return err
		}
		m.registry.put(name, Mounted)
		return m.registry.save()
	})
}

// Down stops the container if Booted and releases the mount stack,
// returning the instance to Unmounted regardless of starting state.
func (m *Manager) Down(ctx context.Context, name string, timeout time.Duration) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st == Booted {
			if err := m.controller.Stop(ctx, m.unitName(name), timeout); err != nil {
				return err
			}
		}
		if st != Unmounted {
			ic, err := config.LoadInstance(m.layout.InstanceConfig(name))
			if err != nil {
				return err
			}
			if err := m.stack.Release(m.buildSpec(name, ic)); err != nil {
				return err
			}
		}
		m.registry.put(name, Unmounted)
		return m.registry.save()
	})
}

// Rollback replaces the instance's upper layer with an empty directory
// via resetUpper: it removes the directory and then recreates it, two
// separate steps rather than one atomic swap. Precondition: Unmounted
// (§4.5.2).
func (m *Manager) Rollback(name string) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st != Unmounted {
			return cielerr.Newf(cielerr.InstanceBusy, "rollback requires Unmounted (instance %q is %s)", name, st).WithPath(name)
		}
		return resetUpper(m.layout.InstanceUpper(name))
	})
}

// currentState returns the registry's last-observed state for name,
// failing with InstanceNotFound if the instance is unknown.
func (m *Manager) currentState(name string) (State, error) {
	st, ok := m.registry.get(name)
	if !ok {
		return Unmounted, cielerr.Newf(cielerr.InstanceNotFound, "no such instance %q", name).WithPath(name)
	}
	return st, nil
}

// Names returns every instance name tracked in the registry, sorted.
func (m *Manager) Names() []string {
	return m.registry.names()
}
