package guard

import (
	"path/filepath"
	"testing"
	"time"

	"ciel/internal/cielerr"
)

func TestAcquireWorkspaceLockContention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.lock")

	first, err := AcquireWorkspaceLock(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	_, err = AcquireWorkspaceLock(path)
	if err == nil {
		t.Fatal("expected contended lock to fail")
	}
	if !cielerr.Is(err, cielerr.WorkspaceBusy) {
		t.Errorf("expected WorkspaceBusy, got %v", err)
	}
}

func TestAcquireInstanceLockContention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.lock")

	first, err := AcquireInstanceLock(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	_, err = AcquireInstanceLock(path)
	if !cielerr.Is(err, cielerr.InstanceBusy) {
		t.Errorf("expected InstanceBusy, got %v", err)
	}
}

func TestLockReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bar.lock")

	l, err := AcquireInstanceLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := AcquireInstanceLock(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	l2.Release()
}

func TestLockReleaseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baz.lock")

	l, err := AcquireWorkspaceLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}
}

func TestShutdownRunsCompensationsInLIFOOrder(t *testing.T) {
	sd := New(nil, 10*time.Millisecond)

	var order []int
	sd.RegisterCompensation(func() { order = append(order, 1) })
	sd.RegisterCompensation(func() { order = append(order, 2) })
	sd.RegisterCompensation(func() { order = append(order, 3) })

	sd.Shutdown()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}

func TestShutdownCancelsContext(t *testing.T) {
	sd := New(nil, 0)
	select {
	case <-sd.Context().Done():
		t.Fatal("context canceled before shutdown")
	default:
	}

	sd.Shutdown()

	select {
	case <-sd.Context().Done():
	default:
		t.Fatal("context not canceled after shutdown")
	}
	if !sd.Canceled() {
		t.Error("Canceled() should report true after shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	sd := New(nil, 0)
	calls := 0
	sd.RegisterCompensation(func() { calls++ })

	sd.Shutdown()
	sd.Shutdown()

	if calls != 1 {
		t.Errorf("expected compensation to run exactly once, ran %d times", calls)
	}
}
