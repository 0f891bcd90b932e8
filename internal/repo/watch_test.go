package repo

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"ciel/internal/layout"
)

func TestWatcherDebouncesBurstIntoOneRefresh(t *testing.T) {
	root := t.TempDir()
	lo := layout.New(root)
	output := lo.Output(false, "")
	debs := lo.OutputDebs(output)
	if err := os.MkdirAll(debs, 0755); err != nil {
		t.Fatal(err)
	}

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w, err := NewWatcher(lo, output, HashOptions{}, nil, func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	var refreshes int32
	w.OnRefresh(func(_ *Result, _ error) { atomic.AddInt32(&refreshes, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 3; i++ {
		writeDeb(t, debs, "pkg"+string(rune('a'+i))+"_1.0_amd64.deb",
			"Package: pkg\nVersion: 1.0\nArchitecture: amd64\n", nil)
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(debounceDuration + 300*time.Millisecond)

	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Errorf("expected exactly 1 debounced refresh, got %d", got)
	}
}
