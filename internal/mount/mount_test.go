package mount

import (
	"strings"
	"testing"
)

func TestValidateLayerPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/ws/.ciel/container/dist", false},
		{"/ws/upper,evil=1", true},
		{"/ws/upper\x00", true},
		{"/ws/upper\nsecond-line", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validateLayerPath(tt.path, "test")
			if tt.wantErr && err == nil {
				t.Errorf("expected error for %q, got nil", tt.path)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for %q: %v", tt.path, err)
			}
		})
	}
}

const sampleMountinfo = `22 26 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
25 26 0:6 / /dev rw,nosuid shared:2 - devtmpfs devtmpfs rw,size=4096k
60 26 0:30 / /ws/.ciel/container/instances/foo/layers/merged rw,relatime - overlay overlay rw,lowerdir=/base,upperdir=/upper,workdir=/work
61 60 8:1 / /ws/.ciel/container/instances/foo/layers/merged/TREE rw,relatime master:1 - ext4 /dev/sda1 rw
`

func TestParseMountinfo(t *testing.T) {
	entries, err := parseMountinfo(strings.NewReader(sampleMountinfo))
	if err != nil {
		t.Fatalf("parseMountinfo: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}

	merged := "/ws/.ciel/container/instances/foo/layers/merged"
	e, ok := mountedAt(entries, merged)
	if !ok {
		t.Fatalf("expected mount at %s", merged)
	}
	if e.fsType != "overlay" {
		t.Errorf("fsType: got %q want overlay", e.fsType)
	}

	if !anyMountedUnder(entries, merged) {
		t.Errorf("expected anyMountedUnder to find the merged mount and its child")
	}
	if anyMountedUnder(entries, "/ws/.ciel/container/instances/bar/layers/merged") {
		t.Errorf("unexpected match for an unrelated instance")
	}
}

func TestDefaultTmpfsSizeMiBIsBounded(t *testing.T) {
	size := DefaultTmpfsSizeMiB()
	if size == 0 {
		t.Errorf("expected a non-zero default tmpfs size")
	}
	if size > maxTmpfsSizeMiB {
		t.Errorf("default tmpfs size %d exceeds platform cap %d", size, maxTmpfsSizeMiB)
	}
}
