package machine

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestUnitNameStableAndDistinctAcrossWorkspaces(t *testing.T) {
	a := UnitName("/home/user/ws1", "foo")
	b := UnitName("/home/user/ws1", "foo")
	c := UnitName("/home/user/ws2", "foo")

	if a != b {
		t.Errorf("unit name not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("expected distinct unit names across workspaces, both got %q", a)
	}
	if !strings.HasPrefix(a, "ciel-foo-") {
		t.Errorf("unexpected unit name shape: %q", a)
	}
}

func frame(streamType byte, payload []byte) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemuxToSplitsStdoutAndStderr(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(1, []byte("hello ")))
	stream.Write(frame(2, []byte("oops ")))
	stream.Write(frame(1, []byte("world\n")))

	var stdout, stderr bytes.Buffer
	if err := demuxTo(&stream, &stdout, &stderr); err != nil {
		t.Fatalf("demuxTo: %v", err)
	}

	if got, want := stdout.String(), "hello world\n"; got != want {
		t.Errorf("stdout: got %q want %q", got, want)
	}
	if got, want := stderr.String(), "oops "; got != want {
		t.Errorf("stderr: got %q want %q", got, want)
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		Absent:   "Absent",
		Starting: "Starting",
		Running:  "Running",
		Degraded: "Degraded",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String(): got %q want %q", status, got, want)
		}
	}
}

func TestScrubEnvDropsBlocklistedKeepsRest(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"LD_PRELOAD=/evil.so",
		"AWS_SECRET_ACCESS_KEY=shh",
		"MY_BUILD_FLAG=1",
	}
	got := scrubEnv(in)

	want := []string{"PATH=/usr/bin", "MY_BUILD_FLAG=1"}
	if len(got) != len(want) {
		t.Fatalf("scrubEnv(%v) = %v, want %v", in, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scrubEnv(%v) = %v, want %v", in, got, want)
		}
	}
}
