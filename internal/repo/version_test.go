package repo

import (
	"testing"

	debversion "pault.ag/go/debian/version"
)

func TestDebianVersionOrderingCuratedPairs(t *testing.T) {
	// less[i] must sort strictly before less[i+1] or ties must compare
	// equal, exercising Debian's epoch/upstream/revision precedence and
	// its tilde-sorts-before-everything tiebreak rule (property 8).
	pairs := []struct {
		lesser, greater string
	}{
		{"1.0", "1.1"},
		{"1.0", "2.0"},
		{"1.0-1", "1.0-2"},
		{"1.0~beta1", "1.0"},
		{"1.0~beta1", "1.0~beta2"},
		{"0.9", "1.0"},
		{"1:1.0", "2:0.1"},
		{"1.0-1", "1:0.1-1"},
		{"1.0.0", "1.0.1"},
		{"1.0a", "1.0b"},
		{"1.0", "1.0.1"},
		{"2.4.1-1", "2.4.1-2"},
		{"3.0~rc1-1", "3.0-1"},
		{"1.2.3", "1.10.0"},
		{"1.0-0", "1.0-1"},
	}

	for _, p := range pairs {
		lv, err := debversion.Parse(p.lesser)
		if err != nil {
			t.Fatalf("Parse(%q): %v", p.lesser, err)
		}
		gv, err := debversion.Parse(p.greater)
		if err != nil {
			t.Fatalf("Parse(%q): %v", p.greater, err)
		}
		if debversion.Compare(lv, gv) >= 0 {
			t.Errorf("expected %q < %q, Compare returned %d", p.lesser, p.greater, debversion.Compare(lv, gv))
		}
		if debversion.Compare(gv, lv) <= 0 {
			t.Errorf("expected %q > %q, Compare returned %d", p.greater, p.lesser, debversion.Compare(gv, lv))
		}
	}
}

func TestDebianVersionEquality(t *testing.T) {
	a, err := debversion.Parse("1.0-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := debversion.Parse("1.0-1")
	if err != nil {
		t.Fatal(err)
	}
	if debversion.Compare(a, b) != 0 {
		t.Errorf("expected equal versions to compare 0, got %d", debversion.Compare(a, b))
	}
}
