package repo

import (
	"strings"
	"testing"
)

func TestParseControlBasicFields(t *testing.T) {
	input := "Package: hello\nVersion: 2.10-3\nArchitecture: amd64\n" +
		"Maintainer: Jane Doe <jane@example.com>\n" +
		"Description: prints a friendly greeting\n long description line\n .\n more text\n"

	fields, err := parseControl(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseControl: %v", err)
	}

	if fields["Package"] != "hello" {
		t.Errorf("Package = %q, want hello", fields["Package"])
	}
	if fields["Version"] != "2.10-3" {
		t.Errorf("Version = %q, want 2.10-3", fields["Version"])
	}
	if fields["Architecture"] != "amd64" {
		t.Errorf("Architecture = %q, want amd64", fields["Architecture"])
	}

	wantDesc := "prints a friendly greeting\nlong description line\n\nmore text"
	if fields["Description"] != wantDesc {
		t.Errorf("Description = %q, want %q", fields["Description"], wantDesc)
	}
}

func TestParseControlIgnoresBlankLines(t *testing.T) {
	input := "Package: a\n\nVersion: 1\n"
	fields, err := parseControl(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseControl: %v", err)
	}
	if fields["Package"] != "a" || fields["Version"] != "1" {
		t.Errorf("got %v", fields)
	}
}
