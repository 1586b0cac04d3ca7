package version

import (
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	if Short() != Version {
		t.Errorf("Short() = %q, want %q", Short(), Version)
	}
}

func TestInfoTruncatesCommit(t *testing.T) {
	origCommit := Commit
	defer func() { Commit = origCommit }()

	Commit = "0123456789abcdef"
	info := Info()
	if !strings.Contains(info, "0123456") {
		t.Errorf("Info() = %q, want short commit", info)
	}
	if strings.Contains(info, "0123456789abcdef") {
		t.Errorf("Info() = %q, commit not truncated", info)
	}
}

func TestFullContainsBuildFields(t *testing.T) {
	full := Full()
	for _, want := range []string{"takt", "Commit:", "Built:", "Go version:", "OS/Arch:"} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() missing %q:\n%s", want, full)
		}
	}
}
