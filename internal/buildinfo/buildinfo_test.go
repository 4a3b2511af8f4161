package buildinfo

import (
	"strings"
	"testing"
)

func TestBuildInfo_Keys(t *testing.T) {
	info := BuildInfo()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if _, ok := info[k]; !ok {
			t.Errorf("BuildInfo() missing key %q", k)
		}
	}
	if _, ok := info["uptime"]; ok {
		t.Error("BuildInfo() should not include uptime")
	}
}

func TestRuntimeInfo_IncludesUptime(t *testing.T) {
	info := RuntimeInfo()
	if _, ok := info["uptime"]; !ok {
		t.Error("RuntimeInfo() missing uptime")
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "mcphost ") {
		t.Errorf("String() = %q, want mcphost prefix", s)
	}
	if !strings.Contains(s, Version) {
		t.Errorf("String() = %q, want it to contain version %q", s, Version)
	}
}
