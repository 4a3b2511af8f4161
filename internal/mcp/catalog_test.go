package mcp

import (
	"strings"
	"testing"
)

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"home-assistant", "get_entities", "mcp_home_assistant_get_entities"},
		{"github", "create_issue", "mcp_github_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
		{"ext_filesystem", "read_file", "mcp_ext_filesystem_read_file"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := QualifiedName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("QualifiedName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestQualifiedName_Truncates(t *testing.T) {
	got := QualifiedName("server", strings.Repeat("x", 100))
	if len(got) != maxQualifiedName {
		t.Errorf("len = %d, want %d", len(got), maxQualifiedName)
	}
	if !strings.HasPrefix(got, "mcp_server_") {
		t.Errorf("got %q, want mcp_server_ prefix", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitize(tt.input)
			if got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCatalog_Lookup(t *testing.T) {
	cat := NewCatalog(map[string][]Tool{
		"weather": {{Name: "forecast"}, {Name: "alerts"}},
		"files":   {{Name: "read-file", Description: "Read a file"}},
	})

	if cat.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", cat.Len())
	}

	e, ok := cat.Lookup("mcp_files_read_file")
	if !ok {
		t.Fatal("Lookup(mcp_files_read_file) not found")
	}
	if e.Server != "files" || e.Tool.Name != "read-file" {
		t.Errorf("entry = %+v, want server files tool read-file", e)
	}
	if e.Tool.Description != "Read a file" {
		t.Errorf("Description = %q", e.Tool.Description)
	}

	if _, ok := cat.Lookup("mcp_nope_nothing"); ok {
		t.Error("Lookup of unknown name succeeded")
	}

	// Servers are visited in name order.
	entries := cat.Entries()
	if entries[0].Server != "files" {
		t.Errorf("first entry server = %q, want files", entries[0].Server)
	}
}

func TestCatalog_Collisions(t *testing.T) {
	cat := NewCatalog(map[string][]Tool{
		"srv": {{Name: "do-thing"}, {Name: "do_thing"}, {Name: "Do Thing"}},
	})

	want := []string{"mcp_srv_do_thing", "mcp_srv_do_thing_2", "mcp_srv_do_thing_3"}
	entries := cat.Entries()
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Name != w {
			t.Errorf("entries[%d].Name = %q, want %q", i, entries[i].Name, w)
		}
	}

	e, _ := cat.Lookup("mcp_srv_do_thing_3")
	if e.Tool.Name != "Do Thing" {
		t.Errorf("collision entry tool = %q, want %q", e.Tool.Name, "Do Thing")
	}
}

func TestCatalog_CollisionAtLimit(t *testing.T) {
	long := strings.Repeat("a", 80)
	cat := NewCatalog(map[string][]Tool{
		"s": {{Name: long}, {Name: long + "b"}},
	})
	entries := cat.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	for _, e := range entries {
		if len(e.Name) > maxQualifiedName {
			t.Errorf("%q exceeds %d characters", e.Name, maxQualifiedName)
		}
	}
	if entries[0].Name == entries[1].Name {
		t.Errorf("names collide: %q", entries[0].Name)
	}
}
