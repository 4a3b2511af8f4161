package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/mcpconfig"
	"github.com/nugget/mcphost/internal/mcptest"
)

// fixtureServer turns a fixture launch into a launch file entry.
func fixtureServer(l mcptest.Launch) mcpconfig.ServerConfig {
	env := make(map[string]string, len(l.Env))
	for _, kv := range l.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return mcpconfig.ServerConfig{Command: l.Command, Args: l.Args, Env: env}
}

func TestProcessServers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	store := mcpconfig.NewStore(filepath.Join(t.TempDir(), "servers.json"), discardLogger())
	err := store.SaveServers(map[string]mcpconfig.ServerConfig{
		"canned":   fixtureServer(mcptest.Fixture(mcptest.ModeCanned)),
		"rejects":  fixtureServer(mcptest.Fixture(mcptest.ModeCanned, mcptest.EnvFailInit+"=1")),
		"nonexist": {Command: filepath.Join(t.TempDir(), "no-such-binary")},
	})
	if err != nil {
		t.Fatalf("SaveServers: %v", err)
	}

	m := New(Config{Store: store, RequestTimeout: 5 * time.Second, Logger: discardLogger()})
	t.Cleanup(m.StopAll)
	ctx := context.Background()

	names, err := m.LoadServers(ctx)
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if want := []string{"canned"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}

	res, err := m.CallTool(ctx, "canned", "echo", json.RawMessage(`{"text":"hi there"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	tr, err := mcp.DecodeToolResult(res)
	if err != nil || tr.Text() != "hi there" {
		t.Errorf("echo = %q, %v", tr.Text(), err)
	}

	res, err = m.ReadResource(ctx, "canned", mcptest.NotesURI)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if text, _ := mcp.ResourceText(res); text != mcptest.NotesText {
		t.Errorf("resource text = %q", text)
	}

	// The exit tool kills the process before replying.
	if _, err := m.CallTool(ctx, "canned", "exit", nil); err == nil {
		t.Fatal("expected error from exiting server")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(m.ListServers()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.ListServers(); len(got) != 0 {
		t.Fatalf("exited server still listed: %+v", got)
	}

	names, err = m.LoadServers(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"canned"}) {
		t.Fatalf("names after reload = %v", names)
	}
	if _, err := m.CallTool(ctx, "canned", "echo", json.RawMessage(`{"text":"again"}`)); err != nil {
		t.Errorf("CallTool after restart: %v", err)
	}

	m.StopAll()
	if len(m.Names()) != 0 {
		t.Error("StopAll left servers running")
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Errorf("launch file missing: %v", err)
	}
}
