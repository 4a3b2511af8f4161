package calllog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "calls_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Recent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Time: base, Server: "fs", Kind: KindTool, Target: "read_file", Duration: 40 * time.Millisecond, Outcome: OutcomeOK},
		{Time: base.Add(500 * time.Millisecond), Server: "git", Kind: KindTool, Target: "status", Duration: 30 * time.Second, Outcome: OutcomeTimeout, Error: "timed out"},
		{Time: base.Add(time.Second), Server: "fs", Kind: KindResource, Target: "file:///notes", Duration: 5 * time.Millisecond, Outcome: OutcomeOK},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].Target != "file:///notes" || got[2].Target != "read_file" {
		t.Errorf("order = %q, %q, %q; want newest first", got[0].Target, got[1].Target, got[2].Target)
	}
	if got[0].ID == "" {
		t.Error("ID should be generated")
	}
	if got[1].Outcome != OutcomeTimeout || got[1].Error != "timed out" {
		t.Errorf("record = %+v", got[1])
	}
	if got[1].Duration != 30*time.Second {
		t.Errorf("Duration = %v, want 30s", got[1].Duration)
	}
	if !got[1].Time.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("Time = %v", got[1].Time)
	}
	if got[0].Kind != KindResource {
		t.Errorf("Kind = %q, want resource", got[0].Kind)
	}
}

func TestRecent_FilterAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		server := "fs"
		if i%2 == 1 {
			server = "git"
		}
		rec := Record{Time: base.Add(time.Duration(i) * time.Second), Server: server, Kind: KindTool, Target: "t", Outcome: OutcomeOK}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, "git", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d git records, want 2", len(got))
	}
	for _, rec := range got {
		if rec.Server != "git" {
			t.Errorf("Server = %q, want git", rec.Server)
		}
	}

	got, err = s.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit ignored: got %d records", len(got))
	}
}

func TestSummaryByServer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Time: now, Server: "fs", Kind: KindTool, Target: "a", Duration: 100 * time.Millisecond, Outcome: OutcomeOK},
		{Time: now, Server: "fs", Kind: KindTool, Target: "b", Duration: 200 * time.Millisecond, Outcome: OutcomeToolError},
		{Time: now, Server: "git", Kind: KindTool, Target: "c", Duration: time.Second, Outcome: OutcomeTimeout},
		{Time: now.Add(-2 * time.Hour), Server: "old", Kind: KindTool, Target: "d", Outcome: OutcomeOK},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sums, err := s.SummaryByServer(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SummaryByServer: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d summaries, want 2: %+v", len(sums), sums)
	}

	fs := sums[0]
	if fs.Server != "fs" || fs.Calls != 2 || fs.Failures != 1 || fs.Timeouts != 0 {
		t.Errorf("fs summary = %+v", fs)
	}
	if fs.TotalTime != 300*time.Millisecond {
		t.Errorf("fs TotalTime = %v, want 300ms", fs.TotalTime)
	}
	git := sums[1]
	if git.Server != "git" || git.Calls != 1 || git.Failures != 1 || git.Timeouts != 1 {
		t.Errorf("git summary = %+v", git)
	}
}

func TestSummaryByServer_Empty(t *testing.T) {
	s := testStore(t)
	sums, err := s.SummaryByServer(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("SummaryByServer: %v", err)
	}
	if len(sums) != 0 {
		t.Errorf("got %d summaries, want 0", len(sums))
	}
}
