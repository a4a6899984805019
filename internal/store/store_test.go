package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndListProjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProject(ctx, "proj1", "Demo", "5.4"); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	// Second upsert overwrites metadata, no duplicate row.
	if err := s.UpsertProject(ctx, "proj1", "DemoRenamed", "5.5"); err != nil {
		t.Fatalf("UpsertProject again: %v", err)
	}

	projects, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("got %d projects, want 1", len(projects))
	}
	if projects[0].ProjectName != "DemoRenamed" || projects[0].EngineVersion != "5.5" {
		t.Fatalf("unexpected record %+v", projects[0])
	}
}

func TestEventAuditLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProject(ctx, "proj1", "Demo", ""); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	for _, rec := range []EventRecord{
		{ProjectID: "proj1", RequestID: "r1", Kind: EventCommand, Action: "list_actors"},
		{ProjectID: "proj1", RequestID: "r1", Kind: EventResponse, Action: "list_actors", Success: true},
		{ProjectID: "proj2", RequestID: "r2", Kind: EventTimeout, Action: "spawn_actor"},
	} {
		if err := s.AppendEvent(ctx, rec); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.RecentEvents(ctx, "proj1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Kind != EventResponse || !events[0].Success {
		t.Fatalf("unexpected first event %+v", events[0])
	}

	all, err := s.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertProject(ctx, "proj1", "Demo", "")
	s.AppendEvent(ctx, EventRecord{ProjectID: "proj1", Kind: EventCommand, Action: "screenshot"})

	if err := s.DeleteProject(ctx, "proj1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	projects, _ := s.ListProjects(ctx)
	if len(projects) != 0 {
		t.Fatalf("project not deleted: %+v", projects)
	}
	events, _ := s.RecentEvents(ctx, "proj1", 10)
	if len(events) != 0 {
		t.Fatalf("events not deleted: %+v", events)
	}
}

// A row with an unparseable timestamp must surface an error instead of
// silently zeroing the field.
func TestMalformedTimestampSurfacesError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, project_name, engine_version, first_seen, last_seen)
		VALUES ('bad', 'Bad', '', 'not-a-timestamp', 'not-a-timestamp')
	`)
	if err != nil {
		t.Fatalf("seed project row: %v", err)
	}
	if _, err := s.ListProjects(ctx); err == nil {
		t.Fatal("ListProjects should report the malformed timestamp")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (project_id, kind, created_at)
		VALUES ('bad', 'command', 'not-a-timestamp')
	`)
	if err != nil {
		t.Fatalf("seed event row: %v", err)
	}
	if _, err := s.RecentEvents(ctx, "bad", 10); err == nil {
		t.Fatal("RecentEvents should report the malformed timestamp")
	}
}
