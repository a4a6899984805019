package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRegistry(window time.Duration) (*Registry, *time.Time) {
	reg := NewRegistry(window, zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.SetClock(func() time.Time { return now })
	return reg, &now
}

func TestRegisterThenActive(t *testing.T) {
	reg, _ := testRegistry(45 * time.Second)

	fresh := reg.Register(ProjectMeta{ProjectID: "proj1", ProjectName: "Demo"})
	if !fresh {
		t.Fatal("first register should report a new project")
	}
	if !reg.IsActive("proj1") {
		t.Fatal("project should be active immediately after register")
	}

	// Re-register is idempotent and not "new".
	if reg.Register(ProjectMeta{ProjectID: "proj1", ProjectName: "Demo2"}) {
		t.Fatal("second register should not report a new project")
	}
	status, err := reg.Get("proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status.ProjectName != "Demo2" {
		t.Fatalf("register should overwrite metadata, got %q", status.ProjectName)
	}
}

func TestActivityWindowExpiry(t *testing.T) {
	reg, now := testRegistry(45 * time.Second)
	reg.Register(ProjectMeta{ProjectID: "proj1", ProjectName: "Demo"})

	*now = now.Add(44 * time.Second)
	if !reg.IsActive("proj1") {
		t.Fatal("project should still be active inside the window")
	}

	*now = now.Add(2 * time.Second)
	if reg.IsActive("proj1") {
		t.Fatal("project should be inactive past the window")
	}

	// A heartbeat revives it.
	if err := reg.Heartbeat("proj1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !reg.IsActive("proj1") {
		t.Fatal("project should be active right after heartbeat")
	}
}

func TestPollIsHeartbeat(t *testing.T) {
	reg, now := testRegistry(45 * time.Second)
	reg.Register(ProjectMeta{ProjectID: "proj1"})

	*now = now.Add(time.Minute)
	if reg.IsActive("proj1") {
		t.Fatal("expected inactive before poll")
	}
	if err := reg.MarkPolled("proj1"); err != nil {
		t.Fatalf("MarkPolled: %v", err)
	}
	if !reg.IsActive("proj1") {
		t.Fatal("poll should count as a liveness signal")
	}
	status, _ := reg.Get("proj1")
	if status.Transport != TransportPull {
		t.Fatalf("transport = %q, want pull", status.Transport)
	}
}

func TestHeartbeatUnknownProject(t *testing.T) {
	reg, _ := testRegistry(0)
	if err := reg.Heartbeat("ghost"); err != ErrUnknownProject {
		t.Fatalf("err = %v, want ErrUnknownProject", err)
	}
	if err := reg.MarkPolled("ghost"); err != ErrUnknownProject {
		t.Fatalf("err = %v, want ErrUnknownProject", err)
	}
}

func TestDeregister(t *testing.T) {
	reg, _ := testRegistry(0)
	reg.Register(ProjectMeta{ProjectID: "proj1"})

	if err := reg.Deregister("proj1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if reg.Known("proj1") {
		t.Fatal("project should be gone after deregister")
	}
	if err := reg.Deregister("proj1"); err != ErrUnknownProject {
		t.Fatalf("second deregister err = %v, want ErrUnknownProject", err)
	}
}

func TestListSnapshot(t *testing.T) {
	reg, now := testRegistry(45 * time.Second)
	reg.Register(ProjectMeta{ProjectID: "b", ProjectName: "Beta"})
	*now = now.Add(time.Minute)
	reg.Register(ProjectMeta{ProjectID: "a", ProjectName: "Alpha"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ProjectID != "a" || list[1].ProjectID != "b" {
		t.Fatalf("list not sorted by id: %+v", list)
	}
	if !list[0].Active || list[1].Active {
		t.Fatalf("expected a active and b stale, got %+v", list)
	}
}
