package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ldi/trellis/pkg/models"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src, ctx := openTestStore(t)
	seedSession(t, src, ctx, "s1")

	// 1. Populate the source store
	t1 := &models.Task{
		ID: "T1", SessionID: "s1", Title: "root", Status: models.TaskStatusContainer,
		Progress: 50,
	}
	t11 := &models.Task{
		ID: "T1.1", SessionID: "s1", Title: "leaf", Status: models.TaskStatusCompleted,
		Progress: 100,
	}
	t2 := &models.Task{ID: "T2", SessionID: "s1", Title: "other", Status: models.TaskStatusPending}
	for _, task := range []*models.Task{t1, t11, t2} {
		if err := src.CreateTask(ctx, task); err != nil {
			t.Fatalf("Failed to create %s: %v", task.ID, err)
		}
	}
	if err := src.AddDependency(ctx, "T2", "T1"); err != nil {
		t.Fatalf("Failed to add dependency: %v", err)
	}

	// 2. Export
	path := filepath.Join(t.TempDir(), "snapshot.jsonl")
	if err := src.ExportSnapshot(ctx, path); err != nil {
		t.Fatalf("Failed to export snapshot: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Snapshot file missing: %v", err)
	}

	// 3. Import into a fresh store
	dst, dctx := openTestStore(t)
	if err := dst.ImportSnapshot(dctx, path); err != nil {
		t.Fatalf("Failed to import snapshot: %v", err)
	}

	sess, err := dst.GetSession(dctx, "s1")
	if err != nil {
		t.Fatalf("Session missing after import: %v", err)
	}
	if sess.Description != "test session" {
		t.Errorf("Expected description to survive, got %s", sess.Description)
	}

	tasks, err := dst.ListTasks(dctx, "")
	if err != nil {
		t.Fatalf("Failed to list imported tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("Expected 3 imported tasks, got %d", len(tasks))
	}

	leaf, err := dst.GetTask(dctx, "T1.1")
	if err != nil {
		t.Fatalf("Failed to get imported leaf: %v", err)
	}
	if leaf.Status != models.TaskStatusCompleted || leaf.Progress != 100 {
		t.Errorf("Expected completed leaf at 100, got %s %.0f", leaf.Status, leaf.Progress)
	}

	deps, err := dst.ListDependencies(dctx, "T2")
	if err != nil {
		t.Fatalf("Failed to list imported dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != "T1" {
		t.Errorf("Expected dependency [T1], got %v", deps)
	}

	// 4. Importing again is an idempotent sync
	if err := dst.ImportSnapshot(dctx, path); err != nil {
		t.Fatalf("Failed to re-import snapshot: %v", err)
	}
	tasks, _ = dst.ListTasks(dctx, "")
	if len(tasks) != 3 {
		t.Errorf("Expected 3 tasks after re-import, got %d", len(tasks))
	}
}

func TestAutoSnapshotHook(t *testing.T) {
	st, ctx := openTestStore(t)
	path := filepath.Join(t.TempDir(), "auto.jsonl")
	st.EnableAutoSnapshot(path)

	seedSession(t, st, ctx, "s1")

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected snapshot after write, got %v", err)
	}

	// DisableOnChange suppresses the hook
	os.Remove(path)
	st.DisableOnChange()
	task := &models.Task{ID: "T1", SessionID: "s1", Title: "t", Status: models.TaskStatusPending}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no snapshot while disabled")
	}

	st.EnableOnChange()
	task.Status = models.TaskStatusActive
	if err := st.PutTaskState(ctx, task, task.Version); err != nil {
		t.Fatalf("Failed to put task state: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected snapshot after re-enable, got %v", err)
	}
}
