package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ldi/trellis/internal/graph"
	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, context.Context) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}

	sess := &models.Session{ID: "s1", Description: "test", Complexity: models.ComplexitySimple}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return New(st), st, ctx
}

func createRoot(t *testing.T, eng *Engine, ctx context.Context, title string) *models.Task {
	t.Helper()
	task, err := eng.CreateTask(ctx, "s1", "", title, models.TaskTypeFeature, "", models.Context{})
	if err != nil {
		t.Fatalf("Failed to create root task: %v", err)
	}
	return task
}

func activate(t *testing.T, eng *Engine, ctx context.Context, id string) *models.Task {
	t.Helper()
	task, err := eng.SetStatus(ctx, id, models.TaskStatusActive, 0)
	if err != nil {
		t.Fatalf("Failed to activate %s: %v", id, err)
	}
	return task
}

func complete(t *testing.T, eng *Engine, ctx context.Context, id string) *models.Task {
	t.Helper()
	activate(t, eng, ctx, id)
	task, err := eng.SetStatus(ctx, id, models.TaskStatusCompleted, 0)
	if err != nil {
		t.Fatalf("Failed to complete %s: %v", id, err)
	}
	return task
}

func TestCreateTaskIDGeneration(t *testing.T) {
	eng, _, ctx := newTestEngine(t)

	// 1. Roots take the lowest unused T<n>
	for i, want := range []string{"T1", "T2", "T3"} {
		task := createRoot(t, eng, ctx, "root")
		if task.ID != want {
			t.Errorf("Root %d: expected id %s, got %s", i+1, want, task.ID)
		}
		if task.Status != models.TaskStatusPending {
			t.Errorf("Expected new task pending, got %s", task.Status)
		}
	}

	// 2. First subtask converts the parent to a container
	child, err := eng.CreateTask(ctx, "s1", "T1", "sub", models.TaskTypeFeature, "", models.Context{})
	if err != nil {
		t.Fatalf("Failed to create subtask: %v", err)
	}
	if child.ID != "T1.1" {
		t.Errorf("Expected id T1.1, got %s", child.ID)
	}

	parent, err := eng.Store().GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("Failed to get parent: %v", err)
	}
	if parent.Status != models.TaskStatusContainer {
		t.Errorf("Expected parent container, got %s", parent.Status)
	}

	// 3. Siblings continue the numbering
	child, err = eng.CreateTask(ctx, "s1", "T1", "sub2", models.TaskTypeFeature, "", models.Context{})
	if err != nil {
		t.Fatalf("Failed to create second subtask: %v", err)
	}
	if child.ID != "T1.2" {
		t.Errorf("Expected id T1.2, got %s", child.ID)
	}

	// 4. Unknown parent and unknown session
	if _, err := eng.CreateTask(ctx, "s1", "T9", "x", "", "", models.Context{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown parent, got %v", err)
	}
	if _, err := eng.CreateTask(ctx, "ghost", "", "x", "", "", models.Context{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestCreateSubtaskParentGuards(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "prereq") // T1
	createRoot(t, eng, ctx, "dependent") // T2
	if err := eng.AddDependency(ctx, "T2", "T1"); err != nil {
		t.Fatalf("Failed to add dependency: %v", err)
	}
	complete(t, eng, ctx, "T1") // unblocks T2

	// 1. A completed leaf is terminal; it must not be reopened as a
	// container
	if _, err := eng.CreateTask(ctx, "s1", "T1", "late subtask", models.TaskTypeFeature, "", models.Context{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for completed parent, got %v", err)
	}

	// 2. T1 still resolves, so T2's earlier unblock decision holds
	t1, _ := st.GetTask(ctx, "T1")
	if t1.Status != models.TaskStatusCompleted || !t1.Resolved() {
		t.Errorf("Expected T1 to remain resolved, got status=%s progress=%.0f", t1.Status, t1.Progress)
	}
	t2, _ := st.GetTask(ctx, "T2")
	if t2.Status != models.TaskStatusPending {
		t.Errorf("Expected T2 still pending, got %s", t2.Status)
	}

	// 3. Blocked parents are rejected the same way
	createRoot(t, eng, ctx, "stuck") // T3
	if _, err := eng.Block(ctx, "T3", "reason", 0); err != nil {
		t.Fatalf("Failed to block T3: %v", err)
	}
	if _, err := eng.CreateTask(ctx, "s1", "T3", "subtask", models.TaskTypeFeature, "", models.Context{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for blocked parent, got %v", err)
	}
}

func TestNewRootReopensCompletedSession(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "only root")
	complete(t, eng, ctx, "T1")

	sess, _ := st.GetSession(ctx, "s1")
	if !sess.Completed {
		t.Fatalf("Expected session completed after its only root")
	}

	// A new pending root reopens the session immediately.
	createRoot(t, eng, ctx, "more work") // T2
	sess, _ = st.GetSession(ctx, "s1")
	if sess.Completed {
		t.Errorf("Expected session reopened by new pending root")
	}
}

func TestActivateSingleTask(t *testing.T) {
	eng, _, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "ship it")

	task := activate(t, eng, ctx, "T1")
	if task.Status != models.TaskStatusActive {
		t.Errorf("Expected status active, got %s", task.Status)
	}
	if task.Progress != models.ProgressActive {
		t.Errorf("Expected progress 50, got %.0f", task.Progress)
	}
	if task.Execution.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", task.Execution.Attempts)
	}
	if task.Execution.LastAttempt == nil {
		t.Errorf("Expected LastAttempt to be set")
	}
}

func TestDecomposeAndProgressPropagation(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root")

	// 1. Decompose into two subtasks
	children, err := eng.Decompose(ctx, "T1", []SubtaskSpec{
		{Title: "first"},
		{Title: "second"},
	})
	if err != nil {
		t.Fatalf("Failed to decompose: %v", err)
	}
	if len(children) != 2 || children[0].ID != "T1.1" || children[1].ID != "T1.2" {
		t.Fatalf("Expected children T1.1 and T1.2, got %v", children)
	}

	parent, _ := st.GetTask(ctx, "T1")
	if parent.Status != models.TaskStatusContainer {
		t.Errorf("Expected parent container, got %s", parent.Status)
	}
	if parent.Progress != 0 {
		t.Errorf("Expected parent progress 0, got %.0f", parent.Progress)
	}

	// 2. Activating one child lifts the parent to 25
	activate(t, eng, ctx, "T1.1")
	parent, _ = st.GetTask(ctx, "T1")
	if parent.Progress != 25 {
		t.Errorf("Expected parent progress 25, got %.0f", parent.Progress)
	}

	// 3. Completing it lifts the parent to 50
	if _, err := eng.SetStatus(ctx, "T1.1", models.TaskStatusCompleted, 0); err != nil {
		t.Fatalf("Failed to complete T1.1: %v", err)
	}
	parent, _ = st.GetTask(ctx, "T1")
	if parent.Progress != 50 {
		t.Errorf("Expected parent progress 50, got %.0f", parent.Progress)
	}
}

func TestFullCompletionResolvesContainerAndSession(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root")
	if _, err := eng.Decompose(ctx, "T1", []SubtaskSpec{{Title: "a"}, {Title: "b"}}); err != nil {
		t.Fatalf("Failed to decompose: %v", err)
	}

	complete(t, eng, ctx, "T1.1")
	complete(t, eng, ctx, "T1.2")

	// The container's status never becomes completed; it resolves
	// through progress.
	parent, _ := st.GetTask(ctx, "T1")
	if parent.Status != models.TaskStatusContainer {
		t.Errorf("Expected parent status to stay container, got %s", parent.Status)
	}
	if parent.Progress != 100 {
		t.Errorf("Expected parent progress 100, got %.0f", parent.Progress)
	}
	if !parent.Resolved() {
		t.Errorf("Expected parent to be resolved")
	}

	sess, _ := st.GetSession(ctx, "s1")
	if !sess.Completed {
		t.Errorf("Expected session completed once all roots resolved")
	}
}

func TestDependencyBlockingAndUnblocking(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "prereq") // T1
	createRoot(t, eng, ctx, "dependent") // T2

	// 1. Adding a dependency on an unresolved task blocks the dependent
	if err := eng.AddDependency(ctx, "T2", "T1"); err != nil {
		t.Fatalf("Failed to add dependency: %v", err)
	}
	t2, _ := st.GetTask(ctx, "T2")
	if t2.Status != models.TaskStatusBlocked {
		t.Errorf("Expected T2 blocked, got %s", t2.Status)
	}
	if t2.BlockedReason == nil || !strings.Contains(*t2.BlockedReason, "T1") {
		t.Errorf("Expected blocked reason naming T1, got %v", t2.BlockedReason)
	}

	// 2. Activating a blocked task with unmet deps auto-corrects, no
	// attempt is charged
	t2, err := eng.SetStatus(ctx, "T2", models.TaskStatusActive, 0)
	if err != nil {
		t.Fatalf("Activation request failed: %v", err)
	}
	if t2.Status != models.TaskStatusBlocked {
		t.Errorf("Expected auto-correct to blocked, got %s", t2.Status)
	}
	if t2.Execution.Attempts != 0 {
		t.Errorf("Expected 0 attempts after refused activation, got %d", t2.Execution.Attempts)
	}

	// 3. Completing the prerequisite unblocks it to pending, never active
	complete(t, eng, ctx, "T1")
	t2, _ = st.GetTask(ctx, "T2")
	if t2.Status != models.TaskStatusPending {
		t.Errorf("Expected T2 pending after prereq completed, got %s", t2.Status)
	}
	if t2.BlockedReason != nil {
		t.Errorf("Expected blocked reason cleared, got %v", *t2.BlockedReason)
	}

	// 4. Now activation succeeds and charges an attempt
	t2 = activate(t, eng, ctx, "T2")
	if t2.Execution.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", t2.Execution.Attempts)
	}
}

func TestContainerResolutionUnblocksDependents(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root") // T1
	createRoot(t, eng, ctx, "dependent") // T2
	if _, err := eng.Decompose(ctx, "T1", []SubtaskSpec{{Title: "only child"}}); err != nil {
		t.Fatalf("Failed to decompose: %v", err)
	}
	if err := eng.AddDependency(ctx, "T2", "T1"); err != nil {
		t.Fatalf("Failed to add dependency: %v", err)
	}

	// Completing the only leaf resolves the container, which frees T2.
	complete(t, eng, ctx, "T1.1")

	t2, _ := st.GetTask(ctx, "T2")
	if t2.Status != models.TaskStatusPending {
		t.Errorf("Expected T2 pending after container resolved, got %s", t2.Status)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	eng, _, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root")
	if _, err := eng.Decompose(ctx, "T1", []SubtaskSpec{{Title: "a"}, {Title: "b"}}); err != nil {
		t.Fatalf("Failed to decompose: %v", err)
	}

	// A task may not depend on its own descendant.
	if err := eng.AddDependency(ctx, "T1", "T1.2"); !errors.Is(err, graph.ErrCycle) {
		t.Errorf("Expected ErrCycle, got %v", err)
	}
	// Nor on its ancestor.
	if err := eng.AddDependency(ctx, "T1.2", "T1"); !errors.Is(err, graph.ErrCycle) {
		t.Errorf("Expected ErrCycle, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	eng, _, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root")

	// 1. pending -> completed skips active
	if _, err := eng.SetStatus(ctx, "T1", models.TaskStatusCompleted, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// 2. pending is never directly requestable
	if _, err := eng.SetStatus(ctx, "T1", models.TaskStatusPending, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// 3. completed is terminal
	complete(t, eng, ctx, "T1")
	if _, err := eng.SetStatus(ctx, "T1", models.TaskStatusActive, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition from completed, got %v", err)
	}

	// 4. container status is derived, never requested
	createRoot(t, eng, ctx, "other") // T2
	if _, err := eng.Decompose(ctx, "T2", []SubtaskSpec{{Title: "a"}}); err != nil {
		t.Fatalf("Failed to decompose: %v", err)
	}
	if _, err := eng.SetStatus(ctx, "T2", models.TaskStatusActive, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for container, got %v", err)
	}
}

func TestBlockAndOverrideUnblock(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root")

	// 1. Explicit block with a reason
	task, err := eng.Block(ctx, "T1", "waiting on design review", 0)
	if err != nil {
		t.Fatalf("Failed to block: %v", err)
	}
	if task.Status != models.TaskStatusBlocked {
		t.Errorf("Expected blocked, got %s", task.Status)
	}
	if task.BlockedReason == nil || *task.BlockedReason != "waiting on design review" {
		t.Errorf("Expected reason to be recorded, got %v", task.BlockedReason)
	}

	// 2. Manual override back to pending
	task, err = eng.OverrideUnblock(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("Failed to override unblock: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("Expected pending after override, got %s", task.Status)
	}

	fetched, _ := st.GetTask(ctx, "T1")
	if fetched.BlockedReason != nil {
		t.Errorf("Expected reason cleared, got %v", *fetched.BlockedReason)
	}

	// 3. Override only applies to blocked tasks
	if _, err := eng.OverrideUnblock(ctx, "T1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestVersionConflictSurfacesToCaller(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	task := createRoot(t, eng, ctx, "root")
	stale := task.Version

	// A concurrent writer bumps the version.
	task.Status = models.TaskStatusActive
	task.Progress = models.ProgressActive
	if err := st.PutTaskState(ctx, task, stale); err != nil {
		t.Fatalf("Failed concurrent write: %v", err)
	}

	_, err := eng.SetStatus(ctx, "T1", models.TaskStatusCompleted, stale)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict surfaced to caller, got %v", err)
	}
}

func TestDecomposeLimits(t *testing.T) {
	eng, _, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "root")

	// 1. Empty spec list
	if _, err := eng.Decompose(ctx, "T1", nil); err == nil {
		t.Errorf("Expected error for empty decomposition")
	}

	// 2. Depth cap: T1 -> T1.1 -> T1.1.1 is the floor
	if _, err := eng.Decompose(ctx, "T1", []SubtaskSpec{{Title: "l2"}}); err != nil {
		t.Fatalf("Failed to decompose T1: %v", err)
	}
	if _, err := eng.Decompose(ctx, "T1.1", []SubtaskSpec{{Title: "l3"}}); err != nil {
		t.Fatalf("Failed to decompose T1.1: %v", err)
	}
	if _, err := eng.Decompose(ctx, "T1.1.1", []SubtaskSpec{{Title: "l4"}}); !errors.Is(err, graph.ErrDepth) {
		t.Errorf("Expected ErrDepth at level 3, got %v", err)
	}

	// 3. Completed and blocked tasks cannot be decomposed
	createRoot(t, eng, ctx, "done") // T2
	complete(t, eng, ctx, "T2")
	if _, err := eng.Decompose(ctx, "T2", []SubtaskSpec{{Title: "x"}}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for completed parent, got %v", err)
	}

	createRoot(t, eng, ctx, "stuck") // T3
	if _, err := eng.Block(ctx, "T3", "reason", 0); err != nil {
		t.Fatalf("Failed to block T3: %v", err)
	}
	if _, err := eng.Decompose(ctx, "T3", []SubtaskSpec{{Title: "x"}}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for blocked parent, got %v", err)
	}
}

func TestContextInheritance(t *testing.T) {
	eng, _, ctx := newTestEngine(t)

	parentCtx := models.Context{
		Requirements: []string{"must log in"},
		Scope:        []string{"auth package"},
	}
	if _, err := eng.CreateTask(ctx, "s1", "", "root", models.TaskTypeFeature, "", parentCtx); err != nil {
		t.Fatalf("Failed to create root: %v", err)
	}

	// 1. Empty child context inherits from the parent
	child, err := eng.CreateTask(ctx, "s1", "T1", "sub", models.TaskTypeFeature, "", models.Context{})
	if err != nil {
		t.Fatalf("Failed to create subtask: %v", err)
	}
	if len(child.Context.Requirements) != 1 || child.Context.Requirements[0] != "must log in" {
		t.Errorf("Expected inherited requirements, got %v", child.Context.Requirements)
	}
	if child.Context.InheritedFrom == nil || *child.Context.InheritedFrom != "T1" {
		t.Errorf("Expected InheritedFrom T1, got %v", child.Context.InheritedFrom)
	}

	// 2. Explicit fields are never overwritten by the merge
	own := models.Context{Requirements: []string{"custom"}}
	child2, err := eng.CreateTask(ctx, "s1", "T1", "sub2", models.TaskTypeFeature, "", own)
	if err != nil {
		t.Fatalf("Failed to create second subtask: %v", err)
	}
	if child2.Context.Requirements[0] != "custom" {
		t.Errorf("Expected explicit requirements kept, got %v", child2.Context.Requirements)
	}
	if len(child2.Context.Scope) != 1 || child2.Context.Scope[0] != "auth package" {
		t.Errorf("Expected scope inherited, got %v", child2.Context.Scope)
	}

	// 3. A context-less root records the session as its origin
	root2, err := eng.CreateTask(ctx, "s1", "", "bare root", models.TaskTypeFeature, "", models.Context{})
	if err != nil {
		t.Fatalf("Failed to create bare root: %v", err)
	}
	if root2.Context.InheritedFrom == nil || *root2.Context.InheritedFrom != "s1" {
		t.Errorf("Expected InheritedFrom s1, got %v", root2.Context.InheritedFrom)
	}
}

func TestReclassifyUpgradesSession(t *testing.T) {
	eng, st, ctx := newTestEngine(t)

	// Five tasks cross the medium threshold.
	for i := 0; i < 5; i++ {
		createRoot(t, eng, ctx, "task")
	}
	sess, _ := st.GetSession(ctx, "s1")
	if sess.Complexity != models.ComplexityMedium {
		t.Errorf("Expected complexity medium at 5 tasks, got %s", sess.Complexity)
	}

	// A multi-repository session classifies complex on the next census.
	sess.MultiRepository = true
	if err := st.PutSessionState(ctx, sess, sess.Version); err != nil {
		t.Fatalf("Failed to update session: %v", err)
	}
	createRoot(t, eng, ctx, "another")

	sess, _ = st.GetSession(ctx, "s1")
	if sess.Complexity != models.ComplexityComplex {
		t.Errorf("Expected complexity complex, got %s", sess.Complexity)
	}
}

func TestRemoveDependencyUnblocks(t *testing.T) {
	eng, st, ctx := newTestEngine(t)
	createRoot(t, eng, ctx, "prereq") // T1
	createRoot(t, eng, ctx, "dependent") // T2
	if err := eng.AddDependency(ctx, "T2", "T1"); err != nil {
		t.Fatalf("Failed to add dependency: %v", err)
	}

	t2, _ := st.GetTask(ctx, "T2")
	if t2.Status != models.TaskStatusBlocked {
		t.Fatalf("Expected T2 blocked, got %s", t2.Status)
	}

	if err := eng.RemoveDependency(ctx, "T2", "T1"); err != nil {
		t.Fatalf("Failed to remove dependency: %v", err)
	}
	t2, _ = st.GetTask(ctx, "T2")
	if t2.Status != models.TaskStatusPending {
		t.Errorf("Expected T2 pending after edge removed, got %s", t2.Status)
	}
}
