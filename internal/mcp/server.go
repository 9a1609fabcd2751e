package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ldi/trellis/internal/engine"
	"github.com/ldi/trellis/internal/registry"
	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/internal/view"
	"github.com/ldi/trellis/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server.
func NewServer(st *store.Store, eng *engine.Engine, reg *registry.Registry) *server.MCPServer {
	s := server.NewMCPServer("Trellis", "0.1.0")

	// Session Management
	s.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a new work session and make it the active one."),
		mcp.WithString("description", mcp.Description("What this session is for"), mcp.Required()),
		mcp.WithString("id", mcp.Description("Session ID (generated if omitted)")),
		mcp.WithString("phase", mcp.Description("Current phase label")),
		mcp.WithNumber("modules", mcp.Description("Number of modules or components touched")),
		mcp.WithNumber("effort_hours", mcp.Description("Estimated effort in hours")),
		mcp.WithBoolean("multi_repository", mcp.Description("Whether the work spans multiple repositories")),
	), createSessionHandler(reg))

	s.AddTool(mcp.NewTool("switch_session",
		mcp.WithDescription("Switch the active session. The previous active session is paused."),
		mcp.WithString("id", mcp.Description("Session ID to activate"), mcp.Required()),
	), switchSessionHandler(reg))

	s.AddTool(mcp.NewTool("pause_session",
		mcp.WithDescription("Pause the active session, leaving no session active."),
	), pauseSessionHandler(reg))

	s.AddTool(mcp.NewTool("current_session",
		mcp.WithDescription("Get the currently active session."),
	), currentSessionHandler(reg))

	// Task Management
	s.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a task. With parent_id the task becomes a subtask and the parent becomes a container."),
		mcp.WithString("session_id", mcp.Description("Session the task belongs to"), mcp.Required()),
		mcp.WithString("title", mcp.Description("Task title"), mcp.Required()),
		mcp.WithString("parent_id", mcp.Description("Parent task ID (omit for a root task)")),
		mcp.WithString("type", mcp.Description("Task type (feature|bugfix|refactor|test|docs)")),
		mcp.WithString("executor", mcp.Description("Executor hint for whoever picks the task up")),
		mcp.WithString("requirements", mcp.Description("Requirement lines, newline separated")),
		mcp.WithString("scope", mcp.Description("Scope lines, newline separated")),
		mcp.WithString("acceptance", mcp.Description("Acceptance criteria, newline separated")),
	), createTaskHandler(eng))

	s.AddTool(mcp.NewTool("decompose_task",
		mcp.WithDescription("Break a task into subtasks. The parent becomes a container tracking the children."),
		mcp.WithString("task_id", mcp.Description("Task to decompose"), mcp.Required()),
		mcp.WithArray("subtasks", mcp.Description("Subtask specs: objects with title (required), type, executor"), mcp.Required()),
	), decomposeTaskHandler(eng))

	s.AddTool(mcp.NewTool("set_status",
		mcp.WithDescription("Set a task's status. Activation with unresolved dependencies blocks the task instead."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithString("status", mcp.Description("New status (active|completed|blocked)"), mcp.Required()),
		mcp.WithString("reason", mcp.Description("Reason (used when status=blocked)")),
		mcp.WithNumber("expected_version", mcp.Description("Version the caller last read (0 to skip the check)")),
	), setStatusHandler(eng))

	s.AddTool(mcp.NewTool("unblock_task",
		mcp.WithDescription("Force a blocked task back to pending regardless of its dependencies."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
	), unblockTaskHandler(eng))

	// Dependency Management
	s.AddTool(mcp.NewTool("add_dependency",
		mcp.WithDescription("Make one task depend on another. A pending dependent with an unresolved prerequisite becomes blocked."),
		mcp.WithString("task_id", mcp.Description("Dependent task ID"), mcp.Required()),
		mcp.WithString("depends_on", mcp.Description("Prerequisite task ID"), mcp.Required()),
	), addDependencyHandler(eng))

	s.AddTool(mcp.NewTool("remove_dependency",
		mcp.WithDescription("Remove a dependency edge."),
		mcp.WithString("task_id", mcp.Description("Dependent task ID"), mcp.Required()),
		mcp.WithString("depends_on", mcp.Description("Prerequisite task ID"), mcp.Required()),
	), removeDependencyHandler(eng))

	// Views
	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List a session's tasks with optional filters."),
		mcp.WithString("session_id", mcp.Description("Session ID"), mcp.Required()),
		mcp.WithString("status", mcp.Description("Filter by status")),
		mcp.WithString("type", mcp.Description("Filter by type")),
	), listTasksHandler(st))

	s.AddTool(mcp.NewTool("task_tree",
		mcp.WithDescription("Get a session's tasks arranged as a tree."),
		mcp.WithString("session_id", mcp.Description("Session ID"), mcp.Required()),
	), taskTreeHandler(st))

	s.AddTool(mcp.NewTool("progress_summary",
		mcp.WithDescription("Get aggregate progress for a session."),
		mcp.WithString("session_id", mcp.Description("Session ID"), mcp.Required()),
	), progressSummaryHandler(st))

	// Snapshots
	s.AddTool(mcp.NewTool("export_snapshot",
		mcp.WithDescription("Export all sessions, tasks and dependencies to a JSONL snapshot file."),
		mcp.WithString("path", mcp.Description("Destination file path"), mcp.Required()),
	), exportSnapshotHandler(st))

	s.AddTool(mcp.NewTool("import_snapshot",
		mcp.WithDescription("Import a JSONL snapshot, upserting records by ID."),
		mcp.WithString("path", mcp.Description("Snapshot file path"), mcp.Required()),
	), importSnapshotHandler(st))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func createSessionHandler(reg *registry.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := &models.Session{
			ID:              mcp.ParseString(request, "id", ""),
			Description:     mcp.ParseString(request, "description", ""),
			Phase:           mcp.ParseString(request, "phase", ""),
			Modules:         mcp.ParseInt(request, "modules", 0),
			EffortHours:     mcp.ParseFloat64(request, "effort_hours", 0),
			MultiRepository: mcp.ParseBoolean(request, "multi_repository", false),
		}

		if err := reg.Create(ctx, sess); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func switchSessionHandler(reg *registry.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")

		if err := reg.SwitchTo(ctx, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Session '%s' is now active", id)), nil
	}
}

func pauseSessionHandler(reg *registry.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := reg.PauseCurrent(ctx); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("Active session paused"), nil
	}
}

func currentSessionHandler(reg *registry.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, err := reg.Current(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func createTaskHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "")
		title := mcp.ParseString(request, "title", "")
		parentID := mcp.ParseString(request, "parent_id", "")
		taskType := models.TaskType(mcp.ParseString(request, "type", string(models.TaskTypeFeature)))
		executor := mcp.ParseString(request, "executor", "")

		taskCtx := models.Context{
			Requirements: splitLines(mcp.ParseString(request, "requirements", "")),
			Scope:        splitLines(mcp.ParseString(request, "scope", "")),
			Acceptance:   splitLines(mcp.ParseString(request, "acceptance", "")),
		}

		t, err := eng.CreateTask(ctx, sessionID, parentID, title, taskType, executor, taskCtx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func decomposeTaskHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")

		args, _ := request.Params.Arguments.(map[string]any)
		raw, _ := args["subtasks"].([]any)
		specs := make([]engine.SubtaskSpec, 0, len(raw))
		for _, item := range raw {
			obj, ok := item.(map[string]any)
			if !ok {
				return mcp.NewToolResultError("subtasks must be objects with a title field"), nil
			}
			spec := engine.SubtaskSpec{Type: models.TaskTypeFeature}
			if title, ok := obj["title"].(string); ok {
				spec.Title = title
			}
			if tt, ok := obj["type"].(string); ok {
				spec.Type = models.TaskType(tt)
			}
			if ex, ok := obj["executor"].(string); ok {
				spec.Executor = ex
			}
			specs = append(specs, spec)
		}

		children, err := eng.Decompose(ctx, taskID, specs)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(map[string]interface{}{"subtasks": children})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func setStatusHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		status := models.TaskStatus(mcp.ParseString(request, "status", ""))
		reason := mcp.ParseString(request, "reason", "")
		expected := int64(mcp.ParseInt(request, "expected_version", 0))

		var t *models.Task
		var err error
		if status == models.TaskStatusBlocked && reason != "" {
			t, err = eng.Block(ctx, taskID, reason, expected)
		} else {
			t, err = eng.SetStatus(ctx, taskID, status, expected)
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func unblockTaskHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")

		t, err := eng.OverrideUnblock(ctx, taskID, 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func addDependencyHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		dependsOn := mcp.ParseString(request, "depends_on", "")

		if err := eng.AddDependency(ctx, taskID, dependsOn); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Task '%s' now depends on '%s'", taskID, dependsOn)), nil
	}
}

func removeDependencyHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		dependsOn := mcp.ParseString(request, "depends_on", "")

		if err := eng.RemoveDependency(ctx, taskID, dependsOn); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("Dependency removed successfully"), nil
	}
}

func listTasksHandler(st *store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "")
		filters := models.ViewFilters{
			Status: models.TaskStatus(mcp.ParseString(request, "status", "")),
			Type:   models.TaskType(mcp.ParseString(request, "type", "")),
		}

		data, err := view.Render(ctx, st, sessionID, models.ViewFormatList, filters)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := json.Marshal(map[string]interface{}{"tasks": data.Tasks})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func taskTreeHandler(st *store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "")

		data, err := view.Render(ctx, st, sessionID, models.ViewFormatTree, models.ViewFilters{})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := json.Marshal(map[string]interface{}{"tree": data.Tree})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func progressSummaryHandler(st *store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "")

		data, err := view.Render(ctx, st, sessionID, models.ViewFormatSummary, models.ViewFilters{})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := json.Marshal(data.Summary)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func exportSnapshotHandler(st *store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := mcp.ParseString(request, "path", "")

		if err := st.ExportSnapshot(ctx, path); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Snapshot written to %s", path)), nil
	}
}

func importSnapshotHandler(st *store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := mcp.ParseString(request, "path", "")

		if err := st.ImportSnapshot(ctx, path); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Snapshot %s imported", path)), nil
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
