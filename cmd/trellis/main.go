package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ldi/trellis/internal/engine"
	"github.com/ldi/trellis/internal/mcp"
	"github.com/ldi/trellis/internal/registry"
	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/internal/ui"
	"github.com/ldi/trellis/internal/view"
	"github.com/ldi/trellis/pkg/models"
)

var (
	dbPath       string
	snapshotPath string
	verbose      bool
)

func main() {
	flag.StringVar(&dbPath, "db-path", ".trellis/trellis.db", "Path to database file")
	flag.StringVar(&snapshotPath, "snapshot-path", ".trellis/snapshot.jsonl", "Path to snapshot file")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	var command string
	var args []string

	if flag.NArg() == 0 {
		selected, err := ui.RunMenu()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error running menu: %v\n", err)
			os.Exit(1)
		}
		if selected == "" {
			os.Exit(0)
		}
		command = selected
		args = []string{}
	} else {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	var err error
	switch command {
	case "init":
		err = runInit(args)
	case "mcp":
		err = runMCP(args)
	case "status":
		err = runStatus(args)
	case "sessions":
		err = runSessions(args)
	case "new-session":
		err = runNewSession(args)
	case "switch":
		err = runSwitch(args)
	case "list-tasks":
		err = runListTasks(args)
	case "tree":
		err = runTree(args)
	case "db":
		err = runDB(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	trellisDir := filepath.Join(targetDir, ".trellis")
	if err := os.MkdirAll(trellisDir, 0755); err != nil {
		return fmt.Errorf("failed to create .trellis directory: %w", err)
	}
	fmt.Println("✓ Created .trellis/ directory")

	gitignorePath := filepath.Join(trellisDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte("trellis.db*\n"), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Println("✓ Created .trellis/.gitignore")

	// Default paths if not overridden by flags
	finalDbPath := dbPath
	if dbPath == ".trellis/trellis.db" {
		finalDbPath = filepath.Join(trellisDir, "trellis.db")
	}

	finalSnapshotPath := snapshotPath
	if snapshotPath == ".trellis/snapshot.jsonl" {
		finalSnapshotPath = filepath.Join(trellisDir, "snapshot.jsonl")
	}

	st, err := store.Open(finalDbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Printf("✓ Initialized database at %s\n", finalDbPath)

	if _, err := os.Stat(finalSnapshotPath); err == nil {
		if err := st.ImportSnapshot(ctx, finalSnapshotPath); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		fmt.Printf("✓ Imported snapshot from %s\n", finalSnapshotPath)
	}

	fmt.Println("✓ Trellis initialized successfully")
	return nil
}

func runMCP(args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		return err
	}

	st.EnableAutoSnapshot(snapshotPath)

	eng := engine.New(st)
	reg := registry.New(st)

	s := mcp.NewServer(st, eng, reg)
	return mcp.Serve(s)
}

func runDB(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: trellis db <command> [arguments]")
		fmt.Println("\nCommands:")
		fmt.Println("  status    Show database status")
		fmt.Println("  export    Write a snapshot file")
		fmt.Println("  import    Load a snapshot file")
		fmt.Println("  repair    Deactivate extra active sessions")
		return nil
	}

	command := args[0]
	subArgs := args[1:]

	switch command {
	case "status":
		return runStatus(subArgs)
	case "export":
		return runExport(subArgs)
	case "import":
		return runImport(subArgs)
	case "repair":
		return runRepair(subArgs)
	default:
		return fmt.Errorf("unknown db command: %s", command)
	}
}

func runSessions(args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return err
	}

	activeID, _, err := st.GetActivePointer(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-38s %-10s %-10s %-8s %s\n", "ID", "COMPLEXITY", "PHASE", "ACTIVE", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 90))
	for _, sess := range sessions {
		marker := ""
		if sess.ID == activeID {
			marker = "*"
		}
		fmt.Printf("%-38s %-10s %-10s %-8s %s\n", sess.ID, sess.Complexity, sess.Phase, marker, sess.Description)
	}
	return nil
}

func runNewSession(args []string) error {
	sessionFlags := flag.NewFlagSet("new-session", flag.ContinueOnError)
	id := sessionFlags.String("id", "", "Session ID (generated if omitted)")
	phase := sessionFlags.String("phase", "", "Phase label")
	modules := sessionFlags.Int("modules", 0, "Number of modules touched")
	effort := sessionFlags.Float64("effort", 0, "Estimated effort in hours")
	multiRepo := sessionFlags.Bool("multi-repo", false, "Work spans multiple repositories")
	if err := sessionFlags.Parse(args); err != nil {
		return err
	}
	if sessionFlags.NArg() == 0 {
		return fmt.Errorf("usage: trellis new-session [flags] <description>")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		return err
	}

	sess := &models.Session{
		ID:              *id,
		Description:     strings.Join(sessionFlags.Args(), " "),
		Phase:           *phase,
		Modules:         *modules,
		EffortHours:     *effort,
		MultiRepository: *multiRepo,
	}

	reg := registry.New(st)
	if err := reg.Create(ctx, sess); err != nil {
		return err
	}

	fmt.Printf("✓ Created session %s (now active)\n", sess.ID)
	return nil
}

func runSwitch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: trellis switch <session-id>")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	reg := registry.New(st)
	if err := reg.SwitchTo(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("✓ Session %s is now active\n", args[0])
	return nil
}

func runListTasks(args []string) error {
	taskFlags := flag.NewFlagSet("list-tasks", flag.ContinueOnError)
	sessionID := taskFlags.String("session", "", "Session ID (defaults to the active session)")
	statusFilter := taskFlags.String("status", "", "Filter by status (pending, active, completed, blocked, container)")
	typeFilter := taskFlags.String("type", "", "Filter by type (feature, bugfix, refactor, test, docs)")
	if err := taskFlags.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	id, err := resolveSessionID(ctx, st, *sessionID)
	if err != nil {
		return err
	}

	filters := models.ViewFilters{
		Status: models.TaskStatus(*statusFilter),
		Type:   models.TaskType(*typeFilter),
	}
	data, err := view.Render(ctx, st, id, models.ViewFormatList, filters)
	if err != nil {
		return err
	}

	fmt.Printf("%-10s %-40s %-10s %-10s %8s\n", "ID", "TITLE", "STATUS", "TYPE", "PROGRESS")
	fmt.Println(strings.Repeat("-", 82))
	for _, t := range data.Tasks {
		fmt.Printf("%-10s %-40s %-10s %-10s %7.0f%%\n", t.ID, t.Title, t.Status, t.Type, t.Progress)
	}
	return nil
}

func runTree(args []string) error {
	treeFlags := flag.NewFlagSet("tree", flag.ContinueOnError)
	sessionID := treeFlags.String("session", "", "Session ID (defaults to the active session)")
	if err := treeFlags.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	id, err := resolveSessionID(ctx, st, *sessionID)
	if err != nil {
		return err
	}

	data, err := view.Render(ctx, st, id, models.ViewFormatTree, models.ViewFilters{})
	if err != nil {
		return err
	}

	for _, node := range data.Tree {
		printNode(node, 0)
	}
	return nil
}

func printNode(node *models.TaskNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s [%s] %s (%.0f%%)\n", indent, node.Task.ID, node.Task.Status, node.Task.Title, node.Task.Progress)
	for _, child := range node.Children {
		printNode(child, depth+1)
	}
}

func runStatus(args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	id, err := resolveSessionID(ctx, st, "")
	if err != nil {
		return err
	}

	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}

	data, err := view.Render(ctx, st, id, models.ViewFormatSummary, models.ViewFilters{})
	if err != nil {
		return err
	}
	summary := data.Summary

	unblocked, err := st.ListUnblockedTasks(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Trellis Session Status")
	fmt.Println("======================")
	fmt.Printf("Session:     %s\n", sess.ID)
	fmt.Printf("Description: %s\n", sess.Description)
	fmt.Printf("Complexity:  %s\n", sess.Complexity)
	if sess.Phase != "" {
		fmt.Printf("Phase:       %s\n", sess.Phase)
	}
	fmt.Printf("Progress:    %.0f%%\n", summary.Percent)
	fmt.Printf("Total Tasks: %d\n", summary.Stats.Total)

	fmt.Println("\nTask Breakdown:")
	fmt.Printf("  Pending:   %d\n", summary.ByStatus[models.TaskStatusPending])
	fmt.Printf("  Active:    %d\n", summary.ByStatus[models.TaskStatusActive])
	fmt.Printf("  Completed: %d\n", summary.ByStatus[models.TaskStatusCompleted])
	fmt.Printf("  Blocked:   %d\n", summary.ByStatus[models.TaskStatusBlocked])
	fmt.Printf("  Container: %d\n", summary.ByStatus[models.TaskStatusContainer])

	if len(unblocked) > 0 {
		fmt.Println("\nReady to Start:")
		for i, t := range unblocked {
			if i >= 5 {
				break
			}
			fmt.Printf("  - %s %s\n", t.ID, t.Title)
		}
	}

	return nil
}

func runExport(args []string) error {
	path := snapshotPath
	if len(args) > 0 {
		path = args[0]
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ExportSnapshot(context.Background(), path); err != nil {
		return err
	}

	fmt.Printf("✓ Snapshot written to %s\n", path)
	return nil
}

func runImport(args []string) error {
	path := snapshotPath
	if len(args) > 0 {
		path = args[0]
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		return err
	}
	if err := st.ImportSnapshot(ctx, path); err != nil {
		return err
	}

	fmt.Printf("✓ Snapshot %s imported\n", path)
	return nil
}

func runRepair(args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New(st)
	n, err := reg.Repair(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("✓ Deactivated %d extra session(s)\n", n)
	return nil
}

// resolveSessionID falls back to the active session when no explicit id
// was given.
func resolveSessionID(ctx context.Context, st *store.Store, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	activeID, _, err := st.GetActivePointer(ctx)
	if err != nil {
		return "", err
	}
	if activeID == "" {
		return "", fmt.Errorf("no active session; pass -session or run 'trellis switch'")
	}
	return activeID, nil
}
