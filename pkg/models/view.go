package models

type ViewFormat string

const (
	ViewFormatList    ViewFormat = "list"
	ViewFormatTree    ViewFormat = "tree"
	ViewFormatSummary ViewFormat = "summary"
)

// ViewFilters narrows a list projection. Zero values match everything.
type ViewFilters struct {
	Status TaskStatus `json:"status,omitempty"`
	Type   TaskType   `json:"type,omitempty"`
}

// TaskNode is one node of a hierarchical tree projection.
type TaskNode struct {
	Task     *Task       `json:"task"`
	Children []*TaskNode `json:"children,omitempty"`
}

// ProgressSummary aggregates a session's progress at render time.
type ProgressSummary struct {
	SessionID    string             `json:"session_id"`
	Complexity   Complexity         `json:"complexity"`
	Phase        string             `json:"phase"`
	Stats        SessionStats       `json:"stats"`
	ByStatus     map[TaskStatus]int `json:"by_status"`
	Percent      float64            `json:"percent"`
	RootProgress map[string]float64 `json:"root_progress"`
}

// ViewData is the tagged output of the view generator. Exactly one of
// Tasks, Tree, or Summary is populated, matching Format.
type ViewData struct {
	Format  ViewFormat       `json:"format"`
	Tasks   []*Task          `json:"tasks,omitempty"`
	Tree    []*TaskNode      `json:"tree,omitempty"`
	Summary *ProgressSummary `json:"summary,omitempty"`
}
