// Package view projects the store into read-only list, tree and
// progress representations. Render takes one consistent snapshot of the
// session's records and never writes anything back, so it is safe to
// call concurrently with any number of readers and writers.
package view

import (
	"context"
	"fmt"
	"sort"

	"github.com/ldi/trellis/internal/store"
	"github.com/ldi/trellis/pkg/models"
)

// Render produces the requested projection for a session. All records
// are read in one store transaction, so the projection reflects a
// single point in time; calling it twice on an unchanged store returns
// identical ViewData.
func Render(ctx context.Context, st *store.Store, sessionID string, format models.ViewFormat, filters models.ViewFilters) (*models.ViewData, error) {
	sess, tasks, stats, err := st.SessionSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch format {
	case models.ViewFormatList:
		return &models.ViewData{Format: format, Tasks: filterTasks(tasks, filters)}, nil
	case models.ViewFormatTree:
		return &models.ViewData{Format: format, Tree: buildTree(tasks)}, nil
	case models.ViewFormatSummary:
		return &models.ViewData{Format: format, Summary: summarize(sess, tasks, stats)}, nil
	default:
		return nil, fmt.Errorf("unknown view format: %s", format)
	}
}

func filterTasks(tasks []*models.Task, filters models.ViewFilters) []*models.Task {
	filtered := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		if filters.Type != "" && t.Type != filters.Type {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered
}

// buildTree arranges tasks parent-to-children from their dotted ids.
// Roots and siblings are sorted by id for stable output.
func buildTree(tasks []*models.Task) []*models.TaskNode {
	nodes := make(map[string]*models.TaskNode, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = &models.TaskNode{Task: t}
	}

	var roots []*models.TaskNode
	for _, t := range tasks {
		node := nodes[t.ID]
		parent := models.ParentID(t.ID)
		if parent == "" {
			roots = append(roots, node)
			continue
		}
		if p, ok := nodes[parent]; ok {
			p.Children = append(p.Children, node)
		} else {
			// Orphaned subtask: surface it at the top rather than drop it.
			roots = append(roots, node)
		}
	}

	sortNodes(roots)
	for _, n := range nodes {
		sortNodes(n.Children)
	}
	return roots
}

func sortNodes(nodes []*models.TaskNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Task.ID < nodes[j].Task.ID
	})
}

// summarize combines store-derived counters with per-root progress
// computed from the same task snapshot.
func summarize(sess *models.Session, tasks []*models.Task, stats models.SessionStats) *models.ProgressSummary {
	summary := &models.ProgressSummary{
		SessionID:    sess.ID,
		Complexity:   sess.Complexity,
		Phase:        sess.Phase,
		Stats:        stats,
		ByStatus:     make(map[models.TaskStatus]int),
		RootProgress: make(map[string]float64),
	}

	rootSum := 0.0
	roots := 0
	for _, t := range tasks {
		summary.ByStatus[t.Status]++
		if models.ParentID(t.ID) == "" {
			summary.RootProgress[t.ID] = t.Progress
			rootSum += t.Progress
			roots++
		}
	}
	if roots > 0 {
		summary.Percent = rootSum / float64(roots)
	}
	return summary
}
