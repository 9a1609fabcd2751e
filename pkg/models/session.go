package models

import "time"

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// rank orders complexity tiers; higher never downgrades to lower.
func (c Complexity) rank() int {
	switch c {
	case ComplexityComplex:
		return 2
	case ComplexityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is the same tier as other or higher.
func (c Complexity) AtLeast(other Complexity) bool {
	return c.rank() >= other.rank()
}

// Session is a unit of ongoing work spanning many tasks. At most one
// session is active across the whole store at any instant.
type Session struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Complexity  Complexity `json:"complexity"`
	Phase       string     `json:"phase"`
	Active      bool       `json:"active"`
	Completed   bool       `json:"completed"`

	// Caller-supplied scope estimates feeding the complexity classifier.
	Modules         int     `json:"modules"`
	EffortHours     float64 `json:"effort_hours"`
	MultiRepository bool    `json:"multi_repository"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SessionStats is derived on demand from the session's tasks, never
// persisted as authoritative.
type SessionStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Active    int `json:"active"`
}
