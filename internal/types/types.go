// Package types defines the core data structures shared by the substrate's
// subsystems: agents, messages, reservations, hive cells, and memories, plus
// the event payload union in events.go.
package types

import (
	"fmt"
	"time"
)

// Importance orders message urgency: urgent > high > normal > low.
type Importance string

// Message importance levels.
const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// Rank returns a sortable weight; higher is more important.
func (i Importance) Rank() int {
	switch i {
	case ImportanceUrgent:
		return 3
	case ImportanceHigh:
		return 2
	case ImportanceNormal:
		return 1
	case ImportanceLow:
		return 0
	default:
		return -1
	}
}

// Valid reports whether i is a known importance level.
func (i Importance) Valid() bool { return i.Rank() >= 0 }

// Agent is a named actor participating in a project. Agents are never
// deleted; last_active_at is touched on every operation.
type Agent struct {
	Name            string    `json:"name"`
	ProjectKey      string    `json:"project_key"`
	Program         string    `json:"program,omitempty"`
	Model           string    `json:"model,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Message is a durable inter-agent message. Per-recipient read/ack flags
// live in MessageRecipient rows.
type Message struct {
	ID          string     `json:"id"`
	FromAgent   string     `json:"from_agent"`
	ToAgents    []string   `json:"to_agents"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance"`
	AckRequired bool       `json:"ack_required,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MessageRecipient tracks one recipient's read/ack state for a message.
type MessageRecipient struct {
	MessageID string     `json:"message_id"`
	Agent     string     `json:"agent"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}

// ThreadSummary is the result of summarizing a message thread.
type ThreadSummary struct {
	ThreadID      string   `json:"thread_id"`
	Participants  []string `json:"participants"`
	KeyPoints     []string `json:"key_points"`
	ActionItems   []string `json:"action_items"`
	TotalMessages int      `json:"total_messages"`
}

// ThreadInfo is a thread listing row.
type ThreadInfo struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	Participants []string  `json:"participants"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Reservation is a time-bounded claim by one agent on a set of file paths
// or glob patterns. Active while released_at IS NULL and expires_at > now.
type Reservation struct {
	ID           string     `json:"id"`
	Agent        string     `json:"agent"`
	PathPatterns []string   `json:"path_patterns"`
	Exclusive    bool       `json:"exclusive"`
	Reason       string     `json:"reason,omitempty"`
	ReservedAt   time.Time  `json:"reserved_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the reservation holds at the given instant.
func (r *Reservation) Active(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// CellStatus is the hive work-item state machine's state set.
type CellStatus string

// Cell statuses.
const (
	StatusOpen       CellStatus = "open"
	StatusInProgress CellStatus = "in_progress"
	StatusBlocked    CellStatus = "blocked"
	StatusClosed     CellStatus = "closed"
	StatusTombstone  CellStatus = "tombstone"
)

// Valid reports whether s is a known status.
func (s CellStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed, StatusTombstone:
		return true
	}
	return false
}

// IssueType classifies a hive cell.
type IssueType string

// Cell issue types.
const (
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask    IssueType = "task"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
	TypeMessage IssueType = "message"
)

// Valid reports whether t is a known issue type.
func (t IssueType) Valid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore, TypeMessage:
		return true
	}
	return false
}

// DependencyKind names the relationship carried by a cell dependency edge.
type DependencyKind string

// Dependency relationship kinds. Only blocks/blocked-by participate in
// cycle detection and ready-work computation.
const (
	DepBlocks         DependencyKind = "blocks"
	DepBlockedBy      DependencyKind = "blocked-by"
	DepRelated        DependencyKind = "related"
	DepDiscoveredFrom DependencyKind = "discovered-from"
)

// Valid reports whether k is a known dependency kind.
func (k DependencyKind) Valid() bool {
	switch k {
	case DepBlocks, DepBlockedBy, DepRelated, DepDiscoveredFrom:
		return true
	}
	return false
}

// Cell is a hive work item.
type Cell struct {
	ID          string            `json:"id"`
	ProjectKey  string            `json:"-"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      CellStatus        `json:"status"`
	Priority    int               `json:"priority"` // 0=critical .. 4=low; no omitempty, 0 is valid
	IssueType   IssueType         `json:"issue_type"`
	ParentID    string            `json:"parent_id,omitempty"`
	Assignee    string            `json:"assignee,omitempty"`
	Files       []string          `json:"files,omitempty"` // declared touch-set, checked against reservations
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
	CloseReason string            `json:"close_reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsBlocked   bool              `json:"-"` // denormalized blocked-cache, rebuilt on edge changes

	// Populated only for export/import and merge.
	Labels       []string      `json:"labels,omitempty"`
	Dependencies []*Dependency `json:"dependencies,omitempty"`
	Comments     []*Comment    `json:"comments,omitempty"`
}

// IsTombstone reports whether the cell is soft-deleted.
func (c *Cell) IsTombstone() bool { return c.Status == StatusTombstone }

// Validate checks field values shared by create and import paths.
func (c *Cell) Validate() error {
	if len(c.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(c.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(c.Title))
	}
	if c.Priority < 0 || c.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", c.Priority)
	}
	if !c.IssueType.Valid() {
		return fmt.Errorf("invalid issue type %q", c.IssueType)
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	return nil
}

// Dependency is a typed edge between two cells.
type Dependency struct {
	FromCell string         `json:"from_cell"`
	ToCell   string         `json:"to_cell"`
	Kind     DependencyKind `json:"relationship"`
}

// Comment is a note attached to a cell.
type Comment struct {
	ID        string    `json:"id"`
	CellID    string    `json:"cell_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is a content-addressed retrievable record with an embedding.
type Memory struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Collection   string            `json:"collection"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	AutoTags     []string          `json:"auto_tags,omitempty"`
	Embedding    []float32         `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ValidFrom    *time.Time        `json:"valid_from,omitempty"`
	ValidUntil   *time.Time        `json:"valid_until,omitempty"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	Confidence   float64           `json:"confidence"`
	AccessCount  int               `json:"access_count,omitempty"`
	LastAccessed *time.Time        `json:"last_accessed,omitempty"`
}

// MemoryLink is a typed, weighted edge between two memories.
type MemoryLink struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	LinkType string  `json:"link_type"`
	Strength float64 `json:"strength"`
}

// Entity is a named node in the knowledge graph.
type Entity struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
}

// Relationship is a subject-predicate-object triple extracted from a memory.
type Relationship struct {
	SubjectEntity int64   `json:"subject_entity"`
	Predicate     string  `json:"predicate"`
	ObjectEntity  int64   `json:"object_entity"`
	Confidence    float64 `json:"confidence"`
	MemoryID      string  `json:"memory_id"`
}
