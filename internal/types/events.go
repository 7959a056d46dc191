package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type tags. Every state-changing operation appends exactly one or
// more of these; the payload schema per tag is defined below.
const (
	EventAgentRegistered       = "agent_registered"
	EventAgentActive           = "agent_active"
	EventMessageSent           = "message_sent"
	EventMessageRead           = "message_read"
	EventMessageAcked          = "message_acked"
	EventThreadCreated         = "thread_created"
	EventThreadActivity        = "thread_activity"
	EventFileReserved          = "file_reserved"
	EventFileReleased          = "file_released"
	EventFileConflict          = "file_conflict"
	EventTaskStarted           = "task_started"
	EventTaskProgress          = "task_progress"
	EventTaskCompleted         = "task_completed"
	EventTaskBlocked           = "task_blocked"
	EventCellCreated           = "cell_created"
	EventCellUpdated           = "cell_updated"
	EventCellStatusChanged     = "cell_status_changed"
	EventCellClosed            = "cell_closed"
	EventCellDeleted           = "cell_deleted"
	EventCellDependencyAdded   = "cell_dependency_added"
	EventCellDependencyRemoved = "cell_dependency_removed"
	EventCellLabelAdded        = "cell_label_added"
	EventCellLabelRemoved      = "cell_label_removed"
	EventCellCommentAdded      = "cell_comment_added"
	EventCellCommentUpdated    = "cell_comment_updated"
	EventCellCommentDeleted    = "cell_comment_deleted"
	EventEpicCreated           = "epic_created"
	EventEpicChildAdded        = "epic_child_added"
	EventEpicChildRemoved      = "epic_child_removed"
	EventHiveSynced            = "hive_synced"
	EventMemoryStored          = "memory_stored"
	EventMemoryUpdated         = "memory_updated"
	EventMemoryDeleted         = "memory_deleted"
	EventMemoryValidated       = "memory_validated"
	EventMemoryFound           = "memory_found"
)

// Event is the stored envelope. Sequence is per-project, gap-free, and
// assigned at append time; Payload holds the type-specific fields as raw
// JSON so unknown fields survive round trips.
type Event struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ProjectKey  string          `json:"project_key"`
	TimestampMS int64           `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload"`
}

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMS)
}

// Decode unmarshals the payload into the registered struct for e.Type.
// Unknown types return the raw payload as a map (forward compatibility).
func (e *Event) Decode() (any, error) {
	ctor, ok := payloadRegistry[e.Type]
	if !ok {
		var m map[string]any
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode opaque payload: %w", err)
		}
		return m, nil
	}
	p := ctor()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// Payload is implemented by every typed event payload.
type Payload interface {
	EventType() string
	Validate() error
}

// payloadRegistry maps event type tags to payload constructors. Append
// rejects types not present here; read passes unknown types through
// opaquely.
var payloadRegistry = map[string]func() Payload{
	EventAgentRegistered:       func() Payload { return &AgentRegisteredPayload{} },
	EventAgentActive:           func() Payload { return &AgentActivePayload{} },
	EventMessageSent:           func() Payload { return &MessageSentPayload{} },
	EventMessageRead:           func() Payload { return &MessageReadPayload{} },
	EventMessageAcked:          func() Payload { return &MessageAckedPayload{} },
	EventThreadCreated:         func() Payload { return &ThreadCreatedPayload{} },
	EventThreadActivity:        func() Payload { return &ThreadActivityPayload{} },
	EventFileReserved:          func() Payload { return &FileReservedPayload{} },
	EventFileReleased:          func() Payload { return &FileReleasedPayload{} },
	EventFileConflict:          func() Payload { return &FileConflictPayload{} },
	EventTaskStarted:           func() Payload { return &TaskPayload{Phase: "started"} },
	EventTaskProgress:          func() Payload { return &TaskPayload{Phase: "progress"} },
	EventTaskCompleted:         func() Payload { return &TaskPayload{Phase: "completed"} },
	EventTaskBlocked:           func() Payload { return &TaskPayload{Phase: "blocked"} },
	EventCellCreated:           func() Payload { return &CellCreatedPayload{} },
	EventCellUpdated:           func() Payload { return &CellUpdatedPayload{} },
	EventCellStatusChanged:     func() Payload { return &CellStatusChangedPayload{} },
	EventCellClosed:            func() Payload { return &CellClosedPayload{} },
	EventCellDeleted:           func() Payload { return &CellDeletedPayload{} },
	EventCellDependencyAdded:   func() Payload { return &CellDependencyPayload{} },
	EventCellDependencyRemoved: func() Payload { return &CellDependencyPayload{} },
	EventCellLabelAdded:        func() Payload { return &CellLabelPayload{} },
	EventCellLabelRemoved:      func() Payload { return &CellLabelPayload{} },
	EventCellCommentAdded:      func() Payload { return &CellCommentPayload{} },
	EventCellCommentUpdated:    func() Payload { return &CellCommentPayload{} },
	EventCellCommentDeleted:    func() Payload { return &CellCommentDeletedPayload{} },
	EventEpicCreated:           func() Payload { return &EpicCreatedPayload{} },
	EventEpicChildAdded:        func() Payload { return &EpicChildPayload{} },
	EventEpicChildRemoved:      func() Payload { return &EpicChildPayload{} },
	EventHiveSynced:            func() Payload { return &HiveSyncedPayload{} },
	EventMemoryStored:          func() Payload { return &MemoryStoredPayload{} },
	EventMemoryUpdated:         func() Payload { return &MemoryUpdatedPayload{} },
	EventMemoryDeleted:         func() Payload { return &MemoryDeletedPayload{} },
	EventMemoryValidated:       func() Payload { return &MemoryValidatedPayload{} },
	EventMemoryFound:           func() Payload { return &MemoryFoundPayload{} },
}

// KnownEventType reports whether tag has a registered payload schema.
func KnownEventType(tag string) bool {
	_, ok := payloadRegistry[tag]
	return ok
}

// ValidatePayload checks raw against the schema registered for tag.
// Unknown tags are rejected; extra JSON fields are preserved, not errors.
func ValidatePayload(tag string, raw json.RawMessage) error {
	ctor, ok := payloadRegistry[tag]
	if !ok {
		return fmt.Errorf("unknown event type %q", tag)
	}
	p := ctor()
	if err := json.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("payload does not match schema for %s: %w", tag, err)
	}
	return p.Validate()
}

// AgentRegisteredPayload records a new agent in the project.
type AgentRegisteredPayload struct {
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

func (p *AgentRegisteredPayload) EventType() string { return EventAgentRegistered }
func (p *AgentRegisteredPayload) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// AgentActivePayload records an agent touching the project.
type AgentActivePayload struct {
	Name string `json:"name"`
}

func (p *AgentActivePayload) EventType() string { return EventAgentActive }
func (p *AgentActivePayload) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// MessageSentPayload records a message send.
type MessageSentPayload struct {
	MessageID   string     `json:"message_id"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance"`
	AckRequired bool       `json:"ack_required,omitempty"`
}

func (p *MessageSentPayload) EventType() string { return EventMessageSent }
func (p *MessageSentPayload) Validate() error {
	if p.MessageID == "" || p.From == "" {
		return fmt.Errorf("message_id and from are required")
	}
	if len(p.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if !p.Importance.Valid() {
		return fmt.Errorf("invalid importance %q", p.Importance)
	}
	return nil
}

// MessageReadPayload records a recipient reading a message.
type MessageReadPayload struct {
	MessageID string `json:"message_id"`
	Agent     string `json:"agent"`
}

func (p *MessageReadPayload) EventType() string { return EventMessageRead }
func (p *MessageReadPayload) Validate() error   { return requireIDs(p.MessageID, p.Agent) }

// MessageAckedPayload records a recipient acknowledging a message.
type MessageAckedPayload struct {
	MessageID string `json:"message_id"`
	Agent     string `json:"agent"`
}

func (p *MessageAckedPayload) EventType() string { return EventMessageAcked }
func (p *MessageAckedPayload) Validate() error   { return requireIDs(p.MessageID, p.Agent) }

// ThreadCreatedPayload records a new thread.
type ThreadCreatedPayload struct {
	ThreadID  string `json:"thread_id"`
	Subject   string `json:"subject,omitempty"`
	CreatedBy string `json:"created_by"`
}

func (p *ThreadCreatedPayload) EventType() string { return EventThreadCreated }
func (p *ThreadCreatedPayload) Validate() error   { return requireIDs(p.ThreadID, p.CreatedBy) }

// ThreadActivityPayload records a message landing on an existing thread.
type ThreadActivityPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

func (p *ThreadActivityPayload) EventType() string { return EventThreadActivity }
func (p *ThreadActivityPayload) Validate() error   { return requireIDs(p.ThreadID, p.MessageID) }

// FileReservedPayload records a granted reservation.
type FileReservedPayload struct {
	ReservationID string   `json:"reservation_id"`
	Agent         string   `json:"agent"`
	PathPatterns  []string `json:"path_patterns"`
	Exclusive     bool     `json:"exclusive"`
	Reason        string   `json:"reason,omitempty"`
	TTLSeconds    int64    `json:"ttl_seconds"`
	ExpiresAtMS   int64    `json:"expires_at"`
}

func (p *FileReservedPayload) EventType() string { return EventFileReserved }
func (p *FileReservedPayload) Validate() error {
	if err := requireIDs(p.ReservationID, p.Agent); err != nil {
		return err
	}
	if len(p.PathPatterns) == 0 {
		return fmt.Errorf("path_patterns is required")
	}
	if p.TTLSeconds <= 0 {
		return fmt.Errorf("ttl_seconds must be positive")
	}
	return nil
}

// FileReleasedPayload records reservations being released, explicitly or by
// TTL expiry (reason "ttl_expired").
type FileReleasedPayload struct {
	ReservationIDs []string `json:"reservation_ids"`
	Agent          string   `json:"agent"`
	Paths          []string `json:"paths,omitempty"`
	Reason         string   `json:"reason,omitempty"`

	// ExpiresAtMS is set on TTL expiry; the projection stamps released_at
	// with the expiry instant rather than the sweep time.
	ExpiresAtMS int64 `json:"expires_at_ms,omitempty"`
}

func (p *FileReleasedPayload) EventType() string { return EventFileReleased }
func (p *FileReleasedPayload) Validate() error {
	if p.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if len(p.ReservationIDs) == 0 {
		return fmt.Errorf("reservation_ids is required")
	}
	return nil
}

// PathConflict names the holders of a conflicting path.
type PathConflict struct {
	Path    string   `json:"path"`
	Holders []string `json:"holders"`
}

// FileConflictPayload records a rejected reserve attempt.
type FileConflictPayload struct {
	Agent     string         `json:"agent"`
	Conflicts []PathConflict `json:"conflicts"`
}

func (p *FileConflictPayload) EventType() string { return EventFileConflict }
func (p *FileConflictPayload) Validate() error {
	if p.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if len(p.Conflicts) == 0 {
		return fmt.Errorf("conflicts is required")
	}
	return nil
}

// TaskPayload records agent task lifecycle progress against a cell.
// Phase distinguishes the four task_* event types sharing this shape.
type TaskPayload struct {
	Phase  string `json:"-"`
	Agent  string `json:"agent"`
	CellID string `json:"cell_id,omitempty"`
	Note   string `json:"note,omitempty"`
}

func (p *TaskPayload) EventType() string { return "task_" + p.Phase }
func (p *TaskPayload) Validate() error {
	if p.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	return nil
}

// CellCreatedPayload carries the full snapshot of a new cell.
type CellCreatedPayload struct {
	Cell *Cell `json:"cell"`
}

func (p *CellCreatedPayload) EventType() string { return EventCellCreated }
func (p *CellCreatedPayload) Validate() error {
	if p.Cell == nil {
		return fmt.Errorf("cell is required")
	}
	return p.Cell.Validate()
}

// CellUpdatedPayload records changed fields (old value -> new value).
type CellUpdatedPayload struct {
	CellID  string            `json:"cell_id"`
	Changes map[string]string `json:"changes"`
}

func (p *CellUpdatedPayload) EventType() string { return EventCellUpdated }
func (p *CellUpdatedPayload) Validate() error {
	if p.CellID == "" {
		return fmt.Errorf("cell_id is required")
	}
	return nil
}

// CellStatusChangedPayload records a status transition.
type CellStatusChangedPayload struct {
	CellID    string     `json:"cell_id"`
	OldStatus CellStatus `json:"old_status"`
	NewStatus CellStatus `json:"new_status"`
}

func (p *CellStatusChangedPayload) EventType() string { return EventCellStatusChanged }
func (p *CellStatusChangedPayload) Validate() error {
	if p.CellID == "" {
		return fmt.Errorf("cell_id is required")
	}
	if !p.NewStatus.Valid() {
		return fmt.Errorf("invalid new_status %q", p.NewStatus)
	}
	return nil
}

// CellClosedPayload records a close with its reason and optional result.
type CellClosedPayload struct {
	CellID string `json:"cell_id"`
	Reason string `json:"reason"`
	Result string `json:"result,omitempty"`
}

func (p *CellClosedPayload) EventType() string { return EventCellClosed }
func (p *CellClosedPayload) Validate() error {
	if p.CellID == "" {
		return fmt.Errorf("cell_id is required")
	}
	return nil
}

// CellDeletedPayload records a soft delete (tombstone).
type CellDeletedPayload struct {
	CellID string `json:"cell_id"`
	Reason string `json:"reason,omitempty"`
}

func (p *CellDeletedPayload) EventType() string { return EventCellDeleted }
func (p *CellDeletedPayload) Validate() error {
	if p.CellID == "" {
		return fmt.Errorf("cell_id is required")
	}
	return nil
}

// CellDependencyPayload records an edge add or remove.
type CellDependencyPayload struct {
	FromCell string         `json:"from_cell"`
	ToCell   string         `json:"to_cell"`
	Kind     DependencyKind `json:"relationship"`
}

func (p *CellDependencyPayload) EventType() string { return EventCellDependencyAdded }
func (p *CellDependencyPayload) Validate() error {
	if err := requireIDs(p.FromCell, p.ToCell); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("invalid relationship %q", p.Kind)
	}
	return nil
}

// CellLabelPayload records a label add or remove.
type CellLabelPayload struct {
	CellID string `json:"cell_id"`
	Label  string `json:"label"`
}

func (p *CellLabelPayload) EventType() string { return EventCellLabelAdded }
func (p *CellLabelPayload) Validate() error   { return requireIDs(p.CellID, p.Label) }

// CellCommentPayload records a comment add or update.
type CellCommentPayload struct {
	Comment *Comment `json:"comment"`
}

func (p *CellCommentPayload) EventType() string { return EventCellCommentAdded }
func (p *CellCommentPayload) Validate() error {
	if p.Comment == nil || p.Comment.ID == "" || p.Comment.CellID == "" {
		return fmt.Errorf("comment with id and cell_id is required")
	}
	return nil
}

// CellCommentDeletedPayload records a comment removal.
type CellCommentDeletedPayload struct {
	CommentID string `json:"comment_id"`
	CellID    string `json:"cell_id"`
}

func (p *CellCommentDeletedPayload) EventType() string { return EventCellCommentDeleted }
func (p *CellCommentDeletedPayload) Validate() error   { return requireIDs(p.CommentID, p.CellID) }

// EpicCreatedPayload records an atomic epic decomposition: the epic and all
// of its subtasks land in one event, so either every cell exists or none do.
type EpicCreatedPayload struct {
	Epic     *Cell   `json:"epic"`
	Subtasks []*Cell `json:"subtasks,omitempty"`
}

func (p *EpicCreatedPayload) EventType() string { return EventEpicCreated }
func (p *EpicCreatedPayload) Validate() error {
	if p.Epic == nil || p.Epic.ID == "" {
		return fmt.Errorf("epic cell with id is required")
	}
	for i, sub := range p.Subtasks {
		if sub == nil || sub.ID == "" {
			return fmt.Errorf("subtask %d needs an id", i)
		}
	}
	return nil
}

// EpicChildPayload records a child joining or leaving an epic.
type EpicChildPayload struct {
	EpicID  string `json:"epic_id"`
	ChildID string `json:"child_id"`
}

func (p *EpicChildPayload) EventType() string { return EventEpicChildAdded }
func (p *EpicChildPayload) Validate() error   { return requireIDs(p.EpicID, p.ChildID) }

// HiveSyncedPayload records a JSONL import/merge completing.
type HiveSyncedPayload struct {
	Path      string `json:"path,omitempty"`
	Adopted   int    `json:"adopted"`
	Conflicts int    `json:"conflicts"`
}

func (p *HiveSyncedPayload) EventType() string { return EventHiveSynced }
func (p *HiveSyncedPayload) Validate() error   { return nil }

// MemoryStoredPayload records a new memory.
type MemoryStoredPayload struct {
	MemoryID   string `json:"memory_id"`
	Collection string `json:"collection"`
}

func (p *MemoryStoredPayload) EventType() string { return EventMemoryStored }
func (p *MemoryStoredPayload) Validate() error {
	if p.MemoryID == "" {
		return fmt.Errorf("memory_id is required")
	}
	return nil
}

// MemoryUpdatedPayload records a smart-upsert UPDATE or supersession.
type MemoryUpdatedPayload struct {
	MemoryID  string `json:"memory_id"`
	Operation string `json:"operation,omitempty"`
}

func (p *MemoryUpdatedPayload) EventType() string { return EventMemoryUpdated }
func (p *MemoryUpdatedPayload) Validate() error {
	if p.MemoryID == "" {
		return fmt.Errorf("memory_id is required")
	}
	return nil
}

// MemoryDeletedPayload records a memory removal.
type MemoryDeletedPayload struct {
	MemoryID string `json:"memory_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p *MemoryDeletedPayload) EventType() string { return EventMemoryDeleted }
func (p *MemoryDeletedPayload) Validate() error {
	if p.MemoryID == "" {
		return fmt.Errorf("memory_id is required")
	}
	return nil
}

// MemoryValidatedPayload records a decay reset.
type MemoryValidatedPayload struct {
	MemoryID string `json:"memory_id"`
}

func (p *MemoryValidatedPayload) EventType() string { return EventMemoryValidated }
func (p *MemoryValidatedPayload) Validate() error {
	if p.MemoryID == "" {
		return fmt.Errorf("memory_id is required")
	}
	return nil
}

// MemoryFoundPayload records a tracked retrieval.
type MemoryFoundPayload struct {
	Query       string `json:"query"`
	Count       int    `json:"count"`
	FTSFallback bool   `json:"fts_fallback,omitempty"`
}

func (p *MemoryFoundPayload) EventType() string { return EventMemoryFound }
func (p *MemoryFoundPayload) Validate() error   { return nil }

func requireIDs(fields ...string) error {
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("required identifier field is empty")
		}
	}
	return nil
}
