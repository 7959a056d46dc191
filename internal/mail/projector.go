package mail

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/types"
)

// projector maintains the agents, messages, threads, and reservations tables
// from mail events. It runs inside the append transaction, and the same code
// path serves full projection rebuilds.
type projector struct{}

func (projector) EventTypes() []string {
	return []string{
		types.EventAgentRegistered,
		types.EventAgentActive,
		types.EventMessageSent,
		types.EventMessageRead,
		types.EventMessageAcked,
		types.EventThreadCreated,
		types.EventFileReserved,
		types.EventFileReleased,
	}
}

func (projector) Apply(tx *sql.Tx, evt *types.Event) error {
	decoded, err := evt.Decode()
	if err != nil {
		return err
	}

	switch p := decoded.(type) {
	case *types.AgentRegisteredPayload:
		return applyAgentRegistered(tx, evt, p)
	case *types.AgentActivePayload:
		return applyAgentActive(tx, evt, p)
	case *types.MessageSentPayload:
		return applyMessageSent(tx, evt, p)
	case *types.MessageReadPayload:
		return applyRecipientStamp(tx, "read_at", p.MessageID, p.Agent, evt.TimestampMS)
	case *types.MessageAckedPayload:
		// Acking implies reading: an acked message never lingers unread.
		if err := applyRecipientStamp(tx, "read_at", p.MessageID, p.Agent, evt.TimestampMS); err != nil {
			return err
		}
		return applyRecipientStamp(tx, "acked_at", p.MessageID, p.Agent, evt.TimestampMS)
	case *types.ThreadCreatedPayload:
		return applyThreadCreated(tx, evt, p)
	case *types.FileReservedPayload:
		return applyFileReserved(tx, evt, p)
	case *types.FileReleasedPayload:
		return applyFileReleased(tx, evt, p)
	}
	return nil
}

func applyAgentRegistered(tx *sql.Tx, evt *types.Event, p *types.AgentRegisteredPayload) error {
	_, err := tx.Exec(`
		INSERT INTO agents (project_key, name, program, model, task_description, registered_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_key, name) DO UPDATE SET
			program = excluded.program,
			model = excluded.model,
			task_description = excluded.task_description,
			last_active_at = excluded.last_active_at`,
		evt.ProjectKey, p.Name, p.Program, p.Model, p.TaskDescription, evt.TimestampMS, evt.TimestampMS)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func applyAgentActive(tx *sql.Tx, evt *types.Event, p *types.AgentActivePayload) error {
	_, err := tx.Exec(
		"UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = ?",
		evt.TimestampMS, evt.ProjectKey, p.Name)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func applyMessageSent(tx *sql.Tx, evt *types.Event, p *types.MessageSentPayload) error {
	_, err := tx.Exec(`
		INSERT INTO messages (id, project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MessageID, evt.ProjectKey, p.From, p.Subject, p.Body,
		nullIfEmpty(p.ThreadID), string(p.Importance), boolInt(p.AckRequired), evt.TimestampMS)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, to := range p.To {
		if _, err := tx.Exec(
			"INSERT INTO message_recipients (message_id, agent) VALUES (?, ?)",
			p.MessageID, to); err != nil {
			return fmt.Errorf("insert recipient %s: %w", to, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO messages_fts (message_id, subject, body) VALUES (?, ?, ?)",
		p.MessageID, p.Subject, p.Body); err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return nil
}

func applyRecipientStamp(tx *sql.Tx, column, messageID, agent string, ts int64) error {
	// Idempotent: the first stamp wins, re-reads and re-acks are no-ops.
	_, err := tx.Exec(
		"UPDATE message_recipients SET "+column+" = ? WHERE message_id = ? AND agent = ? AND "+column+" IS NULL",
		ts, messageID, agent)
	if err != nil {
		return fmt.Errorf("stamp %s: %w", column, err)
	}
	return nil
}

func applyThreadCreated(tx *sql.Tx, evt *types.Event, p *types.ThreadCreatedPayload) error {
	_, err := tx.Exec(`
		INSERT INTO threads (thread_id, project_key, subject, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO NOTHING`,
		p.ThreadID, evt.ProjectKey, p.Subject, p.CreatedBy, evt.TimestampMS)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func applyFileReserved(tx *sql.Tx, evt *types.Event, p *types.FileReservedPayload) error {
	patterns, err := json.Marshal(p.PathPatterns)
	if err != nil {
		return fmt.Errorf("marshal patterns: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO reservations (id, project_key, agent, patterns_json, exclusive, reason, reserved_at, expires_at, reservation_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ReservationID, evt.ProjectKey, p.Agent, string(patterns),
		boolInt(p.Exclusive), nullIfEmpty(p.Reason), evt.TimestampMS, p.ExpiresAtMS, evt.ID)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func applyFileReleased(tx *sql.Tx, evt *types.Event, p *types.FileReleasedPayload) error {
	// TTL expiries stamp the expiry instant, not the sweep time.
	ts := evt.TimestampMS
	if p.ExpiresAtMS > 0 {
		ts = p.ExpiresAtMS
	}
	for _, id := range p.ReservationIDs {
		if _, err := tx.Exec(
			"UPDATE reservations SET released_at = ? WHERE id = ? AND released_at IS NULL",
			ts, id); err != nil {
			return fmt.Errorf("release reservation %s: %w", id, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
