// Package mail implements durable agent-to-agent messaging: registration,
// sends, the capped inbox, read/ack tracking, threads with summarization,
// full-text search, and the file reservation ledger in reservations.go.
// Every state change goes through the event store; the relational tables
// here are projections of those events.
package mail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/identity"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

// InboxCap bounds an inbox page: agents poll frequently, so each check
// surfaces only the top messages by importance and recency.
const InboxCap = 5

// ThreadSummarizer condenses a message thread. The production implementation
// calls the analyzer model; when it is unavailable the service falls back to
// a heuristic summary.
type ThreadSummarizer interface {
	SummarizeThread(ctx context.Context, subject string, messages []*types.Message) (*types.ThreadSummary, error)
}

// Service is the mail subsystem for one project.
type Service struct {
	db         *storage.DB
	events     *eventstore.Store
	limiter    *Limiter
	summarizer ThreadSummarizer
	log        zerolog.Logger
}

// NewService wires the mail subsystem and registers its projector with the
// event store. summarizer may be nil; summarization then always uses the
// heuristic fallback.
func NewService(db *storage.DB, events *eventstore.Store, limiter *Limiter, summarizer ThreadSummarizer, log zerolog.Logger) *Service {
	s := &Service{
		db:         db,
		events:     events,
		limiter:    limiter,
		summarizer: summarizer,
		log:        log.With().Str("component", "mail").Logger(),
	}
	events.Register(projector{})
	return s
}

// RegisterAgent registers (or re-registers) an agent. An empty name gets a
// generated one. Re-registration updates program/model/task metadata.
func (s *Service) RegisterAgent(ctx context.Context, name, program, model, taskDescription string) (*types.Agent, error) {
	if name == "" {
		name = identity.GenerateAgentName()
	}
	if err := identity.ValidateAgentName(name); err != nil {
		return nil, errs.Validation("invalid_agent_name", "%v", err)
	}

	evt, err := s.events.Append(ctx, &types.AgentRegisteredPayload{
		Name:            name,
		Program:         program,
		Model:           model,
		TaskDescription: taskDescription,
	}, nil)
	if err != nil {
		return nil, err
	}

	now := evt.Time()
	return &types.Agent{
		Name:            name,
		ProjectKey:      s.db.ProjectKey,
		Program:         program,
		Model:           model,
		TaskDescription: taskDescription,
		RegisteredAt:    now,
		LastActiveAt:    now,
	}, nil
}

// TouchAgent records activity for an agent, updating last_active_at.
func (s *Service) TouchAgent(ctx context.Context, name string) error {
	ok, err := s.agentExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("agent_not_found", "agent %q is not registered", name)
	}
	_, err = s.events.Append(ctx, &types.AgentActivePayload{Name: name}, nil)
	return err
}

// GetAgent returns a registered agent by name.
func (s *Service) GetAgent(ctx context.Context, name string) (*types.Agent, error) {
	var (
		a          types.Agent
		program    sql.NullString
		model      sql.NullString
		task       sql.NullString
		registered int64
		lastActive int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, program, model, task_description, registered_at, last_active_at
		FROM agents WHERE project_key = ? AND name = ?`,
		s.db.ProjectKey, name,
	).Scan(&a.Name, &program, &model, &task, &registered, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("agent_not_found", "agent %q is not registered", name)
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	a.ProjectKey = s.db.ProjectKey
	a.Program = program.String
	a.Model = model.String
	a.TaskDescription = task.String
	a.RegisteredAt = time.UnixMilli(registered)
	a.LastActiveAt = time.UnixMilli(lastActive)
	return &a, nil
}

// ListAgents returns all registered agents ordered by recent activity.
func (s *Service) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, program, model, task_description, registered_at, last_active_at
		FROM agents WHERE project_key = ? ORDER BY last_active_at DESC`,
		s.db.ProjectKey)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*types.Agent
	for rows.Next() {
		var (
			a          types.Agent
			program    sql.NullString
			model      sql.NullString
			task       sql.NullString
			registered int64
			lastActive int64
		)
		if err := rows.Scan(&a.Name, &program, &model, &task, &registered, &lastActive); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.ProjectKey = s.db.ProjectKey
		a.Program = program.String
		a.Model = model.String
		a.TaskDescription = task.String
		a.RegisteredAt = time.UnixMilli(registered)
		a.LastActiveAt = time.UnixMilli(lastActive)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// SendRequest carries the parameters of a message send.
type SendRequest struct {
	From        string
	To          []string
	Subject     string
	Body        string
	ThreadID    string
	Importance  types.Importance
	AckRequired bool
}

// Send delivers a message to one or more agents. Only the sender must be
// registered; a message to an unknown recipient is stored and waits in that
// inbox until the recipient registers. A non-empty ThreadID attaches the
// message to that thread, creating it on first use.
func (s *Service) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if err := s.limiter.Allow(req.From, "send"); err != nil {
		return nil, err
	}
	if req.Subject == "" {
		return nil, errs.Validation("empty_subject", "message subject cannot be empty")
	}
	if len(req.To) == 0 {
		return nil, errs.Validation("no_recipients", "at least one recipient is required")
	}
	if req.Importance == "" {
		req.Importance = types.ImportanceNormal
	}
	if !req.Importance.Valid() {
		return nil, errs.Validation("invalid_importance", "unknown importance %q", req.Importance)
	}

	ok, err := s.agentExists(ctx, req.From)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("agent_not_found", "agent %q is not registered", req.From).
			WithHint("register the agent before sending from it")
	}

	// Create the thread before the message lands on it.
	if req.ThreadID != "" {
		exists, err := s.threadExists(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}
		if !exists {
			if _, err := s.events.Append(ctx, &types.ThreadCreatedPayload{
				ThreadID:  req.ThreadID,
				Subject:   req.Subject,
				CreatedBy: req.From,
			}, nil); err != nil {
				return nil, err
			}
		}
	}

	msgID := identity.NewMessageID()
	evt, err := s.events.Append(ctx, &types.MessageSentPayload{
		MessageID:   msgID,
		From:        req.From,
		To:          req.To,
		Subject:     req.Subject,
		Body:        req.Body,
		ThreadID:    req.ThreadID,
		Importance:  req.Importance,
		AckRequired: req.AckRequired,
	}, nil)
	if err != nil {
		return nil, err
	}

	if req.ThreadID != "" {
		if _, err := s.events.Append(ctx, &types.ThreadActivityPayload{
			ThreadID:  req.ThreadID,
			MessageID: msgID,
		}, nil); err != nil {
			return nil, err
		}
	}

	s.log.Info().Str("from", req.From).Strs("to", req.To).Str("msg", msgID).Msg("message sent")
	return &types.Message{
		ID:          msgID,
		FromAgent:   req.From,
		ToAgents:    req.To,
		Subject:     req.Subject,
		Body:        req.Body,
		ThreadID:    req.ThreadID,
		Importance:  req.Importance,
		AckRequired: req.AckRequired,
		CreatedAt:   evt.Time(),
	}, nil
}

// InboxItem is one inbox row: headers only, no body. Fetch the body with
// ReadMessage, which also marks the message read.
type InboxItem struct {
	MessageID   string           `json:"message_id"`
	From        string           `json:"from"`
	Subject     string           `json:"subject"`
	ThreadID    string           `json:"thread_id,omitempty"`
	Importance  types.Importance `json:"importance"`
	AckRequired bool             `json:"ack_required,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// InboxOptions narrows an inbox page. Limit values above InboxCap clamp to
// it; zero returns an empty page; negative is invalid. UrgentOnly keeps only
// urgent messages, and a non-zero Since keeps messages created at or after
// that instant.
type InboxOptions struct {
	Limit      int
	UrgentOnly bool
	Since      time.Time
}

// Inbox returns the agent's unread messages, most important first, newest
// within equal importance.
func (s *Service) Inbox(ctx context.Context, agent string, opts InboxOptions) ([]*InboxItem, error) {
	if err := s.limiter.Allow(agent, "inbox"); err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, errs.Validation("invalid_limit", "inbox limit cannot be negative (got %d)", opts.Limit)
	}
	if opts.Limit == 0 {
		return nil, nil
	}
	limit := opts.Limit
	if limit > InboxCap {
		limit = InboxCap
	}

	conds := "m.project_key = ? AND r.agent = ? AND r.read_at IS NULL"
	args := []any{s.db.ProjectKey, agent}
	if opts.UrgentOnly {
		conds += " AND m.importance = 'urgent'"
	}
	if !opts.Since.IsZero() {
		conds += " AND m.created_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.from_agent, m.subject, m.thread_id, m.importance, m.ack_required, m.created_at
		FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE `+conds+`
		ORDER BY
			CASE m.importance
				WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3
			END,
			m.created_at DESC
		LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*InboxItem
	for rows.Next() {
		var (
			item      InboxItem
			threadID  sql.NullString
			imp       string
			ack       int
			createdAt int64
		)
		if err := rows.Scan(&item.MessageID, &item.From, &item.Subject, &threadID, &imp, &ack, &createdAt); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		item.ThreadID = threadID.String
		item.Importance = types.Importance(imp)
		item.AckRequired = ack != 0
		item.CreatedAt = time.UnixMilli(createdAt)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// InboxSummary is the agent's unread/ack backlog at a glance.
type InboxSummary struct {
	Unread       int            `json:"unread"`
	PendingAcks  int            `json:"pending_acks"`
	ByImportance map[string]int `json:"by_importance"`
}

// Summary returns unread and pending-ack counts without consuming a page.
func (s *Service) Summary(ctx context.Context, agent string) (*InboxSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.importance, m.ack_required, r.acked_at IS NULL
		FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE m.project_key = ? AND r.agent = ? AND r.read_at IS NULL`,
		s.db.ProjectKey, agent)
	if err != nil {
		return nil, fmt.Errorf("query inbox summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := &InboxSummary{ByImportance: make(map[string]int)}
	for rows.Next() {
		var (
			imp     string
			ackReq  int
			unacked int
		)
		if err := rows.Scan(&imp, &ackReq, &unacked); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summary.Unread++
		summary.ByImportance[imp]++
		if ackReq != 0 && unacked != 0 {
			summary.PendingAcks++
		}
	}
	return summary, rows.Err()
}

// ReadMessage returns the full message and marks it read for the agent.
// Reading is idempotent; the read event is appended only on first read.
func (s *Service) ReadMessage(ctx context.Context, agent, messageID string) (*types.Message, error) {
	if err := s.limiter.Allow(agent, "read_message"); err != nil {
		return nil, err
	}

	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	read, err := s.recipientStamped(ctx, messageID, agent, "read_at")
	if err != nil {
		return nil, err
	}
	if !read {
		if _, err := s.events.Append(ctx, &types.MessageReadPayload{
			MessageID: messageID,
			Agent:     agent,
		}, nil); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Ack acknowledges a message. Idempotent: repeated acks are no-ops.
func (s *Service) Ack(ctx context.Context, agent, messageID string) error {
	if _, err := s.getMessage(ctx, messageID); err != nil {
		return err
	}

	var isRecipient bool
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM message_recipients WHERE message_id = ? AND agent = ?",
		messageID, agent,
	).Scan(&isRecipient)
	if err != nil {
		return fmt.Errorf("query recipient: %w", err)
	}
	if !isRecipient {
		return errs.Validation("not_recipient", "agent %q is not a recipient of %s", agent, messageID)
	}

	acked, err := s.recipientStamped(ctx, messageID, agent, "acked_at")
	if err != nil {
		return err
	}
	if acked {
		return nil
	}
	_, err = s.events.Append(ctx, &types.MessageAckedPayload{
		MessageID: messageID,
		Agent:     agent,
	}, nil)
	return err
}

// SummarizeThread condenses a thread. When the analyzer is unavailable the
// summary degrades to first-sentence key points per message.
func (s *Service) SummarizeThread(ctx context.Context, agent, threadID string) (*types.ThreadSummary, error) {
	if err := s.limiter.Allow(agent, "summarize_thread"); err != nil {
		return nil, err
	}

	subject, err := s.threadSubject(ctx, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := s.ThreadMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errs.NotFound("empty_thread", "thread %s has no messages", threadID)
	}

	if s.summarizer != nil {
		summary, err := s.summarizer.SummarizeThread(ctx, subject, messages)
		if err == nil {
			summary.ThreadID = threadID
			summary.TotalMessages = len(messages)
			return summary, nil
		}
		s.log.Warn().Err(err).Str("thread", threadID).Msg("analyzer unavailable, using heuristic summary")
	}
	return heuristicSummary(threadID, messages), nil
}

// ThreadMessages returns a thread's messages in chronological order.
func (s *Service) ThreadMessages(ctx context.Context, threadID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, subject, body, thread_id, importance, ack_required, created_at
		FROM messages
		WHERE project_key = ? AND thread_id = ?
		ORDER BY created_at ASC, id ASC`,
		s.db.ProjectKey, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// ListThreads returns thread listings ordered by last activity.
func (s *Service) ListThreads(ctx context.Context, limit int) ([]*types.ThreadInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.thread_id, COALESCE(t.subject, ''), COUNT(m.id), COALESCE(MAX(m.created_at), t.created_at)
		FROM threads t
		LEFT JOIN messages m ON m.thread_id = t.thread_id
		WHERE t.project_key = ?
		GROUP BY t.thread_id
		ORDER BY 4 DESC
		LIMIT ?`,
		s.db.ProjectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []*types.ThreadInfo
	for rows.Next() {
		var (
			info   types.ThreadInfo
			lastMS int64
		)
		if err := rows.Scan(&info.ThreadID, &info.Subject, &info.MessageCount, &lastMS); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		info.LastActivity = time.UnixMilli(lastMS)
		threads = append(threads, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, info := range threads {
		participants, err := s.threadParticipants(ctx, info.ThreadID)
		if err != nil {
			return nil, err
		}
		info.Participants = participants
	}
	return threads, nil
}

// SearchResult is one full-text search hit.
type SearchResult struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// Search runs full-text search over message subjects and bodies, best
// matches first.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validation("empty_query", "search query cannot be empty")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.from_agent, m.subject,
		       snippet(messages_fts, 2, '[', ']', '…', 12),
		       m.created_at
		FROM messages_fts f
		JOIN messages m ON m.id = f.message_id
		WHERE messages_fts MATCH ? AND m.project_key = ?
		ORDER BY rank
		LIMIT ?`,
		ftsQuery(query), s.db.ProjectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*SearchResult
	for rows.Next() {
		var (
			r         SearchResult
			createdAt int64
		)
		if err := rows.Scan(&r.MessageID, &r.From, &r.Subject, &r.Snippet, &createdAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// NewThreadID mints a thread id for callers starting a conversation.
func (s *Service) NewThreadID() string { return identity.NewThreadID() }

func (s *Service) getMessage(ctx context.Context, messageID string) (*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, subject, body, thread_id, importance, ack_required, created_at
		FROM messages WHERE project_key = ? AND id = ?`,
		s.db.ProjectKey, messageID)
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errs.NotFound("message_not_found", "message %s does not exist", messageID)
	}
	msg := msgs[0]

	recipients, err := s.db.QueryContext(ctx,
		"SELECT agent FROM message_recipients WHERE message_id = ?", messageID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer func() { _ = recipients.Close() }()
	for recipients.Next() {
		var agent string
		if err := recipients.Scan(&agent); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		msg.ToAgents = append(msg.ToAgents, agent)
	}
	return msg, recipients.Err()
}

func (s *Service) recipientStamped(ctx context.Context, messageID, agent, column string) (bool, error) {
	var stamped bool
	err := s.db.QueryRowContext(ctx,
		"SELECT "+column+" IS NOT NULL FROM message_recipients WHERE message_id = ? AND agent = ?",
		messageID, agent,
	).Scan(&stamped)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query recipient stamp: %w", err)
	}
	return stamped, nil
}

func (s *Service) agentExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM agents WHERE project_key = ? AND name = ?",
		s.db.ProjectKey, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query agent existence: %w", err)
	}
	return exists, nil
}

func (s *Service) threadExists(ctx context.Context, threadID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM threads WHERE thread_id = ?", threadID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query thread existence: %w", err)
	}
	return exists, nil
}

func (s *Service) threadSubject(ctx context.Context, threadID string) (string, error) {
	var subject sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT subject FROM threads WHERE thread_id = ?", threadID,
	).Scan(&subject)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.NotFound("thread_not_found", "thread %s does not exist", threadID)
	}
	if err != nil {
		return "", fmt.Errorf("query thread: %w", err)
	}
	return subject.String, nil
}

func (s *Service) threadParticipants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT from_agent FROM messages WHERE thread_id = ?
		UNION
		SELECT DISTINCT r.agent FROM message_recipients r
		JOIN messages m ON m.id = r.message_id WHERE m.thread_id = ?
		ORDER BY 1`,
		threadID, threadID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, name)
	}
	return participants, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	var msgs []*types.Message
	for rows.Next() {
		var (
			m         types.Message
			threadID  sql.NullString
			imp       string
			ack       int
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.Subject, &m.Body, &threadID, &imp, &ack, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ThreadID = threadID.String
		m.Importance = types.Importance(imp)
		m.AckRequired = ack != 0
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// heuristicSummary builds a degraded summary: participants plus the first
// sentence of each message as a key point.
func heuristicSummary(threadID string, messages []*types.Message) *types.ThreadSummary {
	seen := make(map[string]bool)
	summary := &types.ThreadSummary{
		ThreadID:      threadID,
		TotalMessages: len(messages),
	}
	for _, m := range messages {
		if !seen[m.FromAgent] {
			seen[m.FromAgent] = true
			summary.Participants = append(summary.Participants, m.FromAgent)
		}
		if point := firstSentence(m.Body); point != "" {
			summary.KeyPoints = append(summary.KeyPoints, point)
		}
	}
	return summary
}

// firstSentence returns text up to the first sentence terminator, trimmed,
// capped at 200 characters.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if i := strings.IndexAny(text, ".!?\n"); i >= 0 {
		text = text[:i+1]
	}
	text = strings.TrimSpace(strings.TrimRight(text, "\n"))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// ftsQuery escapes a user query for FTS5 by quoting each term, so operators
// in user input cannot break the query syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
