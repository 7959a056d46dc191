package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/mail"
	"github.com/loomhq/loom/internal/types"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register and inspect agents",
	}

	var (
		name    string
		program string
		model   string
		task    string
	)
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent (generates a name when none is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			agent, err := p.Mail.RegisterAgent(cmd.Context(), name, program, model, task)
			if err != nil {
				return err
			}
			return emit(agent, func() {
				fmt.Printf("Registered as %s\n", agent.Name)
			})
		},
	}
	registerCmd.Flags().StringVar(&name, "name", "", "Agent name (generated when empty)")
	registerCmd.Flags().StringVar(&program, "program", "", "Agent program")
	registerCmd.Flags().StringVar(&model, "model", "", "Agent model")
	registerCmd.Flags().StringVar(&task, "task", "", "What this agent is working on")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			agents, err := p.Mail.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			return emit(agents, func() {
				for _, a := range agents {
					fmt.Printf("%-20s %-10s last active %s\n", a.Name, a.Program, a.LastActiveAt.Format("2006-01-02 15:04"))
				}
			})
		},
	}

	activeCmd := &cobra.Command{
		Use:   "active <name>",
		Short: "Record an activity heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			return p.Mail.TouchAgent(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(registerCmd, listCmd, activeCmd)
	return cmd
}

func newSendCmd() *cobra.Command {
	var (
		from        string
		to          []string
		subject     string
		thread      string
		importance  string
		ackRequired bool
	)
	cmd := &cobra.Command{
		Use:   "send <body>",
		Short: "Send a message to one or more agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			msg, err := p.Mail.Send(cmd.Context(), mail.SendRequest{
				From:        from,
				To:          to,
				Subject:     subject,
				Body:        args[0],
				ThreadID:    thread,
				Importance:  types.Importance(importance),
				AckRequired: ackRequired,
			})
			if err != nil {
				return err
			}
			return emit(msg, func() {
				fmt.Printf("Sent %s to %s\n", msg.ID, strings.Join(msg.ToAgents, ", "))
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sending agent")
	cmd.Flags().StringSliceVar(&to, "to", nil, "Recipient agents")
	cmd.Flags().StringVar(&subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&thread, "thread", "", "Thread id to attach to")
	cmd.Flags().StringVar(&importance, "importance", string(types.ImportanceNormal), "low|normal|high|urgent")
	cmd.Flags().BoolVar(&ackRequired, "ack", false, "Require acknowledgement")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newInboxCmd() *cobra.Command {
	var (
		summary bool
		limit   int
		urgent  bool
		since   string
	)
	cmd := &cobra.Command{
		Use:   "inbox <agent>",
		Short: "Show unread messages (most important first, five at a time)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			if summary {
				s, err := p.Mail.Summary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(s, func() {
					fmt.Printf("%d unread, %d awaiting ack\n", s.Unread, s.PendingAcks)
				})
			}
			opts := mail.InboxOptions{Limit: limit, UrgentOnly: urgent}
			if since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
				opts.Since = ts
			}
			items, err := p.Mail.Inbox(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return emit(items, func() {
				if len(items) == 0 {
					fmt.Println("Inbox empty")
					return
				}
				for _, item := range items {
					marker := " "
					if item.AckRequired {
						marker = "!"
					}
					fmt.Printf("%s [%s] %-28s %s  from %s\n",
						marker, item.Importance, item.MessageID, item.Subject, item.From)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Counts only")
	cmd.Flags().IntVar(&limit, "limit", mail.InboxCap, "Page size (capped at 5)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "Urgent messages only")
	cmd.Flags().StringVar(&since, "since", "", "Only messages created at or after this RFC3339 time")
	return cmd
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <agent> <message-id>",
		Short: "Read a message (marks it read)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			msg, err := p.Mail.ReadMessage(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return emit(msg, func() {
				fmt.Printf("From: %s\nSubject: %s\n\n%s\n", msg.FromAgent, msg.Subject, msg.Body)
			})
		},
	}
	return cmd
}

func newAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <agent> <message-id>",
		Short: "Acknowledge a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			return p.Mail.Ack(cmd.Context(), args[0], args[1])
		},
	}
	return cmd
}

func newThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "List and summarize message threads",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			threads, err := p.Mail.ListThreads(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return emit(threads, func() {
				for _, t := range threads {
					fmt.Printf("%-28s %-40s %d messages\n", t.ThreadID, t.Subject, t.MessageCount)
				}
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Max threads")

	showCmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show a thread's messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			msgs, err := p.Mail.ThreadMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(msgs, func() {
				for _, m := range msgs {
					fmt.Printf("--- %s (%s)\n%s\n", m.FromAgent, m.CreatedAt.Format("15:04:05"), m.Body)
				}
			})
		},
	}

	var agent string
	summarizeCmd := &cobra.Command{
		Use:   "summarize <thread-id>",
		Short: "Summarize a thread (analyzer-backed, heuristic fallback)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			summary, err := p.Mail.SummarizeThread(cmd.Context(), agent, args[0])
			if err != nil {
				return err
			}
			return emit(summary, func() {
				fmt.Printf("Participants: %s\n", strings.Join(summary.Participants, ", "))
				for _, point := range summary.KeyPoints {
					fmt.Printf("  - %s\n", point)
				}
				for _, item := range summary.ActionItems {
					fmt.Printf("  TODO %s\n", item)
				}
			})
		},
	}
	summarizeCmd.Flags().StringVar(&agent, "agent", "", "Requesting agent (for rate limiting)")
	_ = summarizeCmd.MarkFlagRequired("agent")

	cmd.AddCommand(listCmd, showCmd, summarizeCmd)
	return cmd
}

func newSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			results, err := p.Mail.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return emit(results, func() {
				for _, r := range results {
					fmt.Printf("%-28s %-30s %s\n", r.MessageID, r.Subject, r.Snippet)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max results")
	return cmd
}
