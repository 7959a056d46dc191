package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/hive"
	"github.com/loomhq/loom/internal/substrate"
	"github.com/loomhq/loom/internal/types"
)

// resolveCell accepts full ids or unambiguous prefixes.
func resolveCell(cmd *cobra.Command, p *substrate.Project, ref string) (*types.Cell, error) {
	res, err := p.Hive.ResolvePartialID(cmd.Context(), ref)
	if err != nil {
		return nil, err
	}
	if len(res.Ambiguous) > 0 {
		return nil, errs.Validation("ambiguous_id",
			"%q matches %s", ref, strings.Join(res.Ambiguous, ", "))
	}
	return res.Found, nil
}

func newCellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cell",
		Short: "Track work items in the hive",
	}
	cmd.AddCommand(
		newCellCreateCmd(),
		newCellEpicCmd(),
		newCellUpdateCmd(),
		newCellCloseCmd(),
		newCellReopenCmd(),
		newCellDeleteCmd(),
		newCellShowCmd(),
		newCellListCmd(),
		newCellDepCmd(),
		newCellLabelCmd(),
		newCellCommentCmd(),
		newCellStatsCmd(),
		newCellStaleCmd(),
		newCellExportCmd(),
		newCellImportCmd(),
	)
	return cmd
}

func newCellCreateCmd() *cobra.Command {
	var (
		description string
		issueType   string
		priority    int
		parent      string
		assignee    string
		files       []string
		id          string
	)
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := p.Hive.Create(cmd.Context(), hive.CreateRequest{
				Title:       args[0],
				Description: description,
				IssueType:   types.IssueType(issueType),
				Priority:    priority,
				ParentID:    parent,
				Assignee:    assignee,
				Files:       files,
				ID:          id,
			})
			if err != nil {
				return err
			}
			return emit(cell, func() {
				fmt.Printf("Created %s\n", cell.ID)
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Longer description")
	cmd.Flags().StringVarP(&issueType, "type", "t", string(types.TypeTask), "task|bug|feature|epic|chore")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "0 (critical) to 4 (low)")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent epic id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Assigned agent")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Files this work will touch")
	cmd.Flags().StringVar(&id, "id", "", "Explicit id (derived when empty)")
	return cmd
}

func newCellEpicCmd() *cobra.Command {
	var (
		description string
		priority    int
		subtasks    []string
	)
	cmd := &cobra.Command{
		Use:   "epic <title>",
		Short: "Create an epic with subtasks in one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			specs := make([]hive.SubtaskSpec, 0, len(subtasks))
			for _, title := range subtasks {
				specs = append(specs, hive.SubtaskSpec{Title: title, Priority: priority})
			}
			epic, children, err := p.Hive.CreateEpic(cmd.Context(), args[0], description, priority, specs)
			if err != nil {
				return err
			}
			out := struct {
				Epic     *types.Cell   `json:"epic"`
				Subtasks []*types.Cell `json:"subtasks"`
			}{epic, children}
			return emit(out, func() {
				fmt.Printf("Created epic %s\n", epic.ID)
				for _, c := range children {
					fmt.Printf("  %s %s\n", c.ID, c.Title)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Longer description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "0 (critical) to 4 (low)")
	cmd.Flags().StringSliceVar(&subtasks, "subtask", nil, "Subtask title (repeatable)")
	return cmd
}

func newCellUpdateCmd() *cobra.Command {
	var (
		title       string
		description string
		priority    int
		assignee    string
		status      string
		files       []string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a cell's fields or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			var req hive.UpdateRequest
			if cmd.Flags().Changed("title") {
				req.Title = &title
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if cmd.Flags().Changed("assignee") {
				req.Assignee = &assignee
			}
			if cmd.Flags().Changed("status") {
				s := types.CellStatus(status)
				req.Status = &s
			}
			if cmd.Flags().Changed("file") {
				req.Files = files
			}
			updated, err := p.Hive.Update(cmd.Context(), cell.ID, req)
			if err != nil {
				return err
			}
			return emit(updated, func() {
				fmt.Printf("Updated %s (%s)\n", updated.ID, updated.Status)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "New priority")
	cmd.Flags().StringVar(&assignee, "assignee", "", "New assignee")
	cmd.Flags().StringVar(&status, "status", "", "open|in_progress|blocked|closed")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Replace the file touch-set")
	return cmd
}

func newCellCloseCmd() *cobra.Command {
	var (
		reason string
		result string
	)
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			closed, err := p.Hive.Close(cmd.Context(), cell.ID, reason, result)
			if err != nil {
				return err
			}
			return emit(closed, func() {
				fmt.Printf("Closed %s\n", closed.ID)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the cell is closing")
	cmd.Flags().StringVar(&result, "result", "", "What was produced")
	return cmd
}

func newCellReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			reopened, err := p.Hive.Reopen(cmd.Context(), cell.ID)
			if err != nil {
				return err
			}
			return emit(reopened, func() {
				fmt.Printf("Reopened %s\n", reopened.ID)
			})
		},
	}
}

func newCellDeleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a cell (leaves a tombstone for sync)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			if err := p.Hive.Delete(cmd.Context(), cell.ID, reason); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", cell.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the cell is deleted")
	return cmd
}

func newCellShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a cell with its dependencies and comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			deps, err := p.Hive.Dependencies(cmd.Context(), cell.ID)
			if err != nil {
				return err
			}
			comments, err := p.Hive.Comments(cmd.Context(), cell.ID)
			if err != nil {
				return err
			}
			cell.Dependencies = deps
			cell.Comments = comments
			return emit(cell, func() {
				fmt.Printf("%s  %s\n", cell.ID, cell.Title)
				fmt.Printf("  status %s, priority %d, type %s\n", cell.Status, cell.Priority, cell.IssueType)
				if cell.Assignee != "" {
					fmt.Printf("  assignee %s\n", cell.Assignee)
				}
				if cell.Description != "" {
					fmt.Printf("\n%s\n", cell.Description)
				}
				for _, d := range deps {
					fmt.Printf("  dep: %s %s %s\n", d.FromCell, d.Kind, d.ToCell)
				}
				for _, c := range comments {
					fmt.Printf("  [%s] %s: %s\n", c.CreatedAt.Format("01-02 15:04"), c.Author, c.Body)
				}
			})
		},
	}
}

func newCellListCmd() *cobra.Command {
	var (
		status    string
		issueType string
		parent    string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cells",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cells, err := p.Hive.Query(cmd.Context(), hive.QueryRequest{
				Status:   types.CellStatus(status),
				Type:     types.IssueType(issueType),
				ParentID: parent,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return emit(cells, func() {
				printCells(cells)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVarP(&issueType, "type", "t", "", "Filter by issue type")
	cmd.Flags().StringVar(&parent, "parent", "", "Filter by parent epic")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	return cmd
}

func printCells(cells []*types.Cell) {
	if len(cells) == 0 {
		fmt.Println("No cells")
		return
	}
	for _, c := range cells {
		fmt.Printf("%-24s P%d %-12s %s\n", c.ID, c.Priority, c.Status, c.Title)
	}
}

func newReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List cells ready to work on (open, unblocked, priority order)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cells, err := p.Hive.Ready(cmd.Context())
			if err != nil {
				return err
			}
			return emit(cells, func() {
				printCells(cells)
			})
		},
	}
}

func newBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List blocked cells with their blockers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			blocked, err := p.Hive.Blocked(cmd.Context())
			if err != nil {
				return err
			}
			return emit(blocked, func() {
				if len(blocked) == 0 {
					fmt.Println("Nothing blocked")
					return
				}
				for _, b := range blocked {
					fmt.Printf("%-24s %s\n", b.Cell.ID, b.Cell.Title)
					if len(b.Blockers) > 0 {
						fmt.Printf("    waiting on %s\n", strings.Join(b.Blockers, ", "))
					}
				}
			})
		},
	}
}

func newCellDepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage cell dependencies",
	}

	var kind string
	addCmd := &cobra.Command{
		Use:   "add <from> <to>",
		Short: "Add a dependency edge (from depends on to)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			from, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			to, err := resolveCell(cmd, p, args[1])
			if err != nil {
				return err
			}
			if err := p.Hive.AddDependency(cmd.Context(), from.ID, to.ID, types.DependencyKind(kind)); err != nil {
				return err
			}
			fmt.Printf("%s now %s %s\n", from.ID, kind, to.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&kind, "kind", string(types.DepBlockedBy), "blocks|blocked-by|related|discovered-from")

	var rmKind string
	rmCmd := &cobra.Command{
		Use:   "rm <from> <to>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			from, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			to, err := resolveCell(cmd, p, args[1])
			if err != nil {
				return err
			}
			return p.Hive.RemoveDependency(cmd.Context(), from.ID, to.ID, types.DependencyKind(rmKind))
		},
	}
	rmCmd.Flags().StringVar(&rmKind, "kind", string(types.DepBlockedBy), "Edge kind to remove")

	cmd.AddCommand(addCmd, rmCmd)
	return cmd
}

func newCellLabelCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "label <id> <label>",
		Short: "Add or remove a label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			if remove {
				return p.Hive.RemoveLabel(cmd.Context(), cell.ID, args[1])
			}
			return p.Hive.AddLabel(cmd.Context(), cell.ID, args[1])
		},
	}
	cmd.Flags().BoolVar(&remove, "rm", false, "Remove instead of add")
	return cmd
}

func newCellCommentCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "comment <id> <body>",
		Short: "Comment on a cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cell, err := resolveCell(cmd, p, args[0])
			if err != nil {
				return err
			}
			comment, err := p.Hive.AddComment(cmd.Context(), cell.ID, author, args[1])
			if err != nil {
				return err
			}
			return emit(comment, func() {
				fmt.Printf("Added comment %s\n", comment.ID)
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "Comment author")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newCellStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Hive statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			stats, err := p.Hive.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return emit(stats, func() {
				fmt.Printf("%d cells, average age %.1f days, max blocker depth %d\n",
					stats.Total, stats.AverageAgeDays, stats.MaxBlockerDepth)
				for status, n := range stats.ByStatus {
					fmt.Printf("  %-12s %d\n", status, n)
				}
			})
		},
	}
}

func newCellStaleCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List in-progress cells with no recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			cells, err := p.Hive.Stale(cmd.Context(), days)
			if err != nil {
				return err
			}
			return emit(cells, func() {
				printCells(cells)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Inactivity threshold")
	return cmd
}

func newCellExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the hive to a JSONL file",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			n, err := p.Hive.ExportJSONL(cmd.Context(), out)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d cells to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "cells.jsonl", "Output path")
	return cmd
}

func newCellImportCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSONL file with 3-way merge against the last export",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			result, err := p.Hive.ImportJSONL(cmd.Context(), in)
			if err != nil {
				return err
			}
			return emit(result, func() {
				fmt.Printf("Adopted %d, conflicts %d, dropped %d expired tombstones\n",
					result.Adopted, result.Conflicts, result.Dropped)
			})
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "cells.jsonl", "Input path")
	return cmd
}
