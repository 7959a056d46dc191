package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/memory"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store and search project memories",
	}
	cmd.AddCommand(
		newMemoryStoreCmd(),
		newMemoryUpsertCmd(),
		newMemoryFindCmd(),
		newMemoryGetCmd(),
		newMemoryRemoveCmd(),
		newMemoryListCmd(),
		newMemoryValidateCmd(),
		newMemorySupersedeCmd(),
		newMemoryChainCmd(),
		newMemoryEntityCmd(),
		newMemoryGraphCmd(),
		newMemoryRebuildLinksCmd(),
		newMemoryExportCmd(),
		newMemoryImportCmd(),
		newMemoryStatsCmd(),
	)
	return cmd
}

// storeFlags are shared between store and upsert.
type storeFlags struct {
	collection      string
	tags            []string
	confidence      float64
	autoTag         bool
	autoLink        bool
	extractEntities bool
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.collection, "collection", "c", "", "Collection name")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "Tags (repeatable)")
	cmd.Flags().Float64Var(&f.confidence, "confidence", 0.7, "Confidence in [0,1]")
	cmd.Flags().BoolVar(&f.autoTag, "auto-tag", false, "Generate tags with the analyzer")
	cmd.Flags().BoolVar(&f.autoLink, "auto-link", false, "Link to similar memories")
	cmd.Flags().BoolVar(&f.extractEntities, "extract-entities", false, "Extract entities and relationships")
}

func (f *storeFlags) request(content string) memory.StoreRequest {
	conf := f.confidence
	return memory.StoreRequest{
		Content:         content,
		Collection:      f.collection,
		Tags:            f.tags,
		Confidence:      &conf,
		AutoTag:         f.autoTag,
		AutoLink:        f.autoLink,
		ExtractEntities: f.extractEntities,
	}
}

func newMemoryStoreCmd() *cobra.Command {
	var flags storeFlags
	cmd := &cobra.Command{
		Use:   "store <content>",
		Short: "Store a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			result, err := p.Memory.Store(cmd.Context(), flags.request(args[0]))
			if err != nil {
				return err
			}
			return emit(result, func() {
				fmt.Printf("Stored %s\n", result.Memory.ID)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newMemoryUpsertCmd() *cobra.Command {
	var (
		flags storeFlags
		smart bool
	)
	cmd := &cobra.Command{
		Use:   "upsert <content>",
		Short: "Store with deduplication against similar memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			result, err := p.Memory.Upsert(cmd.Context(), memory.UpsertRequest{
				StoreRequest: flags.request(args[0]),
				UseSmartOps:  smart,
			})
			if err != nil {
				return err
			}
			return emit(result, func() {
				fmt.Printf("%s %s (%s)\n", result.Operation, result.ID, result.Reason)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&smart, "smart", true, "Let the analyzer arbitrate overlaps")
	return cmd
}

func newMemoryFindCmd() *cobra.Command {
	var (
		limit      int
		collection string
		expand     bool
		fts        bool
		tier       string
		track      bool
		validAt    string
	)
	cmd := &cobra.Command{
		Use:   "find <query>",
		Short: "Search memories (semantic, FTS fallback)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			req := memory.FindRequest{
				Limit:       limit,
				Collection:  collection,
				Expand:      expand,
				FTS:         fts,
				DecayTier:   memory.DecayTier(tier),
				TrackAccess: track,
			}
			var results []*memory.SearchResult
			if validAt != "" {
				at, perr := time.Parse(time.RFC3339, validAt)
				if perr != nil {
					return fmt.Errorf("parse --valid-at: %w", perr)
				}
				results, err = p.Memory.FindValidAt(cmd.Context(), args[0], at, req)
			} else {
				results, err = p.Memory.Find(cmd.Context(), args[0], req)
			}
			if err != nil {
				return err
			}
			return emitResults(results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Max results")
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Restrict to a collection")
	cmd.Flags().BoolVar(&expand, "expand", false, "Full content instead of snippets")
	cmd.Flags().BoolVar(&fts, "fts", false, "Force full-text search")
	cmd.Flags().StringVar(&tier, "tier", "", "hot|warm|all recency tier")
	cmd.Flags().BoolVar(&track, "track", false, "Record access for found memories")
	cmd.Flags().StringVar(&validAt, "valid-at", "", "Point-in-time validity (RFC3339)")
	return cmd
}

func emitResults(results []*memory.SearchResult) error {
	return emit(results, func() {
		if len(results) == 0 {
			fmt.Println("No matches")
			return
		}
		for _, r := range results {
			fmt.Printf("%.3f %-20s %s\n", r.Score, r.Memory.ID, r.Memory.Content)
		}
	})
}

func newMemoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			mem, err := p.Memory.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(mem, func() {
				fmt.Printf("%s [%s] confidence %.2f\n%s\n", mem.ID, mem.Collection, mem.Confidence, mem.Content)
			})
		},
	}
}

func newMemoryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a memory and its links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			return p.Memory.Remove(cmd.Context(), args[0])
		},
	}
}

func newMemoryListCmd() *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			memories, err := p.Memory.List(cmd.Context(), collection)
			if err != nil {
				return err
			}
			return emit(memories, func() {
				for _, m := range memories {
					fmt.Printf("%-20s [%s] %s\n", m.ID, m.Collection, m.Content)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Restrict to a collection")
	return cmd
}

func newMemoryValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Confirm a memory is still accurate (resets its decay clock)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			return p.Memory.Validate(cmd.Context(), args[0])
		},
	}
}

func newMemorySupersedeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supersede <old-id> <new-id>",
		Short: "Mark a memory as replaced by a newer one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			return p.Memory.Supersede(cmd.Context(), args[0], args[1])
		},
	}
}

func newMemoryChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <id>",
		Short: "Show a memory's supersession chain, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			chain, err := p.Memory.GetSupersessionChain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(chain, func() {
				for i, m := range chain {
					marker := " "
					if m.SupersededBy == "" {
						marker = "*"
					}
					fmt.Printf("%s %d. %-20s %s\n", marker, i+1, m.ID, m.Content)
				}
			})
		},
	}
}

func newMemoryEntityCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "entity <name>",
		Short: "Find memories mentioning an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			memories, err := p.Memory.FindByEntity(cmd.Context(), args[0], entityType)
			if err != nil {
				return err
			}
			return emit(memories, func() {
				for _, m := range memories {
					fmt.Printf("%-20s %s\n", m.ID, m.Content)
				}
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type filter")
	return cmd
}

func newMemoryGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <id>",
		Short: "Show the entities and relationships around a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			graph, err := p.Memory.GetKnowledgeGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(graph, func() {
				names := make(map[int64]string, len(graph.Entities))
				for _, e := range graph.Entities {
					names[e.ID] = e.Name
					fmt.Printf("entity %s (%s)\n", e.Name, e.EntityType)
				}
				for _, r := range graph.Relationships {
					fmt.Printf("  %s %s %s\n", names[r.SubjectEntity], r.Predicate, names[r.ObjectEntity])
				}
			})
		},
	}
}

func newMemoryRebuildLinksCmd() *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:   "rebuild-links",
		Short: "Recompute auto links from stored embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			n, err := p.Memory.RebuildLinks(cmd.Context(), collection)
			if err != nil {
				return err
			}
			fmt.Printf("Rebuilt %d link(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Restrict to a collection")
	return cmd
}

func newMemoryExportCmd() *cobra.Command {
	var (
		out        string
		collection string
		since      string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories to a JSONL file (embeddings omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			opts := memory.ExportOptions{Collection: collection}
			if since != "" {
				at, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
				opts.Since = &at
			}
			n, err := p.Memory.ExportJSONL(cmd.Context(), out, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d memories to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "memories.jsonl", "Output path")
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Restrict to a collection")
	cmd.Flags().StringVar(&since, "since", "", "Only memories updated since (RFC3339)")
	return cmd
}

func newMemoryImportCmd() *cobra.Command {
	var (
		in       string
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memories from a JSONL file, re-embedding as it goes",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			result, err := p.Memory.ImportJSONL(cmd.Context(), in, memory.ImportStrategy(strategy))
			if err != nil {
				return err
			}
			return emit(result, func() {
				fmt.Printf("Added %d, updated %d, skipped %d (%d re-embedded)\n",
					result.Added, result.Updated, result.Skipped, result.Embedded)
			})
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "memories.jsonl", "Input path")
	cmd.Flags().StringVar(&strategy, "strategy", "skip_existing", "skip_existing|upsert")
	return cmd
}

func newMemoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Memory store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			stats, err := p.Memory.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return emit(stats, func() {
				fmt.Printf("%d memories, %d entities, %d links, avg confidence %.2f\n",
					stats.Total, stats.Entities, stats.Links, stats.AvgConfidence)
				for coll, n := range stats.ByCollection {
					fmt.Printf("  %-16s %d\n", coll, n)
				}
			})
		},
	}
}
