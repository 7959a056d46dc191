// Package substrate assembles the per-project subsystems: storage, event
// log, mail and reservations, hive, and memory. The CLI and the stream
// server both talk to a Substrate rather than wiring subsystems themselves.
package substrate

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/analyzer"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/embedder"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/hive"
	"github.com/loomhq/loom/internal/mail"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/storage"
)

// Project bundles one project's wired subsystems.
type Project struct {
	Key    string
	DB     *storage.DB
	Events *eventstore.Store
	Mail   *mail.Service
	Hive   *hive.Service
	Memory *memory.Service
}

// Substrate owns the storage manager and the external clients, and opens
// projects on demand. Safe for concurrent use.
type Substrate struct {
	cfg *config.Config
	mgr *storage.Manager
	log zerolog.Logger

	embedder embedder.Embedder // nil when no endpoint is configured
	analyzer analyzer.Analyzer // nil when no API key is configured

	mu       sync.Mutex
	projects map[string]*Project

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepers    *errgroup.Group
}

// New builds a substrate from config. The embedder and analyzer are
// optional: without an embedder the memory store refuses writes and search
// degrades to FTS; without an analyzer, smart features fall back.
func New(cfg *config.Config, log zerolog.Logger) (*Substrate, error) {
	s := &Substrate{
		cfg:      cfg,
		mgr:      storage.NewManager(cfg.StateDir, log),
		log:      log.With().Str("component", "substrate").Logger(),
		projects: make(map[string]*Project),
	}

	if cfg.EmbedderURL != "" {
		s.embedder = embedder.NewClient(cfg.EmbedderURL, cfg.EmbedderModel, cfg.EmbedDim, embedder.Options{
			Timeout:      cfg.EmbedderTimeout,
			ChunkLimit:   cfg.ChunkLimit,
			ChunkOverlap: cfg.ChunkOverlap,
		}, log)
	}
	if cfg.AnthropicAPIKey != "" {
		an, err := analyzer.NewClaude(cfg.AnthropicAPIKey, cfg.AnalyzerModel, cfg.AnalyzerTimeout, log)
		if err != nil {
			return nil, err
		}
		s.analyzer = an
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCtx = ctx
	s.sweepCancel = cancel
	s.sweepers, s.sweepCtx = errgroup.WithContext(ctx)

	return s, nil
}

// Open returns the wired subsystems for a project, opening and caching them
// on first use. Opening a project starts its reservation TTL sweeper.
func (s *Substrate) Open(projectKey string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[projectKey]; ok {
		return p, nil
	}

	db, err := s.mgr.Get(projectKey)
	if err != nil {
		return nil, err
	}

	events := eventstore.New(db, s.log, s.cfg.SubscriberBuffer)

	var summarizer mail.ThreadSummarizer
	if s.analyzer != nil {
		summarizer = s.analyzer
	}
	limiter := mail.NewLimiter(db, s.cfg.RateLimitDisabled)
	mailSvc := mail.NewService(db, events, limiter, summarizer, s.log)
	hiveSvc := hive.NewService(db, events, mailSvc, s.cfg.TombstoneTTL, s.log)
	memorySvc := memory.NewService(db, events, s.embedder, s.analyzer, s.log)

	p := &Project{
		Key:    projectKey,
		DB:     db,
		Events: events,
		Mail:   mailSvc,
		Hive:   hiveSvc,
		Memory: memorySvc,
	}
	s.projects[projectKey] = p

	s.sweepers.Go(func() error {
		mailSvc.RunSweeper(s.sweepCtx, s.cfg.ReservationSweepInterval)
		return nil
	})

	return p, nil
}

// EventStore resolves a project's event store; it satisfies
// stream.StoreResolver.
func (s *Substrate) EventStore(_ context.Context, projectKey string) (*eventstore.Store, error) {
	p, err := s.Open(projectKey)
	if err != nil {
		return nil, err
	}
	return p.Events, nil
}

// Rebuild replays a project's event log through the projectors after
// clearing the projection-owned tables. Memory rows are written directly in
// append transactions (their events carry only ids), so the memory tables
// are deliberately left alone.
func (s *Substrate) Rebuild(ctx context.Context, projectKey string) error {
	p, err := s.Open(projectKey)
	if err != nil {
		return err
	}
	return p.Events.Rebuild(ctx, func(tx *sql.Tx) error {
		for _, table := range projectionTables {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return err
			}
		}
		return nil
	})
}

// projectionTables lists every table whose rows are derivable from the
// event log.
var projectionTables = []string{
	"agents",
	"messages",
	"message_recipients",
	"threads",
	"messages_fts",
	"reservations",
	"cells",
	"cell_dependencies",
	"cell_labels",
	"cell_comments",
}

// Close stops sweepers and closes every database.
func (s *Substrate) Close() error {
	s.sweepCancel()
	_ = s.sweepers.Wait()
	return s.mgr.Close()
}
