// Package quality is the entry point of the data quality engine.
//
// An Engine ties the pieces together: tickets are ingested into the
// store, analysis passes cluster the active tickets into duplicate groups,
// review decisions flow through the reprocessing pipeline, and after every
// change a fresh read-only Snapshot is published for report and UI
// collaborators. Readers always see either the state before a batch or
// the state after it.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atomoutput/reportoid/internal/config"
	"github.com/atomoutput/reportoid/internal/deduplication"
	"github.com/atomoutput/reportoid/internal/merge"
	"github.com/atomoutput/reportoid/internal/reprocess"
	"github.com/atomoutput/reportoid/internal/similarity"
	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// Engine is the data quality engine. It is safe for concurrent use;
// decision batches are serialized by the pipeline.
type Engine struct {
	store     storage.Storage
	cfg       config.Config
	clusterer deduplication.Clusterer
	merger    *merge.Engine
	pipeline  *reprocess.Pipeline
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes writers: ingestion, analysis passes, decision
	// batches and eviction.
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source for audit timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Snapshot is an immutable view of the dataset at one point in time.
// Callers must not modify it.
type Snapshot struct {
	// Tickets are the effective tickets, active and inactive, ordered by
	// creation time.
	Tickets []types.Ticket `json:"tickets"`

	// Groups are every stored duplicate group, highest confidence first.
	Groups []*types.DuplicateGroup `json:"groups"`

	Stats   *reprocess.DatasetStats `json:"stats"`
	TakenAt time.Time               `json:"taken_at"`
}

// Active returns the active tickets of the snapshot.
func (s *Snapshot) Active() []types.Ticket {
	out := make([]types.Ticket, 0, len(s.Tickets))
	for _, t := range s.Tickets {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out
}

// New creates an engine over store. The configuration must be valid.
func New(store storage.Storage, cfg config.Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.ValidationError("invalid configuration: %v", err)
	}

	e := &Engine{store: store, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	scorer := similarity.NewScorer(
		similarity.WithAdjacentPriorityScore(cfg.Clustering.AdjacentPriorityScore),
		similarity.WithNormalizer(similarity.NewNormalizer(cfg.Synonyms)),
	)
	clusterer, err := deduplication.NewSimilarityClusterer(scorer, cfg.Clustering, e.logger)
	if err != nil {
		return nil, err
	}
	e.clusterer = clusterer
	e.merger = merge.New(store, merge.WithLogger(e.logger), merge.WithClock(e.now))

	e.pipeline, err = reprocess.NewPipeline(&reprocess.Config{
		Store:              store,
		Applier:            e.merger,
		PartialMergePolicy: cfg.Review.PartialMergePolicy,
		Reclusterer:        e.reclusterExcluded,
		Logger:             e.logger,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Snapshot returns the most recently published snapshot, or nil before
// the first Refresh.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Refresh reads the dataset from the store and publishes it as the
// current snapshot. It waits for any running batch to finish.
func (e *Engine) Refresh(ctx context.Context) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publish(ctx)
}

// publish reads the dataset and stores it as the current snapshot. The
// caller must hold e.mu.
func (e *Engine) publish(ctx context.Context) (*Snapshot, error) {
	stored, err := e.store.ListTickets(ctx, types.TicketFilter{})
	if err != nil {
		return nil, err
	}
	groups, err := e.store.ListGroups(ctx, types.GroupFilter{})
	if err != nil {
		return nil, err
	}
	stats, err := reprocess.ComputeStats(ctx, e.store)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Tickets: make([]types.Ticket, len(stored)),
		Groups:  groups,
		Stats:   stats,
		TakenAt: e.now().UTC(),
	}
	for i, st := range stored {
		snap.Tickets[i] = st.Effective()
	}
	e.snapshot.Store(snap)
	return snap, nil
}

// Ingest stores new tickets and publishes a fresh snapshot. Tickets
// already stored with the same attributes are reported unchanged; those
// stored with different attributes are reported as conflicts and left
// alone.
func (e *Engine) Ingest(ctx context.Context, tickets []types.Ticket) (*storage.IngestResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.IngestTickets(ctx, tickets)
	if err != nil {
		return nil, err
	}
	e.logger.Info("tickets ingested",
		"inserted", len(res.Inserted),
		"unchanged", len(res.Unchanged),
		"conflicts", len(res.Conflicts))
	if len(res.Conflicts) > 0 {
		e.logger.Warn("ingested tickets differ from stored records and were ignored", "tickets", res.Conflicts)
	}
	if _, err := e.publish(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// GroupView is a duplicate group with its review flag.
type GroupView struct {
	*types.DuplicateGroup
	Flag types.ConfidenceFlag `json:"flag"`
}

// Groups lists the stored groups matching filter, highest confidence
// first, flagged against the review thresholds.
func (e *Engine) Groups(ctx context.Context, filter types.GroupFilter) ([]GroupView, error) {
	groups, err := e.store.ListGroups(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]GroupView, len(groups))
	for i, g := range groups {
		views[i] = GroupView{DuplicateGroup: g, Flag: e.flag(g)}
	}
	return views, nil
}

func (e *Engine) flag(g *types.DuplicateGroup) types.ConfidenceFlag {
	return g.Flag(e.cfg.Review.HighConfidenceThreshold, e.cfg.Review.ManualReviewThreshold)
}
