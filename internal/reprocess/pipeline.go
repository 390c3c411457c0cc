// Package reprocess applies batches of review decisions to the dataset
// and recomputes the statistics that depend on it.
package reprocess

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atomoutput/reportoid/internal/merge"
	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// Applier applies single decisions. *merge.Engine implements it.
type Applier interface {
	Merge(ctx context.Context, d types.MergeDecision) (*merge.Result, error)
	Dismiss(ctx context.Context, d types.DismissDecision) (*merge.Result, error)
	Skip(ctx context.Context, d types.SkipDecision) (*merge.Result, error)
	Reverse(ctx context.Context, d types.ReversalDecision) (*merge.Result, error)
	Correct(ctx context.Context, d types.CorrectionDecision) (*merge.Result, error)
}

// Reclusterer offers the given tickets for grouping again and returns the
// IDs of any groups it created.
type Reclusterer func(ctx context.Context, ticketIDs []string) ([]string, error)

// Status is the outcome of one decision in a batch.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DecisionResult reports what happened to one decision.
type DecisionResult struct {
	Index    int             `json:"index"`
	Decision string          `json:"decision"`
	Status   Status          `json:"status"`
	Kind     types.ErrorKind `json:"error_kind,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Result   *merge.Result   `json:"result,omitempty"`

	// Regrouped lists groups created for members excluded from a partial
	// merge under the immediate policy.
	Regrouped []string `json:"regrouped,omitempty"`

	// Err is the error behind a rejected or failed decision.
	Err error `json:"-"`
}

// ChangeSet lists what a batch touched so collaborators can invalidate
// precisely. All slices are sorted.
type ChangeSet struct {
	Tickets      []string `json:"tickets"`
	Groups       []string `json:"groups"`
	Sites        []string `json:"sites"`
	Entries      []int64  `json:"audit_entries"`
	StatsChanged bool     `json:"stats_changed"`
}

// IsEmpty reports whether the batch changed nothing.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Tickets) == 0 && len(c.Groups) == 0 && len(c.Entries) == 0 && !c.StatsChanged
}

// Result is the outcome of a batch.
type Result struct {
	BatchID   string           `json:"batch_id"`
	Decisions []DecisionResult `json:"decisions"`
	Changes   ChangeSet        `json:"changes"`
	Stats     *DatasetStats    `json:"stats"`
	Applied   int              `json:"applied"`
	Rejected  int              `json:"rejected"`
	Failed    int              `json:"failed"`
	Cancelled int              `json:"cancelled"`
	Duration  time.Duration    `json:"duration"`
}

// Config holds the collaborators of a Pipeline.
type Config struct {
	Store   storage.Storage // Required
	Applier Applier         // Required

	// PartialMergePolicy decides whether Reclusterer runs after a
	// partial merge. Defaults to next_pass.
	PartialMergePolicy types.PartialMergePolicy

	// Reclusterer is required by the immediate policy.
	Reclusterer Reclusterer

	Logger *slog.Logger
}

// Pipeline applies decision batches one at a time.
type Pipeline struct {
	mu        sync.Mutex
	store     storage.Storage
	applier   Applier
	policy    types.PartialMergePolicy
	recluster Reclusterer
	logger    *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	policy := cfg.PartialMergePolicy
	if policy == "" {
		policy = types.PartialMergeNextPass
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("invalid partial merge policy %q", policy)
	}
	if policy == types.PartialMergeImmediate && cfg.Reclusterer == nil {
		return nil, fmt.Errorf("the immediate partial merge policy requires a reclusterer")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     cfg.Store,
		applier:   cfg.Applier,
		policy:    policy,
		recluster: cfg.Reclusterer,
		logger:    logger,
	}, nil
}

// ApplyPending applies decisions in submission order, each in its own
// transaction. A rejected or failed decision does not undo the ones
// before it. Cancellation is checked before every decision; decisions
// not started are reported as cancelled.
//
// After the batch the dataset statistics are recomputed and compared
// with the statistics before it. An empty batch changes nothing and
// reproduces the same statistics byte for byte.
//
// The returned error is non-nil only when the statistics cannot be
// computed; per-decision failures are reported in the result.
func (p *Pipeline) ApplyPending(ctx context.Context, decisions []types.Decision) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	// Statistics are computed even for a cancelled batch so committed
	// decisions are always reported.
	statsCtx := context.WithoutCancel(ctx)
	before, err := ComputeStats(statsCtx, p.store)
	if err != nil {
		return nil, err
	}

	res := &Result{
		BatchID:   uuid.New().String(),
		Decisions: make([]DecisionResult, 0, len(decisions)),
	}
	var (
		tickets []string
		groups  []string
		entries []int64
	)

	for i, d := range decisions {
		dr := DecisionResult{Index: i, Decision: describe(d)}

		if err := ctx.Err(); err != nil {
			dr.Status = StatusCancelled
			dr.Reason = err.Error()
			res.Decisions = append(res.Decisions, dr)
			res.Cancelled++
			continue
		}

		r, err := p.apply(ctx, d)
		if err != nil {
			dr.Err = err
			dr.Kind = types.ErrorKindOf(err)
			dr.Reason = err.Error()
			if dr.Kind == types.KindStorage {
				dr.Status = StatusFailed
				res.Failed++
				p.logger.Error("decision failed", "batch", res.BatchID, "index", i, "decision", dr.Decision, "error", err)
			} else {
				dr.Status = StatusRejected
				res.Rejected++
				p.logger.Warn("decision rejected", "batch", res.BatchID, "index", i, "decision", dr.Decision,
					"kind", dr.Kind, "reason", dr.Reason)
			}
			res.Decisions = append(res.Decisions, dr)
			continue
		}

		dr.Status = StatusApplied
		dr.Result = r
		res.Applied++
		tickets = append(tickets, r.Tickets...)
		if r.GroupID != "" {
			groups = append(groups, r.GroupID)
		}
		groups = append(groups, r.DroppedGroups...)
		if r.Entry != nil {
			entries = append(entries, r.Entry.ID)
		}

		if len(r.Excluded) > 0 && p.policy == types.PartialMergeImmediate {
			created, err := p.recluster(ctx, r.Excluded)
			if err != nil {
				// The merge itself is committed; the excluded members
				// are picked up by the next analysis pass instead.
				p.logger.Warn("re-clustering excluded members failed", "batch", res.BatchID,
					"group", r.GroupID, "error", err)
			}
			dr.Regrouped = created
			groups = append(groups, created...)
		}
		res.Decisions = append(res.Decisions, dr)
	}

	after, err := ComputeStats(statsCtx, p.store)
	if err != nil {
		return nil, err
	}
	res.Stats = after
	res.Changes = ChangeSet{
		Tickets:      sortedUnique(tickets),
		Groups:       sortedUnique(groups),
		Entries:      sortedUnique(entries),
		StatsChanged: before.Fingerprint != after.Fingerprint,
	}
	var sites []string
	for _, id := range res.Changes.Tickets {
		if site, ok := after.SiteOf(id); ok {
			sites = append(sites, site)
		}
	}
	res.Changes.Sites = sortedUnique(sites)
	res.Duration = time.Since(start)

	p.logger.Info("batch applied",
		"batch", res.BatchID,
		"decisions", len(decisions),
		"applied", res.Applied,
		"rejected", res.Rejected,
		"failed", res.Failed,
		"cancelled", res.Cancelled,
		"stats_changed", res.Changes.StatsChanged,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (p *Pipeline) apply(ctx context.Context, d types.Decision) (*merge.Result, error) {
	switch d := d.(type) {
	case types.MergeDecision:
		return p.applier.Merge(ctx, d)
	case types.DismissDecision:
		return p.applier.Dismiss(ctx, d)
	case types.SkipDecision:
		return p.applier.Skip(ctx, d)
	case types.ReversalDecision:
		return p.applier.Reverse(ctx, d)
	case types.CorrectionDecision:
		return p.applier.Correct(ctx, d)
	case nil:
		return nil, types.ValidationError("decision is nil")
	}
	return nil, types.ValidationError("unsupported decision type %T", d)
}

func describe(d types.Decision) string {
	if d == nil {
		return "<nil>"
	}
	return d.String()
}

func sortedUnique[T string | int64](in []T) []T {
	out := slices.Clone(in)
	if out == nil {
		out = []T{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
