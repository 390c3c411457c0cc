package quality

import (
	"context"
	"iter"

	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/types"
)

// History returns the audit entries matching filter, newest first.
func (e *Engine) History(ctx context.Context, filter types.AuditFilter) iter.Seq2[*types.AuditEntry, error] {
	return e.store.AuditHistory(ctx, filter)
}

// Entry returns a single audit entry.
func (e *Engine) Entry(ctx context.Context, id int64) (*types.AuditEntry, error) {
	return e.store.GetAuditEntry(ctx, id)
}

// Export flattens the audit entries matching filter for tabular export.
func (e *Engine) Export(ctx context.Context, filter types.AuditFilter) (*storage.AuditExport, error) {
	return storage.ExportAudit(ctx, e.store, filter)
}

// AuditStats summarises the audit trail.
func (e *Engine) AuditStats(ctx context.Context) (*types.AuditStats, error) {
	return e.store.AuditStats(ctx, e.now())
}

// Evict applies the configured retention policy to the audit trail.
func (e *Engine) Evict(ctx context.Context) (*types.EvictionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.EvictAudit(ctx, e.cfg.Audit.Policy(), e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("audit eviction complete",
		"by_age", res.ByAge,
		"by_count", res.ByCount,
		"protected", res.Protected,
		"remaining", res.Remaining)
	return res, nil
}

// EvictEntry removes one audit entry. An entry referenced by a reversal
// is refused with a reference integrity error.
func (e *Engine) EvictEntry(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.EvictAuditEntry(ctx, id); err != nil {
		return err
	}
	e.logger.Info("audit entry evicted", "entry", id)
	return nil
}
