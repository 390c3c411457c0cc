package storage

import (
	"context"

	"github.com/atomoutput/reportoid/internal/types"
)

// AuditExport is a flat, tabular view of the audit trail.
type AuditExport struct {
	Columns []string         `json:"columns"`
	Rows    []types.AuditRow `json:"rows"`
}

// Records renders the header and every row as strings, ready for a CSV
// or spreadsheet writer.
func (e *AuditExport) Records() [][]string {
	out := make([][]string, 0, len(e.Rows)+1)
	out = append(out, e.Columns)
	for _, r := range e.Rows {
		out = append(out, r.Strings())
	}
	return out
}

// ExportAudit flattens the entries matching filter, newest first.
func ExportAudit(ctx context.Context, s Storage, filter types.AuditFilter) (*AuditExport, error) {
	export := &AuditExport{Columns: types.AuditExportColumns, Rows: []types.AuditRow{}}
	for entry, err := range s.AuditHistory(ctx, filter) {
		if err != nil {
			return nil, err
		}
		export.Rows = append(export.Rows, types.NewAuditRow(entry))
	}
	return export, nil
}
