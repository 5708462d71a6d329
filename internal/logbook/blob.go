package logbook

import (
	"context"

	"github.com/nugget/vigil/internal/surface"
)

// BlobPersister keeps the logbook only as the analysis.analysisHistory
// JSON array on the state surface. Save has nothing to do because the
// Logbook rewrites that projection on every append.
type BlobPersister struct {
	surface *surface.Surface
}

// NewBlobPersister creates a persister reading from surf.
func NewBlobPersister(surf *surface.Surface) *BlobPersister {
	return &BlobPersister{surface: surf}
}

// Save is a no-op.
func (p *BlobPersister) Save(context.Context, Entry, []Entry) error {
	return nil
}

// Load parses the persisted array.
func (p *BlobPersister) Load(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	if _, err := p.surface.GetJSON(ctx, surface.NamespaceAnalysis, surface.KeyAnalysisHistory, &entries); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
