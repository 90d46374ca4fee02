package importer

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/vault-import/internal/reconcile"
	"github.com/alexjbarnes/vault-import/internal/source"
)

// Plan is the outcome of a dry run: the first stage's operations and how
// the batch's records split between existing and new.
type Plan struct {
	Commands        map[string]int `json:"commands"`
	FoldersSkipped  int            `json:"folders_skipped"`
	GrantsDropped   int            `json:"grants_dropped"`
	RecordsMatched  int            `json:"records_matched"`
	RecordsToCreate int            `json:"records_to_create"`
}

// Plan computes what Run would do first without changing the vault.
// Later stages depend on the vault's response to the first, so they are
// summarized as record counts only.
func (e *Engine) Plan(ctx context.Context, b *source.Batch) (*Plan, error) {
	snap, err := e.vault.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching vault snapshot: %w", err)
	}

	var sum Summary

	ops := e.planFolders(ctx, snap, b, &sum)

	p := &Plan{
		Commands:       reconcile.CountByCommand(ops),
		FoldersSkipped: sum.FoldersSkipped,
		GrantsDropped:  sum.GrantsDropped,
	}

	ix := reconcile.BuildIndex(snap)
	seen := make(map[reconcile.Fingerprint]bool)

	for _, r := range b.Records {
		fp := reconcile.RecordFingerprint(r.Title, r.Login, r.Password)

		if _, ok := ix.LookupRecord(fp); ok || seen[fp] {
			p.RecordsMatched++
			continue
		}

		seen[fp] = true
		p.RecordsToCreate++
	}

	return p, nil
}
