// Package importer runs the staged import pipeline: folders and shared
// folder ACLs first, then records, then links, then record permission
// corrections. Each stage plans against a fresh snapshot and is applied
// through the batch executor before the next stage starts.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/vault-import/internal/batch"
	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/reconcile"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/alexjbarnes/vault-import/internal/source"
)

// Vault is the remote store the engine imports into.
type Vault interface {
	batch.Submitter
	batch.Refresher
	reconcile.Directory
}

// Summary counts what one import run planned and delivered.
type Summary struct {
	FoldersPlanned    int `json:"folders_planned"`
	FoldersSkipped    int `json:"folders_skipped"`
	PermissionUpdates int `json:"permission_updates"`
	GrantsDropped     int `json:"grants_dropped"`
	RecordsMatched    int `json:"records_matched"`
	RecordsPlanned    int `json:"records_planned"`
	RecordsFailed     int `json:"records_failed"`
	LinksPlanned      int `json:"links_planned"`
	LinksDropped      int `json:"links_dropped"`
	RecordACLUpdates  int `json:"record_acl_updates"`
	// RecordsAdded is the change in the vault's record count over the run.
	RecordsAdded int         `json:"records_added"`
	Batch        batch.Stats `json:"batch"`
}

// Operations returns the total number of planned operations.
func (s Summary) Operations() int {
	return s.FoldersPlanned + s.PermissionUpdates + s.RecordsPlanned + s.LinksPlanned + s.RecordACLUpdates
}

// Engine imports batches into a vault.
type Engine struct {
	vault    Vault
	executor *batch.Executor
	logger   *slog.Logger
}

// New creates an engine. The options configure the batch executor.
func New(v Vault, logger *slog.Logger, opts ...batch.Option) *Engine {
	return &Engine{
		vault:    v,
		executor: batch.NewExecutor(v, v, logger, opts...),
		logger:   logger,
	}
}

// Run imports the batch. Objects in b are resolved in place. Conditions
// affecting a single folder, grant or record are logged and counted; an
// error is returned only when the vault cannot be read, in which case
// the remaining stages are not attempted.
func (e *Engine) Run(ctx context.Context, b *source.Batch) (Summary, error) {
	var sum Summary

	start := time.Now()

	e.logger.Info("import starting",
		slog.Int("shared_folders", len(b.SharedFolders)),
		slog.Int("records", len(b.Records)),
	)

	snap, err := e.vault.Refresh(ctx)
	if err != nil {
		return sum, fmt.Errorf("fetching vault snapshot: %w", err)
	}

	before := len(snap.Records)

	stages := []struct {
		name string
		plan func(context.Context, *snapshot.Snapshot, *source.Batch, *Summary) []reconcile.Operation
	}{
		{"folders", e.planFolders},
		{"records", e.planRecords},
		{"links", e.planLinks},
		{"record permissions", e.planRecordPermissions},
	}

	for _, st := range stages {
		ops := st.plan(ctx, snap, b, &sum)

		snap, err = e.apply(ctx, st.name, ops, snap, &sum)
		if err != nil {
			return sum, err
		}
	}

	sum.RecordsAdded = len(snap.Records) - before

	e.logger.Info("import complete",
		slog.Int("operations", sum.Operations()),
		slog.Int("records_added", sum.RecordsAdded),
		slog.Int("records_matched", sum.RecordsMatched),
		slog.Int("folders_skipped", sum.FoldersSkipped),
		slog.Int("grants_dropped", sum.GrantsDropped),
		slog.Int("dropped", sum.Batch.Dropped),
		slog.Duration("elapsed", time.Since(start)),
	)

	return sum, nil
}

// apply delivers one stage's operations and returns the snapshot the
// next stage plans against. An empty stage changes nothing, so the
// current snapshot is kept.
func (e *Engine) apply(ctx context.Context, stage string, ops []reconcile.Operation, snap *snapshot.Snapshot, sum *Summary) (*snapshot.Snapshot, error) {
	if len(ops) == 0 {
		e.logger.Debug("import stage has nothing to do", slog.String("stage", stage))
		return snap, nil
	}

	e.logger.Info("import stage applying",
		slog.String("stage", stage),
		slog.Int("operations", len(ops)),
	)

	stats, fresh, err := e.executor.Run(ctx, ops)
	sum.Batch.Add(stats)

	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}

	return fresh, nil
}

func (e *Engine) planFolders(ctx context.Context, snap *snapshot.Snapshot, b *source.Batch, sum *Summary) []reconcile.Operation {
	w := keywrap.NewWrapper(snap)
	tb := reconcile.NewTreeBuilder(reconcile.BuildIndex(snap), w, e.logger)

	for _, f := range b.Folders() {
		tb.Place(f)
	}

	perms := reconcile.NewPermissionReconciler(snap, w, e.vault, e.logger)
	aclOps := perms.Reconcile(ctx, e.aclTargets(b, tb))

	sum.FoldersPlanned += len(tb.Operations())
	sum.FoldersSkipped += tb.Skipped()
	sum.PermissionUpdates += len(aclOps)
	sum.GrantsDropped += perms.Dropped()

	return append(append([]reconcile.Operation(nil), tb.Operations()...), aclOps...)
}

// aclTargets collects the grantees declared for every shared folder the
// batch reaches: declared shared folders carry defaults, record folders
// only grantees.
func (e *Engine) aclTargets(b *source.Batch, tb *reconcile.TreeBuilder) []reconcile.ACLTarget {
	var targets []reconcile.ACLTarget

	for _, sf := range b.SharedFolders {
		p, ok := tb.Placement(sf.Folder())
		if !ok || p.Tier != snapshot.TierShared {
			continue
		}

		targets = append(targets, reconcile.ACLTarget{
			SharedFolderUID: p.SharedFolderUID,
			New:             tb.CreatedSharedFolder(p.SharedFolderUID),
			Defaults: &reconcile.Defaults{
				ManageUsers:   sf.ManageUsers,
				ManageRecords: sf.ManageRecords,
				CanEdit:       sf.CanEdit,
				CanShare:      sf.CanShare,
			},
			Permissions: sf.Permissions,
		})
	}

	for _, r := range b.Records {
		for _, f := range r.Folders {
			if len(f.Permissions) == 0 {
				continue
			}

			p, ok := tb.Placement(f)
			if !ok {
				continue
			}

			if !p.Tier.IsShared() {
				e.logger.Debug("permissions on a private folder ignored",
					slog.String("path", f.Path),
					slog.String("record", r.Title),
				)

				continue
			}

			targets = append(targets, reconcile.ACLTarget{
				SharedFolderUID: p.SharedFolderUID,
				New:             tb.CreatedSharedFolder(p.SharedFolderUID),
				Permissions:     f.Permissions,
			})
		}
	}

	return targets
}

func (e *Engine) planRecords(_ context.Context, snap *snapshot.Snapshot, b *source.Batch, sum *Summary) []reconcile.Operation {
	up := reconcile.NewUpserter(snap, reconcile.BuildIndex(snap), keywrap.NewWrapper(snap), e.logger)

	for _, r := range b.Records {
		if err := up.Upsert(r); err != nil {
			sum.RecordsFailed++
			e.logger.Warn("import: record skipped", slog.String("error", err.Error()))
		}
	}

	sum.RecordsMatched += up.Matched()
	sum.RecordsPlanned += up.Created()

	return up.Operations()
}

func (e *Engine) planLinks(_ context.Context, snap *snapshot.Snapshot, b *source.Batch, sum *Summary) []reconcile.Operation {
	rl := reconcile.NewRelinker(snap, keywrap.NewWrapper(snap), e.logger)

	for _, r := range b.Records {
		rl.Relink(r)
	}

	sum.LinksPlanned += len(rl.Operations())
	sum.LinksDropped += rl.Dropped()

	return rl.Operations()
}

func (e *Engine) planRecordPermissions(_ context.Context, snap *snapshot.Snapshot, b *source.Batch, sum *Summary) []reconcile.Operation {
	perms := reconcile.NewPermissionReconciler(snap, keywrap.NewWrapper(snap), e.vault, e.logger)
	ops := perms.CorrectRecords(b.Records)

	sum.RecordACLUpdates += len(ops)

	return ops
}
