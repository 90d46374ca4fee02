package reconcile

import (
	"fmt"
	"log/slog"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/alexjbarnes/vault-import/internal/source"
)

// Relinker plans link operations so each imported record appears in
// every folder it declares. It runs after records exist in the snapshot.
type Relinker struct {
	snap    *snapshot.Snapshot
	wrapper *keywrap.Wrapper
	logger  *slog.Logger

	ops     []Operation
	dropped int
}

// NewRelinker creates a relinker over the current snapshot.
func NewRelinker(snap *snapshot.Snapshot, w *keywrap.Wrapper, logger *slog.Logger) *Relinker {
	return &Relinker{snap: snap, wrapper: w, logger: logger}
}

// Operations returns the planned move operations.
func (l *Relinker) Operations() []Operation {
	return l.ops
}

// Dropped returns how many links were abandoned for lack of key material.
func (l *Relinker) Dropped() int {
	return l.dropped
}

// Relink plans a link into every declared folder that does not already
// contain the record. The record's first current folder is the link
// source. Root is never a link destination.
func (l *Relinker) Relink(r *source.Record) {
	if r.UID == "" {
		return
	}

	rec, ok := l.snap.Records[r.UID]
	if !ok {
		l.logger.Warn("record missing from vault, skipping links", slog.String("title", r.Title), slog.String("record_uid", r.UID))
		return
	}

	containing := l.snap.FoldersOf(r.UID)
	if len(containing) == 0 {
		containing = []string{""}
	}

	present := make(map[string]bool, len(containing))
	for _, uid := range containing {
		present[uid] = true
	}

	from := l.placement(containing[0])

	for _, f := range r.Folders {
		uid, ok := f.UID()
		if !ok || uid == "" || present[uid] {
			continue
		}

		if _, exists := l.snap.Folders[uid]; !exists {
			continue
		}

		to := l.placement(uid)

		op, err := l.link(rec, from, to)
		if err != nil {
			l.dropped++
			l.logger.Warn("cannot link record",
				slog.String("record_uid", rec.UID),
				slog.String("folder_uid", uid),
				slog.String("error", err.Error()),
			)

			continue
		}

		present[uid] = true
		l.ops = append(l.ops, op)
	}
}

func (l *Relinker) placement(uid string) Placement {
	if uid == "" {
		return Placement{Tier: snapshot.TierRoot}
	}

	f := l.snap.Folders[uid]
	if f == nil {
		return Placement{Tier: snapshot.TierRoot}
	}

	return Placement{UID: f.UID, Tier: f.Tier, SharedFolderUID: f.SharedFolderUID}
}

func (l *Relinker) link(rec *snapshot.Record, from, to Placement) (*Move, error) {
	op := &Move{
		ToType: to.Tier.FolderType(),
		ToUID:  to.UID,
		Link:   true,
		Move: []MoveObject{{
			Type:     "record",
			UID:      rec.UID,
			FromType: from.Tier.FolderType(),
			FromUID:  from.UID,
			Cascade:  true,
		}},
		TransitionKeys: []TransitionKey{},
	}

	recipient := transitionRecipient(from, to)
	if recipient == nil {
		return op, nil
	}

	if len(rec.Key) == 0 {
		return nil, fmt.Errorf("record key: %w", vierrors.ErrKeyUnavailable)
	}

	wrapped, err := l.wrapper.Wrap(rec.Key, recipient)
	if err != nil {
		return nil, err
	}

	op.TransitionKeys = append(op.TransitionKeys, TransitionKey{UID: rec.UID, Key: wrapped})

	return op, nil
}

// transitionRecipient decides whom the record key must be re-wrapped for
// when a record gains a location in another encryption context. It
// returns nil when the destination can already read the key.
func transitionRecipient(from, to Placement) keywrap.Recipient {
	switch {
	case from.Tier.IsShared() && to.Tier.IsShared():
		if from.SharedFolderUID == to.SharedFolderUID {
			return nil
		}

		return keywrap.SharedFolderKey{UID: to.SharedFolderUID}
	case from.Tier.IsShared():
		return keywrap.VaultMasterKey{}
	case to.Tier.IsShared():
		return keywrap.SharedFolderKey{UID: to.SharedFolderUID}
	default:
		return nil
	}
}
