package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/alexjbarnes/vault-import/internal/source"
)

// Placement is where a folder walk ended. The zero value is the root.
type Placement struct {
	UID             string
	Tier            snapshot.Tier
	SharedFolderUID string
}

// TreeBuilder resolves folder walks against an Index and plans the
// folder_add operations for segments that do not exist yet. Folders it
// plans are tracked in an overlay so several walks through the same
// missing folder produce a single operation.
type TreeBuilder struct {
	index   *Index
	wrapper *keywrap.Wrapper
	logger  *slog.Logger

	planned    map[Fingerprint]FolderEntry
	newShared  map[string]bool
	placements map[*source.Folder]Placement
	ops        []Operation
	skipped    int
}

// NewTreeBuilder creates a builder over the index of the current snapshot.
// New shared folder keys are registered with the wrapper.
func NewTreeBuilder(ix *Index, w *keywrap.Wrapper, logger *slog.Logger) *TreeBuilder {
	return &TreeBuilder{
		index:      ix,
		wrapper:    w,
		logger:     logger,
		planned:    make(map[Fingerprint]FolderEntry),
		newShared:  make(map[string]bool),
		placements: make(map[*source.Folder]Placement),
	}
}

// Place walks the folder's segments from the root, reusing existing and
// already planned folders and planning the rest. On success the folder is
// resolved to the final segment's uid. A tier conflict, or a shared
// sub-folder whose shared folder key is unavailable, marks the folder
// skipped and reports false.
func (b *TreeBuilder) Place(f *source.Folder) (Placement, bool) {
	if p, ok := b.placements[f]; ok {
		return p, true
	}

	if f.Skipped() {
		return Placement{}, false
	}

	parent := Placement{Tier: snapshot.TierRoot}

	for _, seg := range f.Segments() {
		want := expectedTier(seg, parent.Tier)

		fp := FolderFingerprint(seg.Name, parent.UID)
		entry, found := b.lookup(fp)

		switch {
		case found && entry.Tier == want:
			parent = Placement{UID: entry.UID, Tier: entry.Tier, SharedFolderUID: entry.SharedFolderUID}
			continue
		case found:
			b.skip(f, seg.Name, fmt.Errorf("existing %s, expected %s: %w", entry.Tier, want, vierrors.ErrTierConflict))
			return Placement{}, false
		}

		entry, err := b.create(seg.Name, parent, want)
		if err != nil {
			b.skip(f, seg.Name, err)
			return Placement{}, false
		}

		b.planned[fp] = entry
		parent = Placement{UID: entry.UID, Tier: entry.Tier, SharedFolderUID: entry.SharedFolderUID}
	}

	f.Resolve(parent.UID)
	b.placements[f] = parent

	return parent, true
}

// Placement returns where a previously placed folder ended.
func (b *TreeBuilder) Placement(f *source.Folder) (Placement, bool) {
	p, ok := b.placements[f]
	return p, ok
}

// CreatedSharedFolder reports whether uid is a shared folder planned by
// this builder.
func (b *TreeBuilder) CreatedSharedFolder(uid string) bool {
	return b.newShared[uid]
}

// Operations returns the planned folder_add operations in creation order,
// parents before children.
func (b *TreeBuilder) Operations() []Operation {
	return b.ops
}

// Skipped returns how many folder walks were abandoned.
func (b *TreeBuilder) Skipped() int {
	return b.skipped
}

func (b *TreeBuilder) lookup(fp Fingerprint) (FolderEntry, bool) {
	if e, ok := b.index.LookupFolder(fp); ok {
		return e, true
	}

	e, ok := b.planned[fp]

	return e, ok
}

func (b *TreeBuilder) skip(f *source.Folder, segment string, err error) {
	f.Skip()
	b.skipped++

	b.logger.Warn("skipping folder",
		slog.String("domain", f.Domain),
		slog.String("path", f.Path),
		slog.String("segment", segment),
		slog.String("error", err.Error()),
	)
}

// expectedTier returns the tier a segment must have given its parent's
// tier. Domain components ahead of the boundary are always user folders,
// so a boundary segment never lands under a shared parent.
func expectedTier(seg source.Segment, parent snapshot.Tier) snapshot.Tier {
	switch {
	case seg.Boundary:
		return snapshot.TierShared
	case parent.IsShared():
		return snapshot.TierSharedSub
	default:
		return snapshot.TierUser
	}
}

func (b *TreeBuilder) create(name string, parent Placement, tier snapshot.Tier) (FolderEntry, error) {
	folderKey, err := keywrap.GenerateKey()
	if err != nil {
		return FolderEntry{}, err
	}

	uid := keywrap.NewUID()
	op := &FolderAdd{FolderUID: uid, FolderType: tier.FolderType()}
	entry := FolderEntry{UID: uid, Tier: tier}

	switch tier {
	case snapshot.TierUser:
		op.Key, err = b.wrapper.Wrap(folderKey, keywrap.VaultMasterKey{})
		if parent.Tier == snapshot.TierUser {
			op.ParentUID = parent.UID
		}

	case snapshot.TierShared:
		op.Key, err = b.wrapper.Wrap(folderKey, keywrap.VaultMasterKey{})
		if err == nil {
			op.Name, err = keywrap.EncryptData([]byte(name), folderKey)
		}

		if parent.Tier == snapshot.TierUser {
			op.ParentUID = parent.UID
		}

		entry.SharedFolderUID = uid

	case snapshot.TierSharedSub:
		op.Key, err = b.wrapper.Wrap(folderKey, keywrap.SharedFolderKey{UID: parent.SharedFolderUID})
		op.SharedFolderUID = parent.SharedFolderUID

		if parent.Tier == snapshot.TierSharedSub {
			op.ParentUID = parent.UID
		}

		entry.SharedFolderUID = parent.SharedFolderUID

	case snapshot.TierRoot:
		return FolderEntry{}, errors.New("the root cannot be created")

	default:
		panic(fmt.Sprintf("unknown tier %d", tier))
	}

	if err != nil {
		return FolderEntry{}, err
	}

	data, err := json.Marshal(folderData{Name: name})
	if err != nil {
		return FolderEntry{}, fmt.Errorf("encoding folder data: %w", err)
	}

	op.Data, err = keywrap.EncryptData(data, folderKey)
	if err != nil {
		return FolderEntry{}, err
	}

	if tier == snapshot.TierShared {
		b.wrapper.Remember(uid, folderKey)
		b.newShared[uid] = true
	}

	b.ops = append(b.ops, op)
	b.logger.Debug("planned folder",
		slog.String("uid", uid),
		slog.String("name", name),
		slog.String("tier", tier.String()),
	)

	return entry, nil
}
