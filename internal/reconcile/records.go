package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/alexjbarnes/vault-import/internal/source"
)

// recordTypePassword is the only record type the importer creates.
const recordTypePassword = "password"

// Upserter matches records to existing ones by fingerprint and plans a
// record_add for each record that has no match. Records it plans are
// remembered so duplicates inside one batch collapse to one creation.
type Upserter struct {
	snap    *snapshot.Snapshot
	index   *Index
	wrapper *keywrap.Wrapper
	logger  *slog.Logger

	planned map[Fingerprint]string
	ops     []Operation
	matched int
	created int
}

// NewUpserter creates an upserter over the current snapshot and its index.
func NewUpserter(snap *snapshot.Snapshot, ix *Index, w *keywrap.Wrapper, logger *slog.Logger) *Upserter {
	return &Upserter{
		snap:    snap,
		index:   ix,
		wrapper: w,
		logger:  logger,
		planned: make(map[Fingerprint]string),
	}
}

// Match resolves r.UID from the index or from records planned earlier in
// this run. It reports whether a match was found.
func (u *Upserter) Match(r *source.Record) bool {
	fp := RecordFingerprint(r.Title, r.Login, r.Password)

	if uid, ok := u.index.LookupRecord(fp); ok {
		r.UID = uid
		return true
	}

	if uid, ok := u.planned[fp]; ok {
		r.UID = uid
		return true
	}

	return false
}

// Upsert matches the record or plans its creation in the primary folder.
func (u *Upserter) Upsert(r *source.Record) error {
	if u.Match(r) {
		u.matched++
		return nil
	}

	op, err := u.newRecord(r)
	if err != nil {
		return fmt.Errorf("record %q: %w", r.Title, err)
	}

	r.UID = op.RecordUID
	u.planned[RecordFingerprint(r.Title, r.Login, r.Password)] = op.RecordUID
	u.ops = append(u.ops, op)
	u.created++

	return nil
}

// Operations returns the planned record_add operations.
func (u *Upserter) Operations() []Operation {
	return u.ops
}

// Matched returns how many records matched an existing or planned record.
func (u *Upserter) Matched() int {
	return u.matched
}

// Created returns how many record_add operations were planned.
func (u *Upserter) Created() int {
	return u.created
}

// destination returns the folder a new record is created in. Records
// whose primary folder was skipped or did not materialize go to the root.
func (u *Upserter) destination(r *source.Record) (string, snapshot.Tier) {
	f := r.PrimaryFolder()
	if f == nil {
		return "", snapshot.TierRoot
	}

	uid, ok := f.UID()
	if !ok {
		u.logger.Info("primary folder unresolved, creating record in root", slog.String("title", r.Title))
		return "", snapshot.TierRoot
	}

	tier, ok := u.snap.Tier(uid)
	if !ok {
		u.logger.Warn("primary folder missing from vault, creating record in root",
			slog.String("title", r.Title),
			slog.String("folder_uid", uid),
		)

		return "", snapshot.TierRoot
	}

	if tier.IsShared() {
		if _, ok := u.snap.OwningSharedFolder(uid); !ok {
			u.logger.Warn("shared folder key unavailable, creating record in root",
				slog.String("title", r.Title),
				slog.String("folder_uid", uid),
			)

			return "", snapshot.TierRoot
		}
	}

	return uid, tier
}

func (u *Upserter) newRecord(r *source.Record) (*RecordAdd, error) {
	recordKey, err := keywrap.GenerateKey()
	if err != nil {
		return nil, err
	}

	folderUID, tier := u.destination(r)

	op := &RecordAdd{
		RecordUID:  keywrap.NewUID(),
		RecordType: recordTypePassword,
		FolderType: tier.FolderType(),
		FolderUID:  folderUID,
	}

	op.RecordKey, err = u.wrapper.Wrap(recordKey, keywrap.VaultMasterKey{})
	if err != nil {
		return nil, err
	}

	if tier.IsShared() {
		sf, _ := u.snap.OwningSharedFolder(folderUID)

		op.FolderKey, err = u.wrapper.Wrap(recordKey, keywrap.SharedFolderKey{UID: sf.UID})
		if err != nil {
			return nil, err
		}

		op.TeamUID = u.managingTeam(sf)
	}

	data, err := json.Marshal(recordData(r))
	if err != nil {
		return nil, fmt.Errorf("encoding record data: %w", err)
	}

	op.Data, err = keywrap.EncryptData(data, recordKey)
	if err != nil {
		return nil, err
	}

	return op, nil
}

// managingTeam returns the team through which the operator may add
// records to a shared folder it reaches only via team membership.
func (u *Upserter) managingTeam(sf *snapshot.SharedFolder) string {
	if !sf.TeamAccess {
		return ""
	}

	for _, t := range sf.Teams {
		team, ok := u.snap.Teams[t.TeamUID]
		if ok && len(team.Key) > 0 && t.ManageRecords {
			return t.TeamUID
		}
	}

	return ""
}

// recordData builds the encrypted payload. Custom fields are sorted by
// name so the payload is deterministic.
func recordData(r *source.Record) RecordData {
	d := RecordData{
		Title:   r.Title,
		Secret1: r.Login,
		Secret2: r.Password,
		Link:    r.URL,
		Notes:   r.Notes,
		Custom:  []CustomField{},
	}

	names := make([]string, 0, len(r.CustomFields))
	for name := range r.CustomFields {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		d.Custom = append(d.Custom, CustomField{Name: name, Value: r.CustomFields[name]})
	}

	return d
}
