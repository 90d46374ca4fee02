package reconcile

import (
	"context"
	"log/slog"
	"net/mail"
	"sort"
	"strings"

	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/alexjbarnes/vault-import/internal/source"
)

// Defaults are the default permissions of a declared shared folder.
type Defaults struct {
	ManageUsers   bool
	ManageRecords bool
	CanEdit       bool
	CanShare      bool
}

// ACLTarget is one shared folder whose grantees should be reconciled.
// Targets naming the same shared folder are merged; the first
// declaration of a grantee wins.
type ACLTarget struct {
	SharedFolderUID string
	// New is set when the shared folder is being created in this run.
	New         bool
	Defaults    *Defaults
	Permissions []*source.Permission
}

// grantee is a resolved permission: exactly one of team and username is set.
type grantee struct {
	team          *snapshot.Team
	username      string
	manageUsers   bool
	manageRecords bool
}

func (g grantee) key() string {
	if g.team != nil {
		return "team:" + g.team.UID
	}

	return "user:" + g.username
}

// PermissionReconciler turns declared grantees into shared_folder_update
// operations carrying only the difference from the live ACL.
type PermissionReconciler struct {
	snap    *snapshot.Snapshot
	wrapper *keywrap.Wrapper
	dir     Directory
	logger  *slog.Logger

	dropped    int
	unresolved map[string]bool
}

// NewPermissionReconciler creates a reconciler for the given snapshot.
func NewPermissionReconciler(snap *snapshot.Snapshot, w *keywrap.Wrapper, dir Directory, logger *slog.Logger) *PermissionReconciler {
	return &PermissionReconciler{snap: snap, wrapper: w, dir: dir, logger: logger, unresolved: make(map[string]bool)}
}

// Dropped returns how many grants were dropped so far because the
// grantee could not be resolved or no key could be wrapped for it.
func (p *PermissionReconciler) Dropped() int {
	return p.dropped
}

type mergedTarget struct {
	uid      string
	isNew    bool
	defaults *Defaults
	grants   []grantee
	seen     map[string]bool
}

// Reconcile plans one shared_folder_update per target shared folder that
// needs a change. User public keys are fetched with a single directory
// call before any wrapping.
func (p *PermissionReconciler) Reconcile(ctx context.Context, targets []ACLTarget) []Operation {
	merged := p.merge(targets)
	if len(merged) == 0 {
		return nil
	}

	publicKeys := p.fetchPublicKeys(ctx, merged)

	var ops []Operation

	for _, t := range merged {
		if op := p.diff(t, publicKeys); op != nil {
			ops = append(ops, op)
		}
	}

	return ops
}

func (p *PermissionReconciler) merge(targets []ACLTarget) []*mergedTarget {
	var order []*mergedTarget

	byUID := make(map[string]*mergedTarget)

	for _, t := range targets {
		m, ok := byUID[t.SharedFolderUID]
		if !ok {
			m = &mergedTarget{uid: t.SharedFolderUID, seen: make(map[string]bool)}
			byUID[t.SharedFolderUID] = m
			order = append(order, m)
		}

		m.isNew = m.isNew || t.New

		if m.defaults == nil && t.Defaults != nil {
			d := *t.Defaults
			m.defaults = &d
		}

		for _, perm := range t.Permissions {
			g, ok := p.resolve(perm)
			if !ok {
				continue
			}

			if m.seen[g.key()] {
				continue
			}

			m.seen[g.key()] = true
			m.grants = append(m.grants, g)
		}
	}

	return order
}

// resolve matches a permission to a team first, by uid then by name, and
// falls back to treating the name as an email address. A grantee that
// cannot be resolved is dropped once, however many declarations name it.
func (p *PermissionReconciler) resolve(perm *source.Permission) (grantee, bool) {
	failKey := strings.ToLower(perm.Name) + "|" + perm.UID
	if p.unresolved[failKey] {
		return grantee{}, false
	}

	g := grantee{manageUsers: perm.ManageUsers, manageRecords: perm.ManageRecords}

	if perm.UID != "" {
		if t, ok := p.snap.Teams[perm.UID]; ok {
			g.team = t
			return g, true
		}
	}

	if perm.Name != "" {
		if t, ok := p.snap.TeamByName(perm.Name); ok {
			g.team = t
			return g, true
		}

		if addr, err := mail.ParseAddress(perm.Name); err == nil {
			g.username = strings.ToLower(addr.Address)
			return g, true
		}
	}

	p.unresolved[failKey] = true
	p.drop("unresolvable grantee", slog.String("name", perm.Name), slog.String("uid", perm.UID))

	return grantee{}, false
}

func (p *PermissionReconciler) fetchPublicKeys(ctx context.Context, targets []*mergedTarget) map[string][]byte {
	want := make(map[string]bool)

	for _, t := range targets {
		sf := p.snap.SharedFolders[t.uid]

		for _, g := range t.grants {
			if g.team != nil || strings.EqualFold(g.username, p.snap.Username) {
				continue
			}

			if sf != nil {
				if _, granted := sf.Users[g.username]; granted {
					continue
				}
			}

			want[g.username] = true
		}
	}

	if len(want) == 0 {
		return nil
	}

	usernames := make([]string, 0, len(want))
	for u := range want {
		usernames = append(usernames, u)
	}

	sort.Strings(usernames)

	keys, err := p.dir.PublicKeys(ctx, usernames)
	if err != nil {
		p.logger.Warn("public key lookup failed",
			slog.Int("users", len(usernames)),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return keys
}

func (p *PermissionReconciler) diff(t *mergedTarget, publicKeys map[string][]byte) *SharedFolderUpdate {
	live := p.snap.SharedFolders[t.uid]
	if live == nil && !t.isNew {
		p.logger.Warn("shared folder not accessible, skipping permissions", slog.String("shared_folder_uid", t.uid))
		p.dropped += len(t.grants)

		return nil
	}

	op := &SharedFolderUpdate{
		SharedFolderUID: t.uid,
		Operation:       "update",
		ForceUpdate:     true,
	}

	p.diffDefaults(op, live, t.defaults)

	sfKey, haveKey := p.wrapper.SharedFolderKey(t.uid)

	for _, g := range t.grants {
		if g.team != nil {
			p.diffTeam(op, live, g, sfKey, haveKey)
		} else {
			p.diffUser(op, live, g, sfKey, haveKey, publicKeys)
		}
	}

	if op.empty() {
		return nil
	}

	return op
}

func (p *PermissionReconciler) diffDefaults(op *SharedFolderUpdate, live *snapshot.SharedFolder, d *Defaults) {
	if d == nil {
		return
	}

	if live == nil || live.DefaultManageUsers != d.ManageUsers ||
		live.DefaultManageRecords != d.ManageRecords ||
		live.DefaultCanEdit != d.CanEdit ||
		live.DefaultCanShare != d.CanShare {
		op.DefaultManageUsers = boolPtr(d.ManageUsers)
		op.DefaultManageRecords = boolPtr(d.ManageRecords)
		op.DefaultCanEdit = boolPtr(d.CanEdit)
		op.DefaultCanShare = boolPtr(d.CanShare)
	}
}

func (p *PermissionReconciler) diffUser(op *SharedFolderUpdate, live *snapshot.SharedFolder, g grantee, sfKey []byte, haveKey bool, publicKeys map[string][]byte) {
	grant := UserGrant{Username: g.username, ManageUsers: g.manageUsers, ManageRecords: g.manageRecords}

	if live != nil {
		if cur, ok := live.Users[g.username]; ok {
			if cur.ManageUsers != g.manageUsers || cur.ManageRecords != g.manageRecords {
				op.UpdateUsers = append(op.UpdateUsers, grant)
			}

			return
		}
	}

	if !haveKey {
		p.drop("shared folder key unavailable", slog.String("shared_folder_uid", op.SharedFolderUID), slog.String("user", g.username))
		return
	}

	var to keywrap.Recipient = keywrap.UserPublicKey{Username: g.username, Key: publicKeys[g.username]}
	if strings.EqualFold(g.username, p.snap.Username) {
		to = keywrap.VaultMasterKey{}
	}

	wrapped, err := p.wrapper.Wrap(sfKey, to)
	if err != nil {
		p.drop("cannot wrap key for user", slog.String("user", g.username), slog.String("error", err.Error()))
		return
	}

	grant.SharedFolderKey = wrapped
	op.AddUsers = append(op.AddUsers, grant)
}

func (p *PermissionReconciler) diffTeam(op *SharedFolderUpdate, live *snapshot.SharedFolder, g grantee, sfKey []byte, haveKey bool) {
	grant := TeamGrant{TeamUID: g.team.UID, ManageUsers: g.manageUsers, ManageRecords: g.manageRecords}

	if live != nil {
		if cur, ok := live.Team(g.team.UID); ok {
			if cur.ManageUsers != g.manageUsers || cur.ManageRecords != g.manageRecords {
				op.UpdateTeams = append(op.UpdateTeams, grant)
			}

			return
		}
	}

	if !haveKey {
		p.drop("shared folder key unavailable", slog.String("shared_folder_uid", op.SharedFolderUID), slog.String("team", g.team.Name))
		return
	}

	wrapped, err := p.wrapper.Wrap(sfKey, keywrap.TeamKey{UID: g.team.UID})
	if err != nil {
		p.drop("cannot wrap key for team", slog.String("team", g.team.Name), slog.String("error", err.Error()))
		return
	}

	grant.SharedFolderKey = wrapped
	op.AddTeams = append(op.AddTeams, grant)
}

// CorrectRecords plans update_records changes for records whose
// permissions inside a shared folder differ from the declared ones.
// Records must already exist in the snapshot.
func (p *PermissionReconciler) CorrectRecords(records []*source.Record) []Operation {
	var (
		ops  []Operation
		bySF = make(map[string]*SharedFolderUpdate)
		seen = make(map[string]bool)
	)

	for _, r := range records {
		if r.UID == "" {
			continue
		}

		for _, f := range r.Folders {
			uid, ok := f.UID()
			if !ok || uid == "" {
				continue
			}

			sf, ok := p.snap.OwningSharedFolder(uid)
			if !ok {
				continue
			}

			key := sf.UID + "|" + r.UID
			if seen[key] {
				continue
			}

			seen[key] = true

			cur, ok := sf.Records[r.UID]
			if !ok || (cur.CanEdit == f.CanEdit && cur.CanShare == f.CanShare) {
				continue
			}

			op, ok := bySF[sf.UID]
			if !ok {
				op = &SharedFolderUpdate{SharedFolderUID: sf.UID, Operation: "update", ForceUpdate: true}
				bySF[sf.UID] = op
				ops = append(ops, op)
			}

			op.UpdateRecords = append(op.UpdateRecords, RecordGrant{
				RecordUID:       r.UID,
				SharedFolderUID: sf.UID,
				CanEdit:         f.CanEdit,
				CanShare:        f.CanShare,
			})
		}
	}

	return ops
}

func (p *PermissionReconciler) drop(msg string, attrs ...any) {
	p.dropped++
	p.logger.Warn(msg, attrs...)
}

func boolPtr(b bool) *bool {
	return &b
}
