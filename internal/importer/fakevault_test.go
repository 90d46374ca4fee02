package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/vault-import/internal/batch"
	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/reconcile"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
)

// fakeVault is an in-memory remote store. It applies operations the way
// the server does, decrypting payloads with the keys it was given, and
// serves snapshots of its state.
type fakeVault struct {
	mu sync.Mutex

	username  string
	master    []byte
	folders   map[string]*snapshot.Folder
	shared    map[string]*snapshot.SharedFolder
	records   map[string]*snapshot.Record
	placement map[string][]string
	teams     map[string]*snapshot.Team

	publicKeys map[string][]byte

	// submitted holds every chunk received, in order.
	submitted [][]reconcile.Operation
	// truncate, when positive, caps the results of the next response.
	truncate int
	lookups  int
}

func newFakeVault(username string, master []byte) *fakeVault {
	return &fakeVault{
		username:   username,
		master:     master,
		folders:    make(map[string]*snapshot.Folder),
		shared:     make(map[string]*snapshot.SharedFolder),
		records:    make(map[string]*snapshot.Record),
		placement:  make(map[string][]string),
		teams:      make(map[string]*snapshot.Team),
		publicKeys: make(map[string][]byte),
	}
}

func (v *fakeVault) operations() []reconcile.Operation {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []reconcile.Operation
	for _, chunk := range v.submitted {
		out = append(out, chunk...)
	}

	return out
}

func (v *fakeVault) Refresh(_ context.Context) (*snapshot.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := snapshot.New(v.username, v.master)

	for _, f := range v.folders {
		cp := *f
		s.AddFolder(&cp)
	}

	for _, sf := range v.shared {
		cp := *sf
		cp.Records = maps.Clone(sf.Records)
		cp.Users = maps.Clone(sf.Users)
		cp.Teams = slices.Clone(sf.Teams)
		s.AddSharedFolder(&cp)
	}

	for uid, r := range v.records {
		cp := *r
		s.AddRecord(&cp, v.placement[uid]...)
	}

	for _, t := range v.teams {
		cp := *t
		s.AddTeam(&cp)
	}

	return s, nil
}

func (v *fakeVault) PublicKeys(_ context.Context, usernames []string) (map[string][]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lookups++

	out := make(map[string][]byte)
	for _, u := range usernames {
		if k, ok := v.publicKeys[u]; ok {
			out[u] = k
		}
	}

	return out, nil
}

func (v *fakeVault) Execute(_ context.Context, ops []reconcile.Operation) (*batch.Response, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.submitted = append(v.submitted, ops)

	n := len(ops)
	if v.truncate > 0 && v.truncate < n {
		n = v.truncate
		v.truncate = 0
	}

	resp := &batch.Response{Status: batch.StatusSuccess}

	for _, op := range ops[:n] {
		res := batch.Result{Status: batch.StatusSuccess}
		if err := v.apply(op); err != nil {
			res = batch.Result{Status: "fail", Message: err.Error()}
		}

		resp.Results = append(resp.Results, res)
	}

	return resp, nil
}

func (v *fakeVault) apply(op reconcile.Operation) error {
	switch o := op.(type) {
	case *reconcile.FolderAdd:
		return v.addFolder(o)
	case *reconcile.SharedFolderUpdate:
		return v.updateSharedFolder(o)
	case *reconcile.RecordAdd:
		return v.addRecord(o)
	case *reconcile.Move:
		return v.move(o)
	default:
		return fmt.Errorf("unknown operation %T", op)
	}
}

func (v *fakeVault) folderName(data string, key []byte) (string, error) {
	plain, err := keywrap.DecryptData(data, key)
	if err != nil {
		return "", err
	}

	var d struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(plain, &d); err != nil {
		return "", err
	}

	return d.Name, nil
}

func folderTier(folderType string) (snapshot.Tier, error) {
	switch folderType {
	case snapshot.FolderTypeUser:
		return snapshot.TierUser, nil
	case snapshot.FolderTypeShared:
		return snapshot.TierShared, nil
	case snapshot.FolderTypeSharedFolder:
		return snapshot.TierSharedSub, nil
	default:
		return 0, fmt.Errorf("unknown folder type %q", folderType)
	}
}

func (v *fakeVault) addFolder(op *reconcile.FolderAdd) error {
	if _, exists := v.folders[op.FolderUID]; exists {
		return fmt.Errorf("folder %s exists", op.FolderUID)
	}

	tier, err := folderTier(op.FolderType)
	if err != nil {
		return err
	}

	wrapping := v.master
	if tier == snapshot.TierSharedSub {
		sf, ok := v.shared[op.SharedFolderUID]
		if !ok {
			return fmt.Errorf("shared folder %s not found", op.SharedFolderUID)
		}

		wrapping = sf.Key
	}

	key, err := keywrap.Unwrap(op.Key, wrapping)
	if err != nil {
		return err
	}

	name, err := v.folderName(op.Data, key)
	if err != nil {
		return err
	}

	f := &snapshot.Folder{UID: op.FolderUID, ParentUID: op.ParentUID, Name: name, Tier: tier}

	switch tier {
	case snapshot.TierShared:
		f.SharedFolderUID = op.FolderUID
		v.shared[op.FolderUID] = &snapshot.SharedFolder{
			UID:     op.FolderUID,
			Name:    name,
			Key:     key,
			Records: make(map[string]snapshot.RecordPermission),
			Users: map[string]snapshot.UserPermission{
				v.username: {Username: v.username, ManageUsers: true, ManageRecords: true},
			},
		}
	case snapshot.TierSharedSub:
		f.SharedFolderUID = op.SharedFolderUID
		if f.ParentUID == "" {
			f.ParentUID = op.SharedFolderUID
		}
	case snapshot.TierRoot, snapshot.TierUser:
	}

	v.folders[op.FolderUID] = f

	return nil
}

func (v *fakeVault) updateSharedFolder(op *reconcile.SharedFolderUpdate) error {
	sf, ok := v.shared[op.SharedFolderUID]
	if !ok {
		return fmt.Errorf("shared folder %s not found", op.SharedFolderUID)
	}

	setBool(&sf.DefaultManageUsers, op.DefaultManageUsers)
	setBool(&sf.DefaultManageRecords, op.DefaultManageRecords)
	setBool(&sf.DefaultCanEdit, op.DefaultCanEdit)
	setBool(&sf.DefaultCanShare, op.DefaultCanShare)

	for _, g := range append(slices.Clip(op.AddUsers), op.UpdateUsers...) {
		name := strings.ToLower(g.Username)
		sf.Users[name] = snapshot.UserPermission{Username: name, ManageUsers: g.ManageUsers, ManageRecords: g.ManageRecords}
	}

	for _, g := range append(slices.Clip(op.AddTeams), op.UpdateTeams...) {
		perm := snapshot.TeamPermission{TeamUID: g.TeamUID, ManageUsers: g.ManageUsers, ManageRecords: g.ManageRecords}

		idx := slices.IndexFunc(sf.Teams, func(t snapshot.TeamPermission) bool { return t.TeamUID == g.TeamUID })
		if idx >= 0 {
			sf.Teams[idx] = perm
		} else {
			sf.Teams = append(sf.Teams, perm)
		}
	}

	for _, g := range op.UpdateRecords {
		if _, ok := sf.Records[g.RecordUID]; !ok {
			return fmt.Errorf("record %s not in shared folder", g.RecordUID)
		}

		sf.Records[g.RecordUID] = snapshot.RecordPermission{CanEdit: g.CanEdit, CanShare: g.CanShare}
	}

	return nil
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func (v *fakeVault) addRecord(op *reconcile.RecordAdd) error {
	key, err := keywrap.Unwrap(op.RecordKey, v.master)
	if err != nil {
		return err
	}

	if sfUID := v.sharedFolderOf(op.FolderUID); sfUID != "" {
		if err := v.checkWrap(op.FolderKey, v.shared[sfUID].Key, key); err != nil {
			return fmt.Errorf("folder key for %s: %w", op.RecordUID, err)
		}
	} else if op.FolderKey != "" {
		return fmt.Errorf("record %s has a folder key outside a shared folder", op.RecordUID)
	}

	plain, err := keywrap.DecryptData(op.Data, key)
	if err != nil {
		return err
	}

	var d reconcile.RecordData
	if err := json.Unmarshal(plain, &d); err != nil {
		return err
	}

	v.records[op.RecordUID] = &snapshot.Record{
		UID:      op.RecordUID,
		Title:    d.Title,
		Login:    d.Secret1,
		Password: d.Secret2,
		Key:      key,
	}

	return v.place(op.RecordUID, op.FolderUID)
}

// move links records and checks that every transition key opens under
// the key of the destination's encryption context.
func (v *fakeVault) move(op *reconcile.Move) error {
	transition := make(map[string]string, len(op.TransitionKeys))
	for _, tk := range op.TransitionKeys {
		transition[tk.UID] = tk.Key
	}

	toSF := v.sharedFolderOf(op.ToUID)

	for _, obj := range op.Move {
		rec, ok := v.records[obj.UID]
		if !ok {
			return fmt.Errorf("record %s not found", obj.UID)
		}

		fromSF := v.sharedFolderOf(obj.FromUID)
		wrapped, hasKey := transition[obj.UID]

		switch {
		case toSF != "" && toSF != fromSF:
			if err := v.checkWrap(wrapped, v.shared[toSF].Key, rec.Key); err != nil {
				return fmt.Errorf("transition key for %s: %w", obj.UID, err)
			}
		case toSF == "" && fromSF != "":
			if err := v.checkWrap(wrapped, v.master, rec.Key); err != nil {
				return fmt.Errorf("transition key for %s: %w", obj.UID, err)
			}
		case hasKey:
			return fmt.Errorf("unexpected transition key for %s", obj.UID)
		}

		if err := v.place(obj.UID, op.ToUID); err != nil {
			return err
		}
	}

	return nil
}

func (v *fakeVault) sharedFolderOf(folderUID string) string {
	f, ok := v.folders[folderUID]
	if !ok || !f.Tier.IsShared() {
		return ""
	}

	return f.SharedFolderUID
}

func (v *fakeVault) checkWrap(wrapped string, under, want []byte) error {
	if wrapped == "" {
		return errors.New("missing")
	}

	got, err := keywrap.Unwrap(wrapped, under)
	if err != nil {
		return err
	}

	if !bytes.Equal(got, want) {
		return errors.New("wraps a different key")
	}

	return nil
}

// place links a record into a folder, giving it the owning shared
// folder's default permissions.
func (v *fakeVault) place(recordUID, folderUID string) error {
	if folderUID != "" {
		f, ok := v.folders[folderUID]
		if !ok {
			return fmt.Errorf("folder %s not found", folderUID)
		}

		if f.Tier.IsShared() {
			sf := v.shared[f.SharedFolderUID]
			if _, ok := sf.Records[recordUID]; !ok {
				sf.Records[recordUID] = snapshot.RecordPermission{CanEdit: sf.DefaultCanEdit, CanShare: sf.DefaultCanShare}
			}
		}
	}

	if !slices.Contains(v.placement[recordUID], folderUID) {
		v.placement[recordUID] = append(v.placement[recordUID], folderUID)
	}

	return nil
}
