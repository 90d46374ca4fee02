package remote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/reconcile"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/tidwall/gjson"
)

// Key types a shared folder or record key can be wrapped under.
const (
	keyTypeDataKey         = "data_key"
	keyTypeTeamKey         = "team_key"
	keyTypeSharedFolderKey = "shared_folder_key"
)

// decodeField decodes a base64url string field.
func decodeField(r gjson.Result) ([]byte, error) {
	b, err := keywrap.Decode(r.String())
	if err != nil {
		return nil, fmt.Errorf("decoding field: %w: %w", vierrors.ErrAPIResponse, err)
	}

	return b, nil
}

// decodeSnapshot turns a sync_down response into a snapshot. Objects whose
// keys cannot be opened are logged and left out, so a partially readable
// vault still yields a usable snapshot.
func decodeSnapshot(body []byte, username string, dataKey []byte, logger *slog.Logger) *snapshot.Snapshot {
	d := &decoder{
		snap:   snapshot.New(username, dataKey),
		logger: logger,
	}

	doc := gjson.ParseBytes(body)

	doc.Get("teams").ForEach(d.team)
	doc.Get("shared_folders").ForEach(d.sharedFolder)
	doc.Get("user_folders").ForEach(d.userFolder)
	doc.Get("shared_folder_folders").ForEach(d.sharedFolderFolder)

	links := make(map[string][]string)
	doc.Get("record_links").ForEach(func(_, l gjson.Result) bool {
		uid := l.Get("record_uid").String()
		links[uid] = append(links[uid], l.Get("folder_uid").String())

		return true
	})

	doc.Get("records").ForEach(func(_, r gjson.Result) bool {
		d.record(r, links)
		return true
	})

	logger.Debug("decoded vault",
		slog.Int("folders", len(d.snap.Folders)),
		slog.Int("shared_folders", len(d.snap.SharedFolders)),
		slog.Int("records", len(d.snap.Records)),
		slog.Int("teams", len(d.snap.Teams)),
		slog.Int("skipped", d.skipped),
	)

	return d.snap
}

type decoder struct {
	snap    *snapshot.Snapshot
	logger  *slog.Logger
	skipped int
}

func (d *decoder) skip(kind, uid string, err error) {
	d.skipped++
	d.logger.Warn("skipping unreadable "+kind,
		slog.String("uid", uid),
		slog.String("error", err.Error()),
	)
}

func (d *decoder) team(_, t gjson.Result) bool {
	team := &snapshot.Team{
		UID:  t.Get("team_uid").String(),
		Name: t.Get("name").String(),
	}

	if wrapped := t.Get("team_key").String(); wrapped != "" {
		key, err := keywrap.Unwrap(wrapped, d.snap.MasterKey)
		if err != nil {
			d.logger.Debug("team key unavailable", slog.String("team", team.UID), slog.String("error", err.Error()))
		} else {
			team.Key = key
		}
	}

	d.snap.AddTeam(team)

	return true
}

func (d *decoder) sharedFolder(_, s gjson.Result) bool {
	uid := s.Get("shared_folder_uid").String()

	folder := &snapshot.Folder{
		UID:             uid,
		ParentUID:       s.Get("parent_uid").String(),
		Tier:            snapshot.TierShared,
		SharedFolderUID: uid,
	}

	key, teamAccess, err := d.sharedFolderKey(s)
	if err != nil {
		d.snap.AddFolder(folder)
		d.skip("shared folder key", uid, err)

		return true
	}

	name, err := keywrap.DecryptData(s.Get("name").String(), key)
	if err != nil {
		d.snap.AddFolder(folder)
		d.skip("shared folder name", uid, err)

		return true
	}

	folder.Name = string(name)
	d.snap.AddFolder(folder)

	sf := &snapshot.SharedFolder{
		UID:                  uid,
		Name:                 folder.Name,
		Key:                  key,
		TeamAccess:           teamAccess,
		DefaultManageUsers:   s.Get("default_manage_users").Bool(),
		DefaultManageRecords: s.Get("default_manage_records").Bool(),
		DefaultCanEdit:       s.Get("default_can_edit").Bool(),
		DefaultCanShare:      s.Get("default_can_share").Bool(),
		Records:              make(map[string]snapshot.RecordPermission),
		Users:                make(map[string]snapshot.UserPermission),
	}

	s.Get("records").ForEach(func(_, r gjson.Result) bool {
		sf.Records[r.Get("record_uid").String()] = snapshot.RecordPermission{
			CanEdit:  r.Get("can_edit").Bool(),
			CanShare: r.Get("can_share").Bool(),
		}

		return true
	})

	s.Get("users").ForEach(func(_, u gjson.Result) bool {
		name := strings.ToLower(u.Get("username").String())
		sf.Users[name] = snapshot.UserPermission{
			Username:      name,
			ManageUsers:   u.Get("manage_users").Bool(),
			ManageRecords: u.Get("manage_records").Bool(),
		}

		return true
	})

	s.Get("teams").ForEach(func(_, t gjson.Result) bool {
		sf.Teams = append(sf.Teams, snapshot.TeamPermission{
			TeamUID:       t.Get("team_uid").String(),
			Name:          t.Get("name").String(),
			ManageUsers:   t.Get("manage_users").Bool(),
			ManageRecords: t.Get("manage_records").Bool(),
		})

		return true
	})

	d.snap.AddSharedFolder(sf)

	return true
}

// sharedFolderKey opens a shared folder key held directly or through a
// team. It reports whether access came through a team.
func (d *decoder) sharedFolderKey(s gjson.Result) ([]byte, bool, error) {
	wrapped := s.Get("shared_folder_key").String()
	if wrapped == "" {
		return nil, false, vierrors.ErrKeyUnavailable
	}

	switch keyType := s.Get("key_type").String(); keyType {
	case keyTypeDataKey, "":
		key, err := keywrap.Unwrap(wrapped, d.snap.MasterKey)
		return key, false, err

	case keyTypeTeamKey:
		teamKey, ok := d.snap.TeamKey(s.Get("team_uid").String())
		if !ok {
			return nil, true, fmt.Errorf("team key: %w", vierrors.ErrKeyUnavailable)
		}

		key, err := keywrap.Unwrap(wrapped, teamKey)

		return key, true, err

	default:
		return nil, false, fmt.Errorf("unknown key type %q: %w", keyType, vierrors.ErrAPIResponse)
	}
}

func (d *decoder) userFolder(_, f gjson.Result) bool {
	uid := f.Get("folder_uid").String()

	key, err := keywrap.Unwrap(f.Get("user_folder_key").String(), d.snap.MasterKey)
	if err != nil {
		d.skip("folder", uid, err)
		return true
	}

	name, err := folderName(f.Get("data").String(), key)
	if err != nil {
		d.skip("folder", uid, err)
		return true
	}

	d.snap.AddFolder(&snapshot.Folder{
		UID:       uid,
		ParentUID: f.Get("parent_uid").String(),
		Name:      name,
		Tier:      snapshot.TierUser,
	})

	return true
}

func (d *decoder) sharedFolderFolder(_, f gjson.Result) bool {
	uid := f.Get("folder_uid").String()
	sfUID := f.Get("shared_folder_uid").String()

	sfKey, ok := d.snap.SharedFolderKey(sfUID)
	if !ok {
		d.skip("subfolder", uid, fmt.Errorf("shared folder %s: %w", sfUID, vierrors.ErrKeyUnavailable))
		return true
	}

	key, err := keywrap.Unwrap(f.Get("shared_folder_folder_key").String(), sfKey)
	if err != nil {
		d.skip("subfolder", uid, err)
		return true
	}

	name, err := folderName(f.Get("data").String(), key)
	if err != nil {
		d.skip("subfolder", uid, err)
		return true
	}

	// Top-level subfolders hang off the shared folder itself.
	parent := f.Get("parent_uid").String()
	if parent == "" {
		parent = sfUID
	}

	d.snap.AddFolder(&snapshot.Folder{
		UID:             uid,
		ParentUID:       parent,
		Name:            name,
		Tier:            snapshot.TierSharedSub,
		SharedFolderUID: sfUID,
	})

	return true
}

func (d *decoder) record(r gjson.Result, links map[string][]string) {
	uid := r.Get("record_uid").String()

	key, err := d.recordKey(r)
	if err != nil {
		d.skip("record", uid, err)
		return
	}

	plain, err := keywrap.DecryptData(r.Get("data").String(), key)
	if err != nil {
		d.skip("record", uid, err)
		return
	}

	var data reconcile.RecordData
	if err := json.Unmarshal(plain, &data); err != nil {
		d.skip("record", uid, fmt.Errorf("decoding record data: %w", err))
		return
	}

	rec := &snapshot.Record{
		UID:      uid,
		Title:    data.Title,
		Login:    data.Secret1,
		Password: data.Secret2,
		Key:      key,
	}

	d.snap.AddRecord(rec, links[uid]...)
}

func (d *decoder) recordKey(r gjson.Result) ([]byte, error) {
	wrapped := r.Get("record_key").String()

	switch keyType := r.Get("key_type").String(); keyType {
	case keyTypeDataKey, "":
		return keywrap.Unwrap(wrapped, d.snap.MasterKey)

	case keyTypeSharedFolderKey:
		sfUID := r.Get("shared_folder_uid").String()

		sfKey, ok := d.snap.SharedFolderKey(sfUID)
		if !ok {
			return nil, fmt.Errorf("shared folder %s: %w", sfUID, vierrors.ErrKeyUnavailable)
		}

		return keywrap.Unwrap(wrapped, sfKey)

	default:
		return nil, fmt.Errorf("unknown key type %q: %w", keyType, vierrors.ErrAPIResponse)
	}
}

// folderName decrypts a folder data payload and returns its name.
func folderName(data string, key []byte) (string, error) {
	plain, err := keywrap.DecryptData(data, key)
	if err != nil {
		return "", err
	}

	return gjson.GetBytes(plain, "name").String(), nil
}
