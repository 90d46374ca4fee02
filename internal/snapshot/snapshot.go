// Package snapshot holds the read-only view of the destination vault that
// a reconciliation pass works from: folders, shared folders with their keys
// and ACLs, records with their decrypted fields and keys, and teams.
//
// A Snapshot is produced by the remote adapter (or by tests) and is never
// mutated by planning code. After a batch of operations is applied, callers
// fetch a new Snapshot rather than patching the old one.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is the ownership tier of a folder. It decides which key wraps the
// folder's contents. The set is closed: every switch over Tier in this
// module handles all four values.
type Tier int

const (
	// TierRoot is the implicit vault root. It has no uid and no node.
	TierRoot Tier = iota
	// TierUser is a private folder wrapped under the vault master key.
	TierUser
	// TierShared is a shared folder with its own symmetric key.
	TierShared
	// TierSharedSub is a folder nested inside a shared folder. It uses the
	// owning shared folder's key as its encryption context.
	TierSharedSub
)

// Wire names for folder types.
const (
	FolderTypeUser         = "user_folder"
	FolderTypeShared       = "shared_folder"
	FolderTypeSharedFolder = "shared_folder_folder"
)

func (t Tier) String() string {
	switch t {
	case TierRoot:
		return "root"
	case TierUser:
		return FolderTypeUser
	case TierShared:
		return FolderTypeShared
	case TierSharedSub:
		return FolderTypeSharedFolder
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// FolderType returns the wire folder_type for the tier. The root is
// addressed as a user folder without a uid.
func (t Tier) FolderType() string {
	switch t {
	case TierRoot, TierUser:
		return FolderTypeUser
	case TierShared:
		return FolderTypeShared
	case TierSharedSub:
		return FolderTypeSharedFolder
	default:
		panic(fmt.Sprintf("snapshot: unknown tier %d", int(t)))
	}
}

// IsShared reports whether contents of a folder in this tier are encrypted
// under a shared folder key.
func (t Tier) IsShared() bool {
	return t == TierShared || t == TierSharedSub
}

// Folder is one node of the vault folder tree.
type Folder struct {
	UID       string
	ParentUID string
	Name      string
	Tier      Tier
	// SharedFolderUID is the owning shared folder: the folder's own uid for
	// TierShared, the ancestor's uid for TierSharedSub, empty otherwise.
	SharedFolderUID string
}

// RecordPermission is a record's entry in a shared folder ACL.
type RecordPermission struct {
	CanShare bool
	CanEdit  bool
}

// UserPermission is a user's entry in a shared folder ACL.
type UserPermission struct {
	Username      string
	ManageUsers   bool
	ManageRecords bool
}

// TeamPermission is a team's entry in a shared folder ACL.
type TeamPermission struct {
	TeamUID       string
	Name          string
	ManageUsers   bool
	ManageRecords bool
}

// SharedFolder holds a shared folder's key, defaults, and live ACL.
type SharedFolder struct {
	UID  string
	Name string
	Key  []byte

	// TeamAccess is true when the operator holds the key through a team
	// membership rather than a direct user grant.
	TeamAccess bool

	DefaultManageUsers   bool
	DefaultManageRecords bool
	DefaultCanEdit       bool
	DefaultCanShare      bool

	Records map[string]RecordPermission
	// Users is keyed by lowercased username.
	Users map[string]UserPermission
	// Teams keeps the server's order.
	Teams []TeamPermission
}

// Team returns the ACL entry for a team uid.
func (sf *SharedFolder) Team(uid string) (TeamPermission, bool) {
	for _, t := range sf.Teams {
		if t.TeamUID == uid {
			return t, true
		}
	}

	return TeamPermission{}, false
}

// Record is a vault record with the decrypted fields that identify it
// and its unwrapped key.
type Record struct {
	UID      string
	Title    string
	Login    string
	Password string
	Key      []byte
}

// Team is a team the operator belongs to or can see in the directory.
// Key is nil when the operator cannot wrap keys for the team.
type Team struct {
	UID  string
	Name string
	Key  []byte
}

// Snapshot is the vault state at one point in time.
type Snapshot struct {
	Username  string
	MasterKey []byte

	Folders       map[string]*Folder
	SharedFolders map[string]*SharedFolder
	Records       map[string]*Record
	Teams         map[string]*Team

	// placement maps record uid to the folders containing it, in the order
	// they were reported. The empty uid is the root.
	placement map[string][]string
}

// New returns an empty snapshot for the given operator.
func New(username string, masterKey []byte) *Snapshot {
	return &Snapshot{
		Username:      username,
		MasterKey:     masterKey,
		Folders:       make(map[string]*Folder),
		SharedFolders: make(map[string]*SharedFolder),
		Records:       make(map[string]*Record),
		Teams:         make(map[string]*Team),
		placement:     make(map[string][]string),
	}
}

// AddFolder registers a folder node.
func (s *Snapshot) AddFolder(f *Folder) {
	s.Folders[f.UID] = f
}

// AddSharedFolder registers a shared folder's key and ACL. The ACL maps
// are created when nil.
func (s *Snapshot) AddSharedFolder(sf *SharedFolder) {
	if sf.Records == nil {
		sf.Records = make(map[string]RecordPermission)
	}

	if sf.Users == nil {
		sf.Users = make(map[string]UserPermission)
	}

	s.SharedFolders[sf.UID] = sf
}

// AddRecord registers a record and links it into the given folders.
// With no folders the record lives in the root.
func (s *Snapshot) AddRecord(r *Record, folderUIDs ...string) {
	s.Records[r.UID] = r

	if len(folderUIDs) == 0 {
		folderUIDs = []string{""}
	}

	for _, uid := range folderUIDs {
		s.LinkRecord(r.UID, uid)
	}
}

// LinkRecord places a record in a folder. Duplicate links are ignored.
func (s *Snapshot) LinkRecord(recordUID, folderUID string) {
	for _, uid := range s.placement[recordUID] {
		if uid == folderUID {
			return
		}
	}

	s.placement[recordUID] = append(s.placement[recordUID], folderUID)
}

// AddTeam registers a team.
func (s *Snapshot) AddTeam(t *Team) {
	s.Teams[t.UID] = t
}

// FoldersOf returns the folders containing a record, root as "".
func (s *Snapshot) FoldersOf(recordUID string) []string {
	return append([]string(nil), s.placement[recordUID]...)
}

// Tier returns the tier of a folder uid. The empty uid is the root.
func (s *Snapshot) Tier(folderUID string) (Tier, bool) {
	if folderUID == "" {
		return TierRoot, true
	}

	f, ok := s.Folders[folderUID]
	if !ok {
		return 0, false
	}

	return f.Tier, true
}

// OwningSharedFolder returns the shared folder whose key encrypts the
// contents of folderUID. It reports false for root and user folders and
// for shared folders whose key is not in the snapshot.
func (s *Snapshot) OwningSharedFolder(folderUID string) (*SharedFolder, bool) {
	f, ok := s.Folders[folderUID]
	if !ok {
		return nil, false
	}

	switch f.Tier {
	case TierShared, TierSharedSub:
		sf, ok := s.SharedFolders[f.SharedFolderUID]
		if !ok || len(sf.Key) == 0 {
			return nil, false
		}

		return sf, true
	case TierRoot, TierUser:
		return nil, false
	default:
		return nil, false
	}
}

// TeamByName finds a team by case-insensitive name. When several teams
// share a name the one with the smallest uid wins so lookups are stable.
func (s *Snapshot) TeamByName(name string) (*Team, bool) {
	uids := make([]string, 0, len(s.Teams))
	for uid := range s.Teams {
		uids = append(uids, uid)
	}

	sort.Strings(uids)

	for _, uid := range uids {
		if strings.EqualFold(s.Teams[uid].Name, name) {
			return s.Teams[uid], true
		}
	}

	return nil, false
}

// The methods below let the key wrapper resolve symmetric recipients.

// VaultMasterKey returns the operator's vault master key.
func (s *Snapshot) VaultMasterKey() []byte {
	return s.MasterKey
}

// SharedFolderKey returns the key of a shared folder.
func (s *Snapshot) SharedFolderKey(uid string) ([]byte, bool) {
	sf, ok := s.SharedFolders[uid]
	if !ok || len(sf.Key) == 0 {
		return nil, false
	}

	return sf.Key, true
}

// TeamKey returns the key of a team.
func (s *Snapshot) TeamKey(uid string) ([]byte, bool) {
	t, ok := s.Teams[uid]
	if !ok || len(t.Key) == 0 {
		return nil, false
	}

	return t.Key, true
}
