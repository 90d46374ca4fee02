package reconcile

import "encoding/json"

// Command names understood by the remote store.
const (
	CommandFolderAdd          = "folder_add"
	CommandSharedFolderUpdate = "shared_folder_update"
	CommandRecordAdd          = "record_add"
	CommandMove               = "move"
)

// Operation is one entry of the queue submitted to the remote store.
// Each implementation marshals itself with its "command" field.
type Operation interface {
	Command() string
}

// FolderAdd creates a folder. Key is the folder key wrapped for its
// owner; Data (and Name, for shared folders) are encrypted under the
// folder key itself.
type FolderAdd struct {
	FolderUID       string `json:"folder_uid"`
	FolderType      string `json:"folder_type"`
	Key             string `json:"key"`
	ParentUID       string `json:"parent_uid,omitempty"`
	SharedFolderUID string `json:"shared_folder_uid,omitempty"`
	Name            string `json:"name,omitempty"`
	Data            string `json:"data"`
}

// Command implements Operation.
func (FolderAdd) Command() string { return CommandFolderAdd }

// MarshalJSON adds the command field.
func (op FolderAdd) MarshalJSON() ([]byte, error) {
	type alias FolderAdd

	return json.Marshal(struct {
		Command string `json:"command"`
		alias
	}{CommandFolderAdd, alias(op)})
}

// UserGrant adds or updates a user on a shared folder. SharedFolderKey is
// only set for additions.
type UserGrant struct {
	Username        string `json:"username"`
	ManageUsers     bool   `json:"manage_users"`
	ManageRecords   bool   `json:"manage_records"`
	SharedFolderKey string `json:"shared_folder_key,omitempty"`
}

// TeamGrant adds or updates a team on a shared folder.
type TeamGrant struct {
	TeamUID         string `json:"team_uid"`
	ManageUsers     bool   `json:"manage_users"`
	ManageRecords   bool   `json:"manage_records"`
	SharedFolderKey string `json:"shared_folder_key,omitempty"`
}

// RecordGrant changes a record's permissions inside a shared folder.
type RecordGrant struct {
	RecordUID       string `json:"record_uid"`
	SharedFolderUID string `json:"shared_folder_uid"`
	CanEdit         bool   `json:"can_edit"`
	CanShare        bool   `json:"can_share"`
}

// SharedFolderUpdate changes a shared folder's defaults and ACL.
type SharedFolderUpdate struct {
	SharedFolderUID      string        `json:"shared_folder_uid"`
	Operation            string        `json:"operation"`
	ForceUpdate          bool          `json:"force_update"`
	DefaultManageUsers   *bool         `json:"default_manage_users,omitempty"`
	DefaultManageRecords *bool         `json:"default_manage_records,omitempty"`
	DefaultCanEdit       *bool         `json:"default_can_edit,omitempty"`
	DefaultCanShare      *bool         `json:"default_can_share,omitempty"`
	AddUsers             []UserGrant   `json:"add_users,omitempty"`
	UpdateUsers          []UserGrant   `json:"update_users,omitempty"`
	AddTeams             []TeamGrant   `json:"add_teams,omitempty"`
	UpdateTeams          []TeamGrant   `json:"update_teams,omitempty"`
	UpdateRecords        []RecordGrant `json:"update_records,omitempty"`
}

// Command implements Operation.
func (SharedFolderUpdate) Command() string { return CommandSharedFolderUpdate }

// MarshalJSON adds the command field.
func (op SharedFolderUpdate) MarshalJSON() ([]byte, error) {
	type alias SharedFolderUpdate

	return json.Marshal(struct {
		Command string `json:"command"`
		alias
	}{CommandSharedFolderUpdate, alias(op)})
}

// empty reports whether the update would change nothing.
func (op *SharedFolderUpdate) empty() bool {
	return op.DefaultManageUsers == nil && op.DefaultManageRecords == nil &&
		op.DefaultCanEdit == nil && op.DefaultCanShare == nil &&
		len(op.AddUsers) == 0 && len(op.UpdateUsers) == 0 &&
		len(op.AddTeams) == 0 && len(op.UpdateTeams) == 0 &&
		len(op.UpdateRecords) == 0
}

// RecordAdd creates a password record. RecordKey is wrapped under the
// vault master key; FolderKey is the same key wrapped under the shared
// folder key when the record is created inside a shared folder.
type RecordAdd struct {
	RecordUID  string `json:"record_uid"`
	RecordType string `json:"record_type"`
	RecordKey  string `json:"record_key"`
	FolderType string `json:"folder_type"`
	FolderUID  string `json:"folder_uid,omitempty"`
	FolderKey  string `json:"folder_key,omitempty"`
	TeamUID    string `json:"team_uid,omitempty"`
	Data       string `json:"data"`
	HowLongAgo int    `json:"how_long_ago"`
}

// Command implements Operation.
func (RecordAdd) Command() string { return CommandRecordAdd }

// MarshalJSON adds the command field.
func (op RecordAdd) MarshalJSON() ([]byte, error) {
	type alias RecordAdd

	return json.Marshal(struct {
		Command string `json:"command"`
		alias
	}{CommandRecordAdd, alias(op)})
}

// MoveObject is one object carried by a Move.
type MoveObject struct {
	Type     string `json:"type"`
	UID      string `json:"uid"`
	FromType string `json:"from_type"`
	FromUID  string `json:"from_uid,omitempty"`
	Cascade  bool   `json:"cascade"`
}

// TransitionKey re-wraps an object's key for its new location.
type TransitionKey struct {
	UID string `json:"uid"`
	Key string `json:"key"`
}

// Move links (Link=true) or moves objects into a destination folder.
type Move struct {
	ToType         string          `json:"to_type"`
	ToUID          string          `json:"to_uid,omitempty"`
	Link           bool            `json:"link"`
	Move           []MoveObject    `json:"move"`
	TransitionKeys []TransitionKey `json:"transition_keys"`
}

// Command implements Operation.
func (Move) Command() string { return CommandMove }

// MarshalJSON adds the command field.
func (op Move) MarshalJSON() ([]byte, error) {
	type alias Move

	return json.Marshal(struct {
		Command string `json:"command"`
		alias
	}{CommandMove, alias(op)})
}

// folderData is the encrypted payload of a folder.
type folderData struct {
	Name string `json:"name"`
}

// RecordData is the encrypted payload of a password record.
type RecordData struct {
	Title   string        `json:"title"`
	Secret1 string        `json:"secret1"`
	Secret2 string        `json:"secret2"`
	Link    string        `json:"link"`
	Notes   string        `json:"notes"`
	Custom  []CustomField `json:"custom"`
}

// CustomField is a named extra value on a record.
type CustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CountByCommand tallies a queue by command name.
func CountByCommand(ops []Operation) map[string]int {
	counts := make(map[string]int)
	for _, op := range ops {
		counts[op.Command()]++
	}

	return counts
}
