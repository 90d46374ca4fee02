package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperation_MarshalIncludesCommand(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		command string
	}{
		{"folder add", &FolderAdd{FolderUID: "f1"}, CommandFolderAdd},
		{"shared folder update", &SharedFolderUpdate{SharedFolderUID: "sf1"}, CommandSharedFolderUpdate},
		{"record add", &RecordAdd{RecordUID: "r1"}, CommandRecordAdd},
		{"move", &Move{ToType: "user_folder"}, CommandMove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.command, tt.op.Command())
			assert.Equal(t, tt.command, toMap(t, tt.op)["command"])
		})
	}
}

func TestFolderAdd_OmitsEmptyOptionalFields(t *testing.T) {
	m := toMap(t, &FolderAdd{FolderUID: "f1", FolderType: "user_folder", Key: "k", Data: "d"})

	assert.Equal(t, "f1", m["folder_uid"])
	assert.NotContains(t, m, "parent_uid")
	assert.NotContains(t, m, "shared_folder_uid")
	assert.NotContains(t, m, "name")
}

func TestSharedFolderUpdate_Marshal(t *testing.T) {
	op := &SharedFolderUpdate{
		SharedFolderUID: "sf1",
		Operation:       "update",
		ForceUpdate:     true,
		DefaultCanEdit:  boolPtr(false),
		AddUsers:        []UserGrant{{Username: "bob@example.com", ManageRecords: true, SharedFolderKey: "wrapped"}},
		UpdateTeams:     []TeamGrant{{TeamUID: "t1", ManageUsers: true}},
	}

	m := toMap(t, op)

	assert.Equal(t, "update", m["operation"])
	assert.Equal(t, true, m["force_update"])
	assert.Equal(t, false, m["default_can_edit"])
	assert.NotContains(t, m, "default_can_share")
	assert.NotContains(t, m, "add_teams")

	users := m["add_users"].([]any)
	assert.Equal(t, "wrapped", users[0].(map[string]any)["shared_folder_key"])

	teams := m["update_teams"].([]any)
	assert.NotContains(t, teams[0].(map[string]any), "shared_folder_key")
}

func TestMove_TransitionKeysAlwaysPresent(t *testing.T) {
	m := toMap(t, &Move{ToType: "user_folder", Link: true, TransitionKeys: []TransitionKey{}})

	assert.Equal(t, []any{}, m["transition_keys"])
	assert.NotContains(t, m, "to_uid")
}

func TestSharedFolderUpdate_Empty(t *testing.T) {
	assert.True(t, (&SharedFolderUpdate{SharedFolderUID: "sf1"}).empty())
	assert.False(t, (&SharedFolderUpdate{DefaultCanShare: boolPtr(false)}).empty())
	assert.False(t, (&SharedFolderUpdate{UpdateRecords: []RecordGrant{{RecordUID: "r1"}}}).empty())
}

func TestCountByCommand(t *testing.T) {
	counts := CountByCommand([]Operation{&FolderAdd{}, &FolderAdd{}, &RecordAdd{}, &Move{}})

	assert.Equal(t, map[string]int{CommandFolderAdd: 2, CommandRecordAdd: 1, CommandMove: 1}, counts)
}
