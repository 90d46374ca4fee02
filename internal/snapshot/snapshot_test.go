package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier_FolderType(t *testing.T) {
	tests := []struct {
		tier Tier
		want string
	}{
		{TierRoot, FolderTypeUser},
		{TierUser, FolderTypeUser},
		{TierShared, FolderTypeShared},
		{TierSharedSub, FolderTypeSharedFolder},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.tier.FolderType(), tt.tier.String())
	}
}

func TestTier_FolderTypeUnknownPanics(t *testing.T) {
	assert.Panics(t, func() { _ = Tier(42).FolderType() })
}

func TestTier_IsShared(t *testing.T) {
	assert.False(t, TierRoot.IsShared())
	assert.False(t, TierUser.IsShared())
	assert.True(t, TierShared.IsShared())
	assert.True(t, TierSharedSub.IsShared())
}

func TestSnapshot_AddRecordDefaultsToRoot(t *testing.T) {
	s := New("op@example.com", []byte("k"))
	s.AddRecord(&Record{UID: "r1"})
	assert.Equal(t, []string{""}, s.FoldersOf("r1"))
}

func TestSnapshot_LinkRecordIgnoresDuplicates(t *testing.T) {
	s := New("op@example.com", nil)
	s.AddRecord(&Record{UID: "r1"}, "f1")
	s.LinkRecord("r1", "f2")
	s.LinkRecord("r1", "f1")
	assert.Equal(t, []string{"f1", "f2"}, s.FoldersOf("r1"))
}

func TestSnapshot_FoldersOfReturnsCopy(t *testing.T) {
	s := New("op@example.com", nil)
	s.AddRecord(&Record{UID: "r1"}, "f1")
	got := s.FoldersOf("r1")
	got[0] = "mutated"
	assert.Equal(t, []string{"f1"}, s.FoldersOf("r1"))
}

func TestSnapshot_Tier(t *testing.T) {
	s := New("op@example.com", nil)
	s.AddFolder(&Folder{UID: "u1", Tier: TierUser})

	tier, ok := s.Tier("")
	assert.True(t, ok)
	assert.Equal(t, TierRoot, tier)

	tier, ok = s.Tier("u1")
	assert.True(t, ok)
	assert.Equal(t, TierUser, tier)

	_, ok = s.Tier("missing")
	assert.False(t, ok)
}

func TestSnapshot_OwningSharedFolder(t *testing.T) {
	s := New("op@example.com", nil)
	s.AddFolder(&Folder{UID: "u1", Tier: TierUser})
	s.AddFolder(&Folder{UID: "sf1", Tier: TierShared, SharedFolderUID: "sf1"})
	s.AddFolder(&Folder{UID: "sub1", ParentUID: "sf1", Tier: TierSharedSub, SharedFolderUID: "sf1"})
	s.AddFolder(&Folder{UID: "sf2", Tier: TierShared, SharedFolderUID: "sf2"})
	s.AddSharedFolder(&SharedFolder{UID: "sf1", Key: []byte("key1")})
	s.AddFolder(&Folder{UID: "sf3", Tier: TierShared, SharedFolderUID: "sf3"})
	s.AddSharedFolder(&SharedFolder{UID: "sf3"})

	sf, ok := s.OwningSharedFolder("sf1")
	require.True(t, ok)
	assert.Equal(t, "sf1", sf.UID)

	sf, ok = s.OwningSharedFolder("sub1")
	require.True(t, ok)
	assert.Equal(t, "sf1", sf.UID)

	_, ok = s.OwningSharedFolder("u1")
	assert.False(t, ok)

	_, ok = s.OwningSharedFolder("sf2")
	assert.False(t, ok, "shared folder without key material is not resolvable")

	_, ok = s.OwningSharedFolder("sf3")
	assert.False(t, ok, "ACL without key is not resolvable")

	_, ok = s.OwningSharedFolder("")
	assert.False(t, ok)
}

func TestSnapshot_AddSharedFolderInitializesACL(t *testing.T) {
	s := New("op@example.com", nil)
	s.AddSharedFolder(&SharedFolder{UID: "sf1"})
	assert.NotNil(t, s.SharedFolders["sf1"].Records)
	assert.NotNil(t, s.SharedFolders["sf1"].Users)
}

func TestSnapshot_TeamByName(t *testing.T) {
	s := New("op@example.com", nil)
	s.AddTeam(&Team{UID: "t2", Name: "Engineering"})
	s.AddTeam(&Team{UID: "t1", Name: "engineering"})
	s.AddTeam(&Team{UID: "t3", Name: "Sales"})

	team, ok := s.TeamByName("ENGINEERING")
	require.True(t, ok)
	assert.Equal(t, "t1", team.UID)

	_, ok = s.TeamByName("Support")
	assert.False(t, ok)
}

func TestSnapshot_KeyLookups(t *testing.T) {
	s := New("op@example.com", []byte("master"))
	s.AddSharedFolder(&SharedFolder{UID: "sf1", Key: []byte("sfkey")})
	s.AddSharedFolder(&SharedFolder{UID: "sf2"})
	s.AddTeam(&Team{UID: "t1", Key: []byte("teamkey")})
	s.AddTeam(&Team{UID: "t2"})

	assert.Equal(t, []byte("master"), s.VaultMasterKey())

	key, ok := s.SharedFolderKey("sf1")
	assert.True(t, ok)
	assert.Equal(t, []byte("sfkey"), key)

	_, ok = s.SharedFolderKey("sf2")
	assert.False(t, ok)

	key, ok = s.TeamKey("t1")
	assert.True(t, ok)
	assert.Equal(t, []byte("teamkey"), key)

	_, ok = s.TeamKey("t2")
	assert.False(t, ok)
}

func TestSharedFolder_Team(t *testing.T) {
	sf := &SharedFolder{Teams: []TeamPermission{{TeamUID: "t1", ManageRecords: true}}}

	tp, ok := sf.Team("t1")
	assert.True(t, ok)
	assert.True(t, tp.ManageRecords)

	_, ok = sf.Team("t9")
	assert.False(t, ok)
}
