package reconcile

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/stretchr/testify/require"
)

const operator = "operator@example.com"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := keywrap.GenerateKey()
	require.NoError(t, err)

	return key
}

func newSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	return snapshot.New(operator, mustKey(t))
}

func addUserFolder(s *snapshot.Snapshot, uid, parentUID, name string) {
	s.AddFolder(&snapshot.Folder{UID: uid, ParentUID: parentUID, Name: name, Tier: snapshot.TierUser})
}

// addSharedFolder registers a shared folder node at the root together
// with its key and an empty ACL.
func addSharedFolder(t *testing.T, s *snapshot.Snapshot, uid, name string) *snapshot.SharedFolder {
	t.Helper()
	s.AddFolder(&snapshot.Folder{UID: uid, Name: name, Tier: snapshot.TierShared, SharedFolderUID: uid})

	sf := &snapshot.SharedFolder{UID: uid, Name: name, Key: mustKey(t)}
	s.AddSharedFolder(sf)

	return sf
}

func addSharedSub(s *snapshot.Snapshot, uid, parentUID, sfUID, name string) {
	s.AddFolder(&snapshot.Folder{UID: uid, ParentUID: parentUID, Name: name, Tier: snapshot.TierSharedSub, SharedFolderUID: sfUID})
}

func unwrap(t *testing.T, wrapped string, key []byte) []byte {
	t.Helper()
	out, err := keywrap.Unwrap(wrapped, key)
	require.NoError(t, err)

	return out
}

func decryptJSON(t *testing.T, data string, key []byte, v any) {
	t.Helper()
	plain, err := keywrap.DecryptData(data, key)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(plain, v))
}

func toMap(t *testing.T, op Operation) map[string]any {
	t.Helper()
	b, err := json.Marshal(op)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))

	return m
}
