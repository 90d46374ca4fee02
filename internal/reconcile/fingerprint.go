package reconcile

import (
	"crypto/md5" //nolint:gosec // content digest for dedup, not a security boundary
	"encoding/hex"
	"sort"
	"strings"

	"github.com/alexjbarnes/vault-import/internal/snapshot"
)

// Fingerprint is the content digest used as object identity during
// dedup. Two objects with the same fingerprint are treated as the same
// object.
type Fingerprint string

// FolderFingerprint digests a folder's lowercased name and its parent uid.
func FolderFingerprint(name, parentUID string) Fingerprint {
	return digest(strings.ToLower(name) + "|" + parentUID)
}

// RecordFingerprint digests a record's title, login and password.
func RecordFingerprint(title, login, password string) Fingerprint {
	return digest(title + "|" + login + "|" + password)
}

func digest(s string) Fingerprint {
	h := md5.Sum([]byte(s)) //nolint:gosec
	return Fingerprint(hex.EncodeToString(h[:]))
}

// FolderEntry is what the index knows about an existing folder. Key
// material is not copied here; wrap decisions resolve it through
// SharedFolderUID.
type FolderEntry struct {
	UID             string
	Tier            snapshot.Tier
	SharedFolderUID string
}

// Index maps fingerprints to existing folders and records. It is built
// from one snapshot and never patched: after the vault changes, build a
// new one.
type Index struct {
	folders map[Fingerprint]FolderEntry
	records map[Fingerprint]string
}

// BuildIndex digests every folder and record in the snapshot. When two
// objects collide, the one with the smaller uid wins so the result does
// not depend on map iteration order.
func BuildIndex(s *snapshot.Snapshot) *Index {
	ix := &Index{
		folders: make(map[Fingerprint]FolderEntry, len(s.Folders)),
		records: make(map[Fingerprint]string, len(s.Records)),
	}

	for _, uid := range sortedKeys(s.Folders) {
		f := s.Folders[uid]

		fp := FolderFingerprint(f.Name, f.ParentUID)
		if _, dup := ix.folders[fp]; dup {
			continue
		}

		ix.folders[fp] = FolderEntry{
			UID:             f.UID,
			Tier:            f.Tier,
			SharedFolderUID: f.SharedFolderUID,
		}
	}

	for _, uid := range sortedKeys(s.Records) {
		r := s.Records[uid]

		fp := RecordFingerprint(r.Title, r.Login, r.Password)
		if _, dup := ix.records[fp]; dup {
			continue
		}

		ix.records[fp] = r.UID
	}

	return ix
}

// LookupFolder returns the existing folder with this fingerprint.
func (ix *Index) LookupFolder(fp Fingerprint) (FolderEntry, bool) {
	e, ok := ix.folders[fp]
	return e, ok
}

// LookupRecord returns the uid of the existing record with this fingerprint.
func (ix *Index) LookupRecord(fp Fingerprint) (string, bool) {
	uid, ok := ix.records[fp]
	return uid, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
