package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"gopkg.in/yaml.v3"
)

// Supported document formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// maxDocumentBytes caps how much of an import document is read.
const maxDocumentBytes = 64 * 1024 * 1024

// FormatForPath picks the document format from a file extension.
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%s: %w", path, vierrors.ErrUnsupportedFormat)
	}
}

// Load reads and validates an import document.
func Load(path string) (*Batch, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening import document: %w", err)
	}
	defer f.Close()

	b, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return b, nil
}

// Digest returns the SHA-256 of a document's bytes, hex encoded. Runs
// compare it against the last import to skip unchanged documents.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening import document: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, maxDocumentBytes+1)); err != nil {
		return "", fmt.Errorf("hashing import document: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Decode parses an import document in the given format.
func Decode(r io.Reader, format string) (*Batch, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading import document: %w", err)
	}

	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("import document exceeds %d bytes", maxDocumentBytes)
	}

	var b Batch

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		if err := dec.Decode(&b); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("%q: %w", format, vierrors.ErrUnsupportedFormat)
	}

	if err := b.normalize(); err != nil {
		return nil, err
	}

	return &b, nil
}

// normalize drops null entries and checks that every grantee is named.
func (b *Batch) normalize() error {
	sfs := b.SharedFolders[:0]
	for i, sf := range b.SharedFolders {
		if sf == nil {
			continue
		}

		sf.Path = canonicalPath(sf.Path)
		if sf.Path == "" {
			return fmt.Errorf("shared folder %d: empty path", i+1)
		}

		perms, err := normalizePermissions(sf.Permissions)
		if err != nil {
			return fmt.Errorf("shared folder %q: %w", sf.Path, err)
		}

		sf.Permissions = perms
		sfs = append(sfs, sf)
	}

	b.SharedFolders = sfs

	recs := b.Records[:0]
	for _, r := range b.Records {
		if r == nil {
			continue
		}

		folders := r.Folders[:0]
		for _, f := range r.Folders {
			if f == nil {
				continue
			}

			f.Domain = canonicalPath(f.Domain)
			f.Path = canonicalPath(f.Path)

			perms, err := normalizePermissions(f.Permissions)
			if err != nil {
				return fmt.Errorf("record %q: %w", r.Title, err)
			}

			f.Permissions = perms
			folders = append(folders, f)
		}

		r.Folders = folders
		recs = append(recs, r)
	}

	b.Records = recs

	return nil
}

// canonicalPath rewrites a path with trimmed names and no empty
// components, so equal folders compare and log the same way.
func canonicalPath(path string) string {
	return JoinPath(PathComponents(path)...)
}

func normalizePermissions(perms []*Permission) ([]*Permission, error) {
	out := perms[:0]
	for _, p := range perms {
		if p == nil {
			continue
		}

		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" && p.UID == "" {
			return nil, fmt.Errorf("permission without name or uid")
		}

		out = append(out, p)
	}

	return out, nil
}
