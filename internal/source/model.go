// Package source defines the normalized import model that adapters for
// third-party credential stores produce, and loads it from JSON or YAML.
//
// Objects here live for a single import run. The engine mutates them in
// place as they are resolved: folders learn their destination uid and
// records learn the uid they were matched to or created with.
package source

// Permission grants a team or user access to a shared folder.
// Name is an email address or a team name; UID is set when the grantee
// is already known (for example a team uid from an export).
type Permission struct {
	UID           string `json:"uid,omitempty" yaml:"uid,omitempty"`
	Name          string `json:"name" yaml:"name"`
	ManageUsers   bool   `json:"manage_users" yaml:"manage_users"`
	ManageRecords bool   `json:"manage_records" yaml:"manage_records"`
}

// Folder is a destination a record should appear in. Domain, when set,
// is the path to a shared folder: its last component is the ownership
// boundary. Path is the plain sub-folder chain below it (or below the
// root when Domain is empty).
type Folder struct {
	Domain      string        `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path        string        `json:"path,omitempty" yaml:"path,omitempty"`
	CanShare    bool          `json:"can_share" yaml:"can_share"`
	CanEdit     bool          `json:"can_edit" yaml:"can_edit"`
	Permissions []*Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	uid      string
	resolved bool
	skipped  bool
}

// Resolve records the destination folder uid. The empty uid is the root.
func (f *Folder) Resolve(uid string) {
	f.uid = uid
	f.resolved = true
	f.skipped = false
}

// Skip marks the folder as unplaceable for this run.
func (f *Folder) Skip() {
	f.uid = ""
	f.resolved = false
	f.skipped = true
}

// UID returns the resolved destination uid and whether the folder was
// resolved. A skipped or not yet processed folder reports false.
func (f *Folder) UID() (string, bool) {
	return f.uid, f.resolved
}

// Skipped reports whether placement was abandoned for this folder.
func (f *Folder) Skipped() bool {
	return f.skipped
}

// Segment is one step of a folder walk.
type Segment struct {
	Name string
	// Boundary marks the segment that must be a shared folder.
	Boundary bool
}

// Segments flattens the domain and path into the ordered list the folder
// tree builder walks: the domain's components first (the last one being
// the ownership boundary), then the plain path's components.
func (f *Folder) Segments() []Segment {
	var segs []Segment

	domain := PathComponents(f.Domain)
	for i, name := range domain {
		segs = append(segs, Segment{Name: name, Boundary: i == len(domain)-1})
	}

	for _, name := range PathComponents(f.Path) {
		segs = append(segs, Segment{Name: name})
	}

	return segs
}

// SharedFolder declares a shared folder independently of any record,
// with its default record/user permissions and its grantees.
type SharedFolder struct {
	Path          string        `json:"path" yaml:"path"`
	ManageUsers   bool          `json:"manage_users" yaml:"manage_users"`
	ManageRecords bool          `json:"manage_records" yaml:"manage_records"`
	CanEdit       bool          `json:"can_edit" yaml:"can_edit"`
	CanShare      bool          `json:"can_share" yaml:"can_share"`
	Permissions   []*Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	folder *Folder
}

// Folder returns the folder walk for this declaration: the whole path is
// the domain, so its last component becomes the shared folder. The same
// *Folder is returned on every call so its resolution is shared.
func (sf *SharedFolder) Folder() *Folder {
	if sf.folder == nil {
		sf.folder = &Folder{
			Domain:      sf.Path,
			CanEdit:     sf.CanEdit,
			CanShare:    sf.CanShare,
			Permissions: sf.Permissions,
		}
	}

	return sf.folder
}

// Record is a credential to import. Folders are ordered: the first one is
// the primary folder the record is created in, the rest are linked.
type Record struct {
	Title        string            `json:"title" yaml:"title"`
	Login        string            `json:"login,omitempty" yaml:"login,omitempty"`
	Password     string            `json:"password,omitempty" yaml:"password,omitempty"`
	URL          string            `json:"url,omitempty" yaml:"url,omitempty"`
	Notes        string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty" yaml:"custom_fields,omitempty"`
	Folders      []*Folder         `json:"folders,omitempty" yaml:"folders,omitempty"`

	// UID is set once the record is matched or created.
	UID string `json:"-" yaml:"-"`
}

// PrimaryFolder returns the folder the record is created in, or nil when
// the record goes to the root.
func (r *Record) PrimaryFolder() *Folder {
	if len(r.Folders) == 0 {
		return nil
	}

	return r.Folders[0]
}

// Batch is a normalized import document.
type Batch struct {
	SharedFolders []*SharedFolder `json:"shared_folders,omitempty" yaml:"shared_folders,omitempty"`
	Records       []*Record       `json:"records,omitempty" yaml:"records,omitempty"`
}

// Folders returns every folder walk in the batch: shared folder
// declarations first, then each record's folders in order.
func (b *Batch) Folders() []*Folder {
	var out []*Folder
	for _, sf := range b.SharedFolders {
		out = append(out, sf.Folder())
	}

	for _, r := range b.Records {
		out = append(out, r.Folders...)
	}

	return out
}
