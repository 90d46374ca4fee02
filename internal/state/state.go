package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/vault-import/internal/importer"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.vault-import/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionsBucket = []byte("sessions")
	runsBucket     = []byte("runs")
	sourcesBucket  = []byte("sources")
)

// Session is a cached login. The data key is stored wrapped under the
// password-derived key exactly as the server returned it, so resuming
// still requires the password.
type Session struct {
	Username         string    `json:"username"`
	Token            string    `json:"token"`
	Salt             string    `json:"salt"`
	Iterations       int       `json:"iterations"`
	EncryptedDataKey string    `json:"encrypted_data_key"`
	CreatedAt        time.Time `json:"created_at"`
}

// Run is one entry of the import history.
type Run struct {
	ID        uint64           `json:"id"`
	Source    string           `json:"source"`
	Digest    string           `json:"digest"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Error     string           `json:"error,omitempty"`
	Summary   importer.Summary `json:"summary"`
}

// Source is the last successfully imported version of a document.
type Source struct {
	Path       string    `json:"path"`
	Digest     string    `json:"digest"`
	ImportedAt time.Time `json:"imported_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.vault-import/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(DefaultPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, runsBucket, sourcesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func sessionKey(username string) []byte {
	return []byte(strings.ToLower(username))
}

// Session returns the cached session for a user, or nil if none.
func (s *State) Session(username string) (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get(sessionKey(username))
		if v == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(v, sess)
	})

	return sess, err
}

// SaveSession persists a session, replacing any previous one for the user.
func (s *State) SaveSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionsBucket).Put(sessionKey(sess.Username), data)
	})
}

// DeleteSession removes the cached session for a user.
func (s *State) DeleteSession(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(sessionKey(username))
	})
}

// AddRun appends a run to the history and returns its id.
func (s *State) AddRun(run Run) (uint64, error) {
	var id uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		run.ID = seq

		data, err := json.Marshal(run)
		if err != nil {
			return err
		}

		id = seq

		return b.Put(runKey(seq), data)
	})

	return id, err
}

// Runs returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *State) Runs(limit int) ([]Run, error) {
	var runs []Run

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}

			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			runs = append(runs, r)
		}

		return nil
	})

	return runs, err
}

// runKey encodes a sequence big-endian so cursor order is numeric order.
func runKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

// Source returns what was last imported from a document path, or nil.
func (s *State) Source(path string) (*Source, error) {
	var src *Source

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sourcesBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		src = &Source{}

		return json.Unmarshal(v, src)
	})

	return src, err
}

// SetSource records a successful import of a document.
func (s *State) SetSource(src Source) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(src)
		if err != nil {
			return err
		}

		return tx.Bucket(sourcesBucket).Put([]byte(src.Path), data)
	})
}

// DefaultPath returns ~/.vault-import/state.db.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".vault-import", "state.db")
}
