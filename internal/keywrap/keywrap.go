// Package keywrap wraps per-object symmetric keys for the recipient that
// must be able to open them: the operator's vault master key, a shared
// folder key, a team key, or a directory user's RSA public key.
//
// Symmetric wraps and encrypted payloads use AES-256-GCM with a random
// 12-byte nonce, stored as [nonce][ciphertext+tag] and encoded as unpadded
// base64url. Public-key wraps use RSA PKCS#1 v1.5, the scheme the vault
// server expects for user grants.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// KeySize is the length of every symmetric key in bytes (AES-256).
	KeySize = 32

	// gcmNonceSize is the AES-GCM nonce length prepended to ciphertext.
	gcmNonceSize = 12

	// gcmTagSize is the AES-GCM authentication tag length.
	gcmTagSize = 16
)

var encoding = base64.RawURLEncoding

// Encode returns the unpadded base64url form used on the wire.
func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

// Decode accepts unpadded or padded base64url.
func Decode(s string) ([]byte, error) {
	return encoding.DecodeString(strings.TrimRight(s, "="))
}

// Recipient identifies who a wrapped key is for. The implementations in
// this package are the only ones; Wrap switches over all of them.
type Recipient interface {
	isRecipient()
}

// VaultMasterKey wraps for the operator's own vault.
type VaultMasterKey struct{}

// SharedFolderKey wraps under the key of a shared folder.
type SharedFolderKey struct {
	UID string
}

// TeamKey wraps under a team's symmetric key.
type TeamKey struct {
	UID string
}

// UserPublicKey wraps for a directory user. Key is the DER public key as
// returned by the directory, PKCS#1 or PKIX.
type UserPublicKey struct {
	Username string
	Key      []byte
}

func (VaultMasterKey) isRecipient()  {}
func (SharedFolderKey) isRecipient() {}
func (TeamKey) isRecipient()         {}
func (UserPublicKey) isRecipient()   {}

// KeyStore resolves symmetric key material for recipients.
// *snapshot.Snapshot satisfies it.
type KeyStore interface {
	VaultMasterKey() []byte
	SharedFolderKey(uid string) ([]byte, bool)
	TeamKey(uid string) ([]byte, bool)
}

// Wrapper wraps keys against a KeyStore. Shared folder keys generated
// during planning, before the server knows them, are registered with
// Remember and take precedence over the store.
type Wrapper struct {
	keys    KeyStore
	planned map[string][]byte
	random  io.Reader
}

// NewWrapper creates a Wrapper resolving keys from the given store.
func NewWrapper(keys KeyStore) *Wrapper {
	return &Wrapper{
		keys:    keys,
		planned: make(map[string][]byte),
		random:  rand.Reader,
	}
}

// Remember registers the key of a shared folder that is about to be created.
func (w *Wrapper) Remember(sharedFolderUID string, key []byte) {
	w.planned[sharedFolderUID] = key
}

// SharedFolderKey resolves a shared folder key, planned keys first.
func (w *Wrapper) SharedFolderKey(uid string) ([]byte, bool) {
	if key, ok := w.planned[uid]; ok {
		return key, true
	}

	return w.keys.SharedFolderKey(uid)
}

// Wrap encrypts key for the recipient. It returns an error wrapping
// errors.ErrKeyUnavailable when the recipient's key material cannot be
// resolved; callers drop the grant in that case.
func (w *Wrapper) Wrap(key []byte, to Recipient) (string, error) {
	switch r := to.(type) {
	case VaultMasterKey:
		master := w.keys.VaultMasterKey()
		if len(master) == 0 {
			return "", fmt.Errorf("vault master key: %w", vierrors.ErrKeyUnavailable)
		}

		return encrypt(w.random, key, master)

	case SharedFolderKey:
		sfKey, ok := w.SharedFolderKey(r.UID)
		if !ok {
			return "", fmt.Errorf("shared folder %s: %w", r.UID, vierrors.ErrKeyUnavailable)
		}

		return encrypt(w.random, key, sfKey)

	case TeamKey:
		teamKey, ok := w.keys.TeamKey(r.UID)
		if !ok {
			return "", fmt.Errorf("team %s: %w", r.UID, vierrors.ErrKeyUnavailable)
		}

		return encrypt(w.random, key, teamKey)

	case UserPublicKey:
		if len(r.Key) == 0 {
			return "", fmt.Errorf("public key for %s: %w", r.Username, vierrors.ErrKeyUnavailable)
		}

		pub, err := ParsePublicKey(r.Key)
		if err != nil {
			return "", fmt.Errorf("public key for %s: %w: %v", r.Username, vierrors.ErrKeyUnavailable, err)
		}

		ct, err := rsa.EncryptPKCS1v15(w.random, pub, key)
		if err != nil {
			return "", fmt.Errorf("rsa wrap for %s: %w", r.Username, err)
		}

		return Encode(ct), nil

	default:
		return "", fmt.Errorf("unsupported recipient %T", to)
	}
}

// ParsePublicKey parses an RSA public key in PKCS#1 or PKIX DER form.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", parsed)
	}

	return pub, nil
}

// EncryptData encrypts plaintext under a 32-byte key.
func EncryptData(plaintext, key []byte) (string, error) {
	return encrypt(rand.Reader, plaintext, key)
}

// DecryptData reverses EncryptData.
func DecryptData(encoded string, key []byte) ([]byte, error) {
	data, err := Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(data) < gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plaintext, err := gcm.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

// Unwrap opens a key wrapped under a symmetric key.
func Unwrap(wrapped string, key []byte) ([]byte, error) {
	unwrapped, err := DecryptData(wrapped, key)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}

	if len(unwrapped) != KeySize {
		return nil, fmt.Errorf("unwrapped key has %d bytes, expected %d bytes", len(unwrapped), KeySize)
	}

	return unwrapped, nil
}

func encrypt(random io.Reader, plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+gcmTagSize)
	copy(out, nonce)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return Encode(out), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}

// NewUID returns a new object uid: 16 random bytes as unpadded base64url.
func NewUID() string {
	id := uuid.New()
	return Encode(id[:])
}

// DeriveKey derives a 32-byte key from the account password with
// PBKDF2-HMAC-SHA256. The password is NFKC-normalized first so the same
// password typed on different platforms derives the same key.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	password = norm.NFKC.String(password)
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// AuthHash is the login proof sent to the server: base64url(SHA-256(derived)).
func AuthHash(derived []byte) string {
	h := sha256.Sum256(derived)
	return Encode(h[:])
}

// ZeroKey overwrites key material in place.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
