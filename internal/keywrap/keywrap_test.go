package keywrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"testing"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeys struct {
	master []byte
	shared map[string][]byte
	teams  map[string][]byte
}

func (f fakeKeys) VaultMasterKey() []byte { return f.master }

func (f fakeKeys) SharedFolderKey(uid string) ([]byte, bool) {
	k, ok := f.shared[uid]
	return k, ok
}

func (f fakeKeys) TeamKey(uid string) ([]byte, bool) {
	k, ok := f.teams[uid]
	return k, ok
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)

	return key
}

func TestWrap_SymmetricRecipients(t *testing.T) {
	master, sfKey, teamKey := mustKey(t), mustKey(t), mustKey(t)
	w := NewWrapper(fakeKeys{
		master: master,
		shared: map[string][]byte{"sf1": sfKey},
		teams:  map[string][]byte{"t1": teamKey},
	})

	tests := []struct {
		name string
		to   Recipient
		key  []byte
	}{
		{"vault master key", VaultMasterKey{}, master},
		{"shared folder key", SharedFolderKey{UID: "sf1"}, sfKey},
		{"team key", TeamKey{UID: "t1"}, teamKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataKey := mustKey(t)
			wrapped, err := w.Wrap(dataKey, tt.to)
			require.NoError(t, err)

			got, err := Unwrap(wrapped, tt.key)
			require.NoError(t, err)
			assert.Equal(t, dataKey, got)
		})
	}
}

func TestWrap_KeyUnavailable(t *testing.T) {
	w := NewWrapper(fakeKeys{})

	tests := []struct {
		name string
		to   Recipient
	}{
		{"no master key", VaultMasterKey{}},
		{"unknown shared folder", SharedFolderKey{UID: "missing"}},
		{"unknown team", TeamKey{UID: "missing"}},
		{"empty public key", UserPublicKey{Username: "bob@example.com"}},
		{"garbage public key", UserPublicKey{Username: "bob@example.com", Key: []byte("not a key")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.Wrap(mustKey(t), tt.to)
			require.Error(t, err)
			assert.True(t, errors.Is(err, vierrors.ErrKeyUnavailable), "got %v", err)
		})
	}
}

func TestWrap_RememberedSharedFolderKeyWins(t *testing.T) {
	stored, planned := mustKey(t), mustKey(t)
	w := NewWrapper(fakeKeys{shared: map[string][]byte{"sf1": stored}})
	w.Remember("sf1", planned)
	w.Remember("sf2", planned)

	for _, uid := range []string{"sf1", "sf2"} {
		wrapped, err := w.Wrap(mustKey(t), SharedFolderKey{UID: uid})
		require.NoError(t, err)

		_, err = Unwrap(wrapped, planned)
		assert.NoError(t, err, uid)
	}
}

func TestWrap_UserPublicKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	w := NewWrapper(fakeKeys{})
	dataKey := mustKey(t)

	for name, der := range map[string][]byte{
		"pkcs1": x509.MarshalPKCS1PublicKey(&priv.PublicKey),
		"pkix":  mustPKIX(t, &priv.PublicKey),
	} {
		t.Run(name, func(t *testing.T) {
			wrapped, err := w.Wrap(dataKey, UserPublicKey{Username: "bob@example.com", Key: der})
			require.NoError(t, err)

			ct, err := Decode(wrapped)
			require.NoError(t, err)

			got, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
			require.NoError(t, err)
			assert.Equal(t, dataKey, got)
		})
	}
}

func mustPKIX(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	return der
}

func TestEncryptData_RandomNonce(t *testing.T) {
	key := mustKey(t)
	a, err := EncryptData([]byte("same"), key)
	require.NoError(t, err)
	b, err := EncryptData([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptData_Errors(t *testing.T) {
	key := mustKey(t)
	enc, err := EncryptData([]byte(`{"name":"Work"}`), key)
	require.NoError(t, err)

	_, err = DecryptData(enc, mustKey(t))
	assert.ErrorContains(t, err, "decrypting")

	_, err = DecryptData("!!!", key)
	assert.ErrorContains(t, err, "decoding")

	_, err = DecryptData(Encode([]byte("short")), key)
	assert.ErrorContains(t, err, "too short")

	_, err = DecryptData(enc, []byte("short key"))
	assert.ErrorContains(t, err, "invalid key length")
}

func TestUnwrap_RejectsWrongLength(t *testing.T) {
	key := mustKey(t)
	enc, err := EncryptData([]byte("not a key"), key)
	require.NoError(t, err)

	_, err = Unwrap(enc, key)
	assert.EqualError(t, err, "unwrapped key has 9 bytes, expected 32 bytes")
}

func TestDecode_AcceptsPadding(t *testing.T) {
	got, err := Decode("YWI=")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
}

func TestNewUID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		uid := NewUID()
		assert.Len(t, uid, 22)
		assert.False(t, seen[uid], "duplicate uid %s", uid)
		seen[uid] = true
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("salt")
	a := DeriveKey("pässword", salt, 1000)
	b := DeriveKey("pässword", salt, 1000)
	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)

	// Composed and decomposed forms normalize to the same key.
	composed := DeriveKey("\u00c5", salt, 1000)
	decomposed := DeriveKey("A\u030a", salt, 1000)
	assert.Equal(t, composed, decomposed)

	assert.NotEqual(t, a, DeriveKey("pässword", salt, 1001))
}

func TestAuthHash_Deterministic(t *testing.T) {
	derived := DeriveKey("pw", []byte("salt"), 100)
	assert.Equal(t, AuthHash(derived), AuthHash(derived))
	assert.Len(t, AuthHash(derived), 43)
}

func TestZeroKey(t *testing.T) {
	key := []byte{1, 2, 3}
	ZeroKey(key)
	assert.Equal(t, []byte{0, 0, 0}, key)
}
