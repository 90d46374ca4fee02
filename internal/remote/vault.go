package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/vault-import/internal/batch"
	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/alexjbarnes/vault-import/internal/keywrap"
	"github.com/alexjbarnes/vault-import/internal/reconcile"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"github.com/alexjbarnes/vault-import/internal/state"
	"github.com/tidwall/gjson"
)

// SessionStore caches sessions between runs.
type SessionStore interface {
	Session(username string) (*state.Session, error)
	SaveSession(sess state.Session) error
	DeleteSession(username string) error
}

// Vault is an authenticated connection to one account's vault. A session
// that expires mid-run is renewed once per request with the password the
// vault was opened with.
type Vault struct {
	client   *Client
	store    SessionStore
	logger   *slog.Logger
	username string
	password string

	mu      sync.Mutex
	token   string
	dataKey []byte
}

// Open authenticates as username. A cached session is reused when the
// password unlocks its data key; otherwise a fresh login is performed and
// cached.
func Open(ctx context.Context, client *Client, store SessionStore, username, password string, logger *slog.Logger) (*Vault, error) {
	v := &Vault{
		client:   client,
		store:    store,
		logger:   logger,
		username: strings.ToLower(username),
		password: password,
	}

	if v.resume() {
		return v, nil
	}

	if err := v.login(ctx); err != nil {
		return nil, err
	}

	return v, nil
}

// resume unlocks a cached session. It reports false when there is none
// or the password does not open it.
func (v *Vault) resume() bool {
	sess, err := v.store.Session(v.username)
	if err != nil {
		v.logger.Warn("reading cached session", slog.String("error", err.Error()))
		return false
	}

	if sess == nil || sess.Token == "" {
		return false
	}

	salt, err := keywrap.Decode(sess.Salt)
	if err != nil {
		return false
	}

	derived := keywrap.DeriveKey(v.password, salt, sess.Iterations)
	defer keywrap.ZeroKey(derived)

	dataKey, err := keywrap.Unwrap(sess.EncryptedDataKey, derived)
	if err != nil {
		v.logger.Info("cached session does not match password, logging in")
		return false
	}

	v.token = sess.Token
	v.dataKey = dataKey

	v.logger.Debug("resumed cached session", slog.String("username", v.username))

	return true
}

func (v *Vault) login(ctx context.Context) error {
	pre, err := v.client.PreLogin(ctx, v.username)
	if err != nil {
		return err
	}

	derived := keywrap.DeriveKey(v.password, pre.Salt, pre.Iterations)
	defer keywrap.ZeroKey(derived)

	resp, err := v.client.Login(ctx, v.username, keywrap.AuthHash(derived))
	if err != nil {
		return err
	}

	dataKey, err := keywrap.Unwrap(resp.EncryptedDataKey, derived)
	if err != nil {
		return fmt.Errorf("unlocking data key: %w", err)
	}

	v.token = resp.SessionToken
	v.dataKey = dataKey

	err = v.store.SaveSession(state.Session{
		Username:         v.username,
		Token:            resp.SessionToken,
		Salt:             keywrap.Encode(pre.Salt),
		Iterations:       pre.Iterations,
		EncryptedDataKey: resp.EncryptedDataKey,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		v.logger.Warn("caching session", slog.String("error", err.Error()))
	}

	v.logger.Info("logged in", slog.String("username", v.username))

	return nil
}

// call sends a session-bound command, renewing the session once if the
// server reports it expired. build receives the token to embed.
func (v *Vault) call(ctx context.Context, command string, build func(token string) any) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	body, err := v.client.post(ctx, command, build(v.token))
	if !errors.Is(err, vierrors.ErrSessionExpired) {
		return body, err
	}

	v.logger.Info("session expired, logging in again")

	if err := v.store.DeleteSession(v.username); err != nil {
		v.logger.Warn("clearing cached session", slog.String("error", err.Error()))
	}

	if err := v.login(ctx); err != nil {
		return nil, err
	}

	return v.client.post(ctx, command, build(v.token))
}

// Close logs out and forgets the data key. The cached session is kept
// only if logout fails, since the server may still honor it.
func (v *Vault) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	defer keywrap.ZeroKey(v.dataKey)

	if err := v.client.Logout(ctx, v.token); err != nil {
		return err
	}

	return v.store.DeleteSession(v.username)
}

type executeRequest struct {
	Command      string                `json:"command"`
	SessionToken string                `json:"session_token"`
	Requests     []reconcile.Operation `json:"requests"`
}

// Execute submits one chunk of operations. It implements batch.Submitter.
func (v *Vault) Execute(ctx context.Context, ops []reconcile.Operation) (*batch.Response, error) {
	body, err := v.call(ctx, "execute", func(token string) any {
		return executeRequest{Command: "execute", SessionToken: token, Requests: ops}
	})
	if err != nil {
		return nil, err
	}

	resp := &batch.Response{
		Status:  gjson.GetBytes(body, "result").String(),
		Message: gjson.GetBytes(body, "message").String(),
	}

	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		status := r.Get("result")
		if !status.Exists() {
			status = r.Get("status")
		}

		resp.Results = append(resp.Results, batch.Result{
			Status:  status.String(),
			Message: r.Get("message").String(),
		})

		return true
	})

	return resp, nil
}

type publicKeysRequest struct {
	Command      string   `json:"command"`
	SessionToken string   `json:"session_token"`
	KeyOwners    []string `json:"key_owners"`
}

// PublicKeys fetches the public keys of the given users in one request.
// It implements reconcile.Directory.
func (v *Vault) PublicKeys(ctx context.Context, usernames []string) (map[string][]byte, error) {
	body, err := v.call(ctx, "public_keys", func(token string) any {
		return publicKeysRequest{Command: "public_keys", SessionToken: token, KeyOwners: usernames}
	})
	if err != nil {
		return nil, fmt.Errorf("fetching public keys: %w", err)
	}

	keys := make(map[string][]byte)

	gjson.GetBytes(body, "public_keys").ForEach(func(_, pk gjson.Result) bool {
		owner := strings.ToLower(pk.Get("key_owner").String())

		if code := pk.Get("result_code").String(); code != "" && code != resultSuccess {
			v.logger.Debug("no public key", slog.String("user", owner), slog.String("code", code))
			return true
		}

		der, err := decodeField(pk.Get("public_key"))
		if err != nil || len(der) == 0 {
			v.logger.Debug("unusable public key", slog.String("user", owner))
			return true
		}

		keys[owner] = der

		return true
	})

	return keys, nil
}

// Refresh downloads the whole vault and decodes it into a snapshot. It
// implements batch.Refresher.
func (v *Vault) Refresh(ctx context.Context) (*snapshot.Snapshot, error) {
	body, err := v.call(ctx, "sync_down", func(token string) any {
		return sessionRequest{Command: "sync_down", SessionToken: token}
	})
	if err != nil {
		return nil, fmt.Errorf("downloading vault: %w", err)
	}

	v.mu.Lock()
	dataKey := v.dataKey
	v.mu.Unlock()

	return decodeSnapshot(body, v.username, dataKey, v.logger), nil
}
