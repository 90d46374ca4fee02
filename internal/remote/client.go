// Package remote talks to the vault server: login, batched command
// execution, public key lookup and the full vault download that becomes
// a snapshot.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// apiPath is appended to the server URL for every command.
	apiPath = "/api/v1/"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the timeout of the HTTP client created when
	// none is provided.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. A full vault
	// download is the largest response.
	maxAPIResponseBytes = 64 << 20

	resultSuccess = "success"
)

// Result codes the server uses for session and credential failures.
const (
	codeSessionExpired = "session_token_expired"
	codeAuthFailed     = "auth_failed"
	codeThrottled      = "throttled"
)

// Client sends commands to the vault server. It holds no session state.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents session tokens from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an HTTP client with the given timeout that only
// follows redirects to the same host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates a client for the server at baseURL. If httpClient is
// nil, a client with DefaultTimeout and a same-host redirect policy is
// created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// post sends one command and returns the raw response body once the
// server reports success. body must marshal to an object carrying the
// command name.
func (c *Client) post(ctx context.Context, command string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", command, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &vierrors.TransientError{Err: fmt.Errorf("sending %s: %w: %w", command, vierrors.ErrAPIRequest, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", command, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned status %d: %s: %w", command, resp.StatusCode, sanitizeResponseBody(respBody), vierrors.ErrAPIRequest)
		if isTransientStatus(resp.StatusCode) {
			return nil, &vierrors.TransientError{Err: err}
		}

		return nil, err
	}

	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("%s: invalid JSON response: %w", command, vierrors.ErrAPIResponse)
	}

	if result := gjson.GetBytes(respBody, "result").String(); result != resultSuccess {
		return nil, commandError(command, respBody)
	}

	return respBody, nil
}

// commandError maps a failed command's result code onto the sentinel
// errors callers branch on.
func commandError(command string, body []byte) error {
	code := gjson.GetBytes(body, "result_code").String()
	msg := gjson.GetBytes(body, "message").String()

	switch code {
	case codeSessionExpired:
		return fmt.Errorf("%s: %w", command, vierrors.ErrSessionExpired)
	case codeAuthFailed:
		return fmt.Errorf("%s: %w", command, vierrors.ErrInvalidCredentials)
	case codeThrottled:
		return &vierrors.TransientError{Err: fmt.Errorf("%s: %s: %w", command, msg, vierrors.ErrAPIRequest)}
	default:
		return fmt.Errorf("%s failed (%s): %s: %w", command, code, sanitizeResponseBody([]byte(msg)), vierrors.ErrAPIRequest)
	}
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

type preLoginRequest struct {
	Command  string `json:"command"`
	Username string `json:"username"`
}

// PreLogin holds the key derivation parameters for an account.
type PreLogin struct {
	Salt       []byte
	Iterations int
}

// PreLogin fetches the key derivation parameters for username.
func (c *Client) PreLogin(ctx context.Context, username string) (*PreLogin, error) {
	body, err := c.post(ctx, "pre_login", preLoginRequest{Command: "pre_login", Username: username})
	if err != nil {
		return nil, fmt.Errorf("pre-login: %w", err)
	}

	saltField := gjson.GetBytes(body, "salt")
	iterations := gjson.GetBytes(body, "iterations").Int()

	if !saltField.Exists() || iterations <= 0 {
		return nil, fmt.Errorf("pre-login: missing salt or iterations: %w", vierrors.ErrAPIResponse)
	}

	salt, err := decodeField(saltField)
	if err != nil {
		return nil, fmt.Errorf("pre-login salt: %w", err)
	}

	return &PreLogin{Salt: salt, Iterations: int(iterations)}, nil
}

type loginRequest struct {
	Command  string `json:"command"`
	Username string `json:"username"`
	AuthHash string `json:"auth_hash"`
}

// LoginResponse is a new session.
type LoginResponse struct {
	SessionToken     string
	EncryptedDataKey string
}

// Login authenticates with the auth hash derived from the password.
func (c *Client) Login(ctx context.Context, username, authHash string) (*LoginResponse, error) {
	body, err := c.post(ctx, "login", loginRequest{Command: "login", Username: username, AuthHash: authHash})
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	resp := &LoginResponse{
		SessionToken:     gjson.GetBytes(body, "session_token").String(),
		EncryptedDataKey: gjson.GetBytes(body, "encrypted_data_key").String(),
	}

	if resp.SessionToken == "" || resp.EncryptedDataKey == "" {
		return nil, fmt.Errorf("logging in: missing session token or data key: %w", vierrors.ErrAPIResponse)
	}

	return resp, nil
}

type sessionRequest struct {
	Command      string `json:"command"`
	SessionToken string `json:"session_token"`
}

// Logout invalidates a session token.
func (c *Client) Logout(ctx context.Context, token string) error {
	if _, err := c.post(ctx, "logout", sessionRequest{Command: "logout", SessionToken: token}); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}
