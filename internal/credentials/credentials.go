// Package credentials finds the vault password: the environment first,
// then the OS keyring, then an interactive prompt.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const serviceName = "vault-import"

// Source says where a password came from.
type Source string

const (
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
	SourcePrompt  Source = "prompt"
)

// Prompter asks the user for a password.
type Prompter func(prompt string) (string, error)

// Resolver looks a password up in order of precedence.
type Resolver struct {
	prompt Prompter
	logger *slog.Logger
}

// NewResolver returns a resolver that falls back to prompt. A nil prompt
// reads from the controlling terminal.
func NewResolver(prompt Prompter, logger *slog.Logger) *Resolver {
	if prompt == nil {
		prompt = TerminalPrompt
	}

	return &Resolver{prompt: prompt, logger: logger}
}

// Password returns the password for username. fromEnv is the value of
// VAULT_PASSWORD, which wins when set.
func (r *Resolver) Password(username, fromEnv string) (string, Source, error) {
	if fromEnv != "" {
		return fromEnv, SourceEnv, nil
	}

	pw, err := GetPassword(username)
	switch {
	case err == nil && pw != "":
		return pw, SourceKeyring, nil
	case err != nil && !errors.Is(err, keyring.ErrNotFound):
		r.logger.Debug("keyring unavailable", slog.String("error", err.Error()))
	}

	pw, err = r.prompt(fmt.Sprintf("Vault password for %s: ", username))
	if err != nil {
		return "", "", err
	}

	if pw == "" {
		return "", "", vierrors.ErrNoPassword
	}

	return pw, SourcePrompt, nil
}

// SavePassword stores a password in the OS keyring
func SavePassword(username, password string) error {
	return keyring.Set(serviceName, strings.ToLower(username), password)
}

// GetPassword retrieves a password from the OS keyring
func GetPassword(username string) (string, error) {
	return keyring.Get(serviceName, strings.ToLower(username))
}

// DeletePassword removes a password from the OS keyring. Deleting a
// password that was never stored is not an error.
func DeletePassword(username string) error {
	err := keyring.Delete(serviceName, strings.ToLower(username))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}

	return err
}

// TerminalPrompt reads a password from stdin without echoing. It fails
// when stdin is not a terminal, so unattended runs never block.
func TerminalPrompt(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal: %w", vierrors.ErrNoPassword)
	}

	fmt.Fprint(os.Stderr, prompt)

	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(pw), nil
}
