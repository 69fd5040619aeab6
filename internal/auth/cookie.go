package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odyssey-erp/odyssey-pdv/internal/shared"
)

// ErrNoCookie reports that no auto-login cookie is stored.
var ErrNoCookie = errors.New("auth: no login cookie")

// CookieFile remembers the last operator so the station can log in without a
// password prompt. The file holds the username and the account's password
// hash; changing the password invalidates it.
type CookieFile struct {
	path string
}

// NewCookieFile constructs a CookieFile at path.
func NewCookieFile(path string) *CookieFile {
	return &CookieFile{path: path}
}

// Path returns the cookie location.
func (c *CookieFile) Path() string { return c.path }

// Save stores the user, readable by the owner only.
func (c *CookieFile) Save(user *User) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("auth: cookie dir: %w", err)
	}
	data := user.Username + ":" + user.PasswordHash + "\n"
	if err := os.WriteFile(c.path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("auth: write cookie: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(c.path, 0o600)
}

// Load returns the stored username and hash.
func (c *CookieFile) Load() (string, string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", ErrNoCookie
		}
		return "", "", fmt.Errorf("auth: read cookie: %w", err)
	}
	username, hash, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok || username == "" || hash == "" {
		return "", "", fmt.Errorf("%w: malformed file", ErrNoCookie)
	}
	return username, hash, nil
}

// Clear removes the cookie.
func (c *CookieFile) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth: remove cookie: %w", err)
	}
	return nil
}

// AutoLogin returns the user remembered by the cookie when the account is
// still active and its password unchanged.
func (s *Service) AutoLogin(ctx context.Context, cookie *CookieFile) (*User, error) {
	username, hash, err := cookie.Load()
	if err != nil {
		return nil, err
	}
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive || user.PasswordHash != hash {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}
