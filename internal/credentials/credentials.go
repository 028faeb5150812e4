// Package credentials finds the platform account at the process edge:
// config first, then the environment, then the OS keyring.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	EnvAccessToken = "THREADS_ACCESS_TOKEN"
	EnvUserID      = "THREADS_USER_ID"

	DefaultService = "postpilot"
	keyAccessToken = "access_token"
	keyUserID      = "user_id"
)

var ErrMissing = errors.New("platform credentials not found")

type Source string

const (
	SourceConfig  Source = "config"
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
)

type Credentials struct {
	UserID      string
	AccessToken string

	UserIDSource Source
	TokenSource  Source
}

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

// Store reads and writes the keyring entries of one service name.
type Store struct {
	Service string
	Getenv  func(string) string
}

func New() *Store {
	return &Store{Service: DefaultService, Getenv: os.Getenv}
}

// Resolve fills each field from the first source that has it. Keyring
// failures other than "not found" are returned only if a field stays empty.
func (s *Store) Resolve(cfgUserID, cfgToken string) (Credentials, error) {
	var (
		c      Credentials
		kerr   error
		getenv = s.Getenv
	)
	if getenv == nil {
		getenv = os.Getenv
	}

	c.UserID, c.UserIDSource = strings.TrimSpace(cfgUserID), SourceConfig
	if c.UserID == "" {
		c.UserID, c.UserIDSource = strings.TrimSpace(getenv(EnvUserID)), SourceEnv
	}
	if c.UserID == "" {
		v, err := s.get(keyUserID)
		c.UserID, c.UserIDSource, kerr = v, SourceKeyring, err
	}

	c.AccessToken, c.TokenSource = strings.TrimSpace(cfgToken), SourceConfig
	if c.AccessToken == "" {
		c.AccessToken, c.TokenSource = strings.TrimSpace(getenv(EnvAccessToken)), SourceEnv
	}
	if c.AccessToken == "" {
		v, err := s.get(keyAccessToken)
		c.AccessToken, c.TokenSource = v, SourceKeyring
		if err != nil {
			kerr = err
		}
	}

	if c.UserID == "" || c.AccessToken == "" {
		if kerr != nil {
			return c, fmt.Errorf("%w: %w", ErrMissing, kerr)
		}
		return c, ErrMissing
	}
	return c, nil
}

func (s *Store) get(key string) (string, error) {
	v, err := keyringGet(s.service(), key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring %s: %w", key, err)
	}
	return strings.TrimSpace(v), nil
}

// Save writes the non-empty fields to the keyring.
func (s *Store) Save(userID, token string) error {
	if userID = strings.TrimSpace(userID); userID != "" {
		if err := keyringSet(s.service(), keyUserID, userID); err != nil {
			return fmt.Errorf("keyring %s: %w", keyUserID, err)
		}
	}
	if token = strings.TrimSpace(token); token != "" {
		if err := keyringSet(s.service(), keyAccessToken, token); err != nil {
			return fmt.Errorf("keyring %s: %w", keyAccessToken, err)
		}
	}
	return nil
}

// Forget removes both entries; missing entries are not an error.
func (s *Store) Forget() error {
	for _, k := range []string{keyUserID, keyAccessToken} {
		if err := keyringDelete(s.service(), k); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("keyring %s: %w", k, err)
		}
	}
	return nil
}

func (s *Store) service() string {
	if strings.TrimSpace(s.Service) == "" {
		return DefaultService
	}
	return s.Service
}
