package credentials

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolveOrder(t *testing.T) {
	keyring.MockInit()
	s := &Store{Service: "postpilot-test-order", Getenv: env(map[string]string{EnvAccessToken: "env-token"})}
	if err := s.Save("kr-user", "kr-token"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tests := []struct {
		name      string
		user, tok string
		wantUser  string
		wantTok   string
		userSrc   Source
		tokSrc    Source
	}{
		{"config wins", "cfg-user", "cfg-token", "cfg-user", "cfg-token", SourceConfig, SourceConfig},
		{"env before keyring", "", "", "kr-user", "env-token", SourceKeyring, SourceEnv},
		{"mixed", "cfg-user", "", "cfg-user", "env-token", SourceConfig, SourceEnv},
	}
	for _, tt := range tests {
		c, err := s.Resolve(tt.user, tt.tok)
		if err != nil {
			t.Fatalf("%s: Resolve: %v", tt.name, err)
		}
		if c.UserID != tt.wantUser || c.AccessToken != tt.wantTok || c.UserIDSource != tt.userSrc || c.TokenSource != tt.tokSrc {
			t.Fatalf("%s: got %+v", tt.name, c)
		}
	}
}

func TestResolveMissing(t *testing.T) {
	keyring.MockInit()
	s := &Store{Service: "postpilot-test-missing", Getenv: env(nil)}
	if _, err := s.Resolve("", ""); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}

	keyring.MockInitWithError(errors.New("no secret service"))
	_, err := s.Resolve("user", "")
	if !errors.Is(err, ErrMissing) || err.Error() == ErrMissing.Error() {
		t.Fatalf("keyring failure should be reported, got %v", err)
	}
	// Config alone needs no keyring.
	if _, err := s.Resolve("user", "token"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestForget(t *testing.T) {
	keyring.MockInit()
	s := &Store{Service: "postpilot-test-forget", Getenv: env(nil)}
	if err := s.Save("u", "t"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Forget(); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := s.Forget(); err != nil {
		t.Fatalf("second Forget: %v", err)
	}
	if _, err := s.Resolve("", ""); !errors.Is(err, ErrMissing) {
		t.Fatalf("credentials survived Forget: %v", err)
	}
}
