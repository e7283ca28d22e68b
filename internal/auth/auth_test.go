package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/auth"
	"github.com/tagsmithhq/tagsmith/internal/kv"
)

func newService(apiKeys map[string]string) *auth.Service {
	return auth.NewService(kv.NewMemoryStore(), "test-secret", time.Hour, apiKeys)
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc := newService(nil)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "Alice", "hunter22", "acme")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("username = %s, want lowercased alice", user.Username)
	}

	got, err := svc.Authenticate(ctx, "ALICE", "hunter22")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Tenant != "acme" {
		t.Errorf("tenant = %s", got.Tenant)
	}

	if _, err := svc.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "hunter22"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v", err)
	}
}

func TestCreateUserConflict(t *testing.T) {
	svc := newService(nil)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "bob", "pw1", ""); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "Bob", "pw2", ""); !errors.Is(err, auth.ErrUserExists) {
		t.Errorf("duplicate username error = %v, want ErrUserExists", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newService(nil)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "carol", "pw", "acme")
	if err != nil {
		t.Fatal(err)
	}
	token, expires, err := svc.IssueToken(user)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Error("token already expired at issue")
	}

	p, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if p.UserID != "carol" || p.Tenant != "acme" {
		t.Errorf("principal = %+v", p)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(nil).WithClock(func() time.Time { return now })

	user, err := svc.CreateUser(context.Background(), "dave", "pw", "")
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := svc.IssueToken(user)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expired token error = %v, want ErrInvalidToken", err)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	svc := newService(nil)
	other := auth.NewService(kv.NewMemoryStore(), "other-secret", time.Hour, nil)

	user, err := svc.CreateUser(context.Background(), "eve", "pw", "")
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := svc.IssueToken(user)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.VerifyToken(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("cross-secret token error = %v, want ErrInvalidToken", err)
	}
}

func TestAPIKeys(t *testing.T) {
	svc := newService(map[string]string{"k1": "acme", "k2": "globex"})

	p, ok := svc.VerifyAPIKey("k1")
	if !ok || p.Tenant != "acme" {
		t.Errorf("VerifyAPIKey(k1) = %+v %v", p, ok)
	}
	if _, ok := svc.VerifyAPIKey("unknown"); ok {
		t.Error("unknown API key accepted")
	}
	if !svc.APIKeysConfigured() {
		t.Error("APIKeysConfigured = false")
	}
}

func TestParseAPIKeys(t *testing.T) {
	got := auth.ParseAPIKeys(" k1:acme , k2 , ,k3:globex")
	want := map[string]string{"k1": "acme", "k2": "default", "k3": "globex"}
	if len(got) != len(want) {
		t.Fatalf("parsed %d keys, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %s -> %s, want %s", k, got[k], v)
		}
	}
}

func TestSecretConfigured(t *testing.T) {
	if !newService(nil).SecretConfigured() {
		t.Error("SecretConfigured = false with a secret set")
	}
	open := auth.NewService(kv.NewMemoryStore(), "", time.Hour, nil)
	if open.SecretConfigured() {
		t.Error("SecretConfigured = true with no secret")
	}
}

func TestRateKey(t *testing.T) {
	if got := (auth.Principal{UserID: "alice", Tenant: "acme"}).RateKey(); got != "user:alice" {
		t.Errorf("user rate key = %s", got)
	}
	if got := (auth.Principal{Tenant: "acme"}).RateKey(); got != "api:acme" {
		t.Errorf("api rate key = %s", got)
	}
}
