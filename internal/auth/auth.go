// Package auth implements user accounts in the shared store, password-grant
// token issuance, and API-key lookup. Tokens are HS256 JWTs; passwords are
// bcrypt hashes. One user document per key, no cross-key transactions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tagsmithhq/tagsmith/internal/kv"
)

const userPrefix = "user:"

var (
	ErrUserExists         = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user account is disabled")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Principal identifies the caller for rate limiting and audit.
type Principal struct {
	UserID string
	Tenant string
}

// RateKey is the fixed-window limiter identity for this principal.
func (p Principal) RateKey() string {
	if p.UserID != "" {
		return "user:" + p.UserID
	}
	return "api:" + p.Tenant
}

// User is the stored account document.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	Tenant       string   `json:"tenant"`
	Roles        []string `json:"roles,omitempty"`
	Disabled     bool     `json:"disabled"`
	CreatedAt    int64    `json:"created_at"`
}

func userKey(username string) string {
	return userPrefix + strings.ToLower(strings.TrimSpace(username))
}

// Service manages accounts and tokens.
type Service struct {
	store    kv.Store
	secret   []byte
	tokenTTL time.Duration
	apiKeys  map[string]string // api key -> tenant
	now      func() time.Time
}

// NewService creates an auth service. apiKeys may be nil when API-key auth is
// not configured.
func NewService(store kv.Store, secret string, tokenTTL time.Duration, apiKeys map[string]string) *Service {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Service{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		apiKeys:  apiKeys,
		now:      time.Now,
	}
}

// WithClock substitutes the time source. Tests use it to cross token expiry
// without sleeping.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateUser registers a new account. Usernames are case-insensitive; the
// SETNX on the user key is what makes registration race-safe.
func (s *Service) CreateUser(ctx context.Context, username, password, tenant string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, errors.New("username is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}
	if tenant == "" {
		tenant = "default"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &User{
		Username:     username,
		PasswordHash: string(hash),
		Tenant:       tenant,
		CreatedAt:    s.now().Unix(),
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}

	ok, err := s.store.SetNX(ctx, userKey(username), string(raw), 0)
	if err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}
	if !ok {
		return nil, ErrUserExists
	}
	return user, nil
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	raw, found, err := s.store.Get(ctx, userKey(username))
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !found {
		// Burn a comparison anyway so probing for usernames costs the same.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uGZwiota5BuMrUS6ArNIyCGG1w0sW9e"), []byte(password))
		return nil, ErrInvalidCredentials
	}
	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}
	return &user, nil
}

type claims struct {
	Tenant string   `json:"tenant,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 access token for an authenticated user.
func (s *Service) IssueToken(user *User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Tenant: user.Tenant,
		Roles:  user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// VerifyToken parses and validates a bearer token.
func (s *Service) VerifyToken(raw string) (Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid || c.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: c.Subject, Tenant: c.Tenant}, nil
}

// VerifyAPIKey resolves an API key to its tenant principal.
func (s *Service) VerifyAPIKey(key string) (Principal, bool) {
	tenant, ok := s.apiKeys[key]
	if !ok {
		return Principal{}, false
	}
	return Principal{Tenant: tenant}, true
}

// APIKeysConfigured reports whether any API keys are loaded.
func (s *Service) APIKeysConfigured() bool { return len(s.apiKeys) > 0 }

// SecretConfigured reports whether a JWT signing secret is set.
func (s *Service) SecretConfigured() bool { return len(s.secret) > 0 }

// ParseAPIKeys parses the "key:tenant,key:tenant" environment format. Entries
// without a tenant map to "default"; blank entries are skipped.
func ParseAPIKeys(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, tenant, found := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		tenant = strings.TrimSpace(tenant)
		if !found || tenant == "" {
			tenant = "default"
		}
		out[key] = tenant
	}
	return out
}
