package httpapi

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/store/memory"
)

func newTestAuth(t *testing.T, apiKey string) *AuthManager {
	t.Helper()
	repo := memory.New()
	repo.PutTenant(domain.Tenant{
		ID:         "tenant-a",
		APIKeyHash: mustHashAPIKey(t, apiKey),
		Locations:  map[string][]string{"loc-1": {"store-1"}},
	})
	return NewAuthManager("test-secret-key", time.Hour, repo)
}

func TestIssueTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t, "key-123")

	resp, err := auth.IssueToken(context.Background(), domain.TokenRequest{TenantID: "tenant-a", APIKey: "key-123"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if resp.TenantID != "tenant-a" || resp.AccessToken == "" || resp.ExpiresAt == "" {
		t.Fatalf("unexpected token response %+v", resp)
	}

	tenantID, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if tenantID != "tenant-a" {
		t.Fatalf("expected tenant-a, got %s", tenantID)
	}
}

func TestIssueTokenRejectsBadCredentials(t *testing.T) {
	auth := newTestAuth(t, "key-123")

	cases := []domain.TokenRequest{
		{TenantID: "tenant-a", APIKey: "wrong"},
		{TenantID: "tenant-b", APIKey: "key-123"},
		{TenantID: "tenant-a", APIKey: "   "},
		{TenantID: "", APIKey: "key-123"},
	}
	for _, req := range cases {
		if _, err := auth.IssueToken(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for %+v, got %v", req, err)
		}
	}
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	auth := newTestAuth(t, "key-123")
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	resp, err := auth.IssueToken(context.Background(), domain.TokenRequest{TenantID: "tenant-a", APIKey: "key-123"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other := NewAuthManager("another-secret", time.Hour, memory.New())
	foreign, err := other.sign("tenant-a", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}

	none := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, tenantClaims{TenantID: "tenant-a"})
	unsigned, _ := none.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if _, err := auth.ParseToken(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unsigned token to be rejected, got %v", err)
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") || !verifyAPIKey(hash, "secret") || verifyAPIKey(hash, "other") {
		t.Fatalf("unexpected hash behaviour for %q", hash)
	}
	if _, err := HashAPIKey(" "); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if verifyAPIKey("plain-text", "plain-text") {
		t.Fatalf("expected non-bcrypt stored value to be rejected")
	}
}
