package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const tokenIssuer = "recobox"

// AuthManager exchanges tenant API keys for short-lived bearer tokens.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	tenants  store.TenantStore
	now      func() time.Time
}

type tenantClaims struct {
	jwtlib.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, tenants store.TenantStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		tenants:  tenants,
		now:      time.Now,
	}
}

// IssueToken verifies the API key against the tenant's stored hash. Unknown
// tenants and wrong keys fail the same way.
func (a *AuthManager) IssueToken(ctx context.Context, req domain.TokenRequest) (domain.TokenResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" || strings.TrimSpace(req.APIKey) == "" {
		return domain.TokenResponse{}, ErrInvalidCredentials
	}

	tenant, err := a.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TokenResponse{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.TokenResponse{}, err
	}
	if !verifyAPIKey(tenant.APIKeyHash, req.APIKey) {
		return domain.TokenResponse{}, ErrInvalidCredentials
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(tenant.ID, expiresAt)
	if err != nil {
		return domain.TokenResponse{}, err
	}
	return domain.TokenResponse{
		AccessToken: token,
		TenantID:    tenant.ID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken returns the tenant a valid token was issued for.
func (a *AuthManager) ParseToken(tokenStr string) (string, error) {
	claims := &tenantClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.TenantID == "" {
		return "", ErrInvalidToken
	}
	return claims.TenantID, nil
}

func (a *AuthManager) sign(tenantID string, expiresAt time.Time) (string, error) {
	claims := tenantClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		TenantID: tenantID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// HashAPIKey returns the bcrypt hash stored for a tenant API key.
func HashAPIKey(apiKey string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", errors.New("api key must not be empty")
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func verifyAPIKey(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isBcryptHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
