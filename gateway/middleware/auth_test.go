package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"vmarket/crypto"
)

const identityTestSecret = "identity-test-secret"

func mintCredential(t *testing.T, wallet, handle string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":    "identity-gateway",
		"aud":    "market-gateway",
		"iat":    issuedAt.Unix(),
		"exp":    issuedAt.Add(ttl).Unix(),
		"wallet": wallet,
	}
	if handle != "" {
		claims["handle"] = handle
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(identityTestSecret))
	if err != nil {
		t.Fatalf("sign credential: %v", err)
	}
	return signed
}

func testIdentity() *Identity {
	return NewIdentity(IdentityConfig{
		Enabled:    true,
		HMACSecret: identityTestSecret,
		Issuer:     "identity-gateway",
		Audience:   "market-gateway",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testWallet(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().String()
}

func TestIdentityAttachesWallet(t *testing.T) {
	wallet := testWallet(t)
	credential := mintCredential(t, wallet, "alice", time.Now(), time.Hour)

	var gotWallet, gotHandle string
	handler := testIdentity().Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWallet, _ = WalletFromContext(r.Context())
		gotHandle, _ = HandleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+credential)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if gotWallet != wallet {
		t.Fatalf("wallet claim not propagated: %q", gotWallet)
	}
	if gotHandle != "alice" {
		t.Fatalf("handle claim not propagated: %q", gotHandle)
	}
}

func TestIdentityRejectsMissingToken(t *testing.T) {
	handler := testIdentity().Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestIdentityRejectsExpiredToken(t *testing.T) {
	credential := mintCredential(t, testWallet(t), "", time.Now().Add(-2*time.Hour), time.Hour)
	handler := testIdentity().Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+credential)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestIdentityRejectsWrongSecret(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":    "identity-gateway",
		"aud":    "market-gateway",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"wallet": testWallet(t),
	})
	signed, err := token.SignedString([]byte("forged-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	handler := testIdentity().Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestIdentityRejectsMalformedWalletClaim(t *testing.T) {
	credential := mintCredential(t, "not-a-wallet", "", time.Now(), time.Hour)
	handler := testIdentity().Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+credential)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestIdentityDisabledPassesThrough(t *testing.T) {
	identity := NewIdentity(IdentityConfig{Enabled: false}, nil)
	called := false
	handler := identity.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("disabled middleware must pass requests through")
	}
}
