package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"vmarket/crypto"
)

// IdentityConfig validates credentials minted by the identity gateway. The
// wallet claim inside a verified token is trusted as the caller's address.
type IdentityConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const (
	// ContextKeyWallet holds the verified bech32 wallet address.
	ContextKeyWallet contextKey = "gateway.wallet"
	// ContextKeyHandle holds the registered handle, when present.
	ContextKeyHandle contextKey = "gateway.handle"
)

// WalletFromContext returns the verified wallet address bound by Identity.
func WalletFromContext(ctx context.Context) (string, bool) {
	wallet, ok := ctx.Value(ContextKeyWallet).(string)
	return wallet, ok && wallet != ""
}

// HandleFromContext returns the caller's registered handle, when the
// credential carried one.
func HandleFromContext(ctx context.Context) (string, bool) {
	handle, ok := ctx.Value(ContextKeyHandle).(string)
	return handle, ok && handle != ""
}

// Identity is middleware that admits only requests bearing a valid identity
// credential and attaches the verified wallet to the request context.
type Identity struct {
	cfg    IdentityConfig
	logger *slog.Logger
	secret []byte
}

func NewIdentity(cfg IdentityConfig, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Identity{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

func (i *Identity) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !i.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := i.parseToken(tokenString)
			if err != nil {
				i.logger.Warn("identity token rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			wallet, err := verifiedWallet(claims)
			if err != nil {
				i.logger.Warn("identity claim rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyWallet, wallet)
			if handle, ok := claims["handle"].(string); ok && handle != "" {
				ctx = context.WithValue(ctx, ContextKeyHandle, handle)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (i *Identity) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(i.secret) == 0 {
		return nil, errors.New("identity secret not configured")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(i.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if i.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.cfg.Issuer))
	}
	if i.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(i.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not a map")
	}
	return claims, nil
}

// verifiedWallet extracts the wallet claim and checks it is a decodable
// bech32 address before anything downstream trusts it.
func verifiedWallet(claims jwt.MapClaims) (string, error) {
	raw, ok := claims["wallet"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", errors.New("missing wallet claim")
	}
	wallet := strings.TrimSpace(raw)
	if _, err := crypto.DecodeAddress(wallet); err != nil {
		return "", errors.New("wallet claim is not a valid address")
	}
	return wallet, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
