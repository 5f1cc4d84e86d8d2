// Package auth verifies credentials presented over the WebSocket and HTTP
// surfaces. Two credential forms are accepted: the static admin token and
// HS256-signed JWTs carrying a wallet identity.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	walleterrors "github.com/c360/walletvault/errors"
)

// Principal is a verified caller identity.
type Principal struct {
	ID    string
	Admin bool
}

// Verifier is the contract the gateways authenticate against.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// Claims is the JWT claim set issued and accepted by the service.
type Claims struct {
	WalletID string `json:"wallet_id"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies admin tokens and JWTs. Either credential form can
// be disabled by leaving its secret empty.
type Authenticator struct {
	adminToken []byte
	jwtSecret  []byte
	logger     *slog.Logger
}

// New creates an authenticator. At least one of adminToken and jwtSecret
// should be non-empty; with both empty every Verify fails.
func New(adminToken, jwtSecret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Authenticator{
		adminToken: []byte(adminToken),
		jwtSecret:  []byte(jwtSecret),
		logger:     logger.With("component", "auth"),
	}
}

// Verify resolves a bearer token to a principal. Admin-token comparison is
// constant-time.
func (a *Authenticator) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, walleterrors.WrapKind(walleterrors.KindAuthentication,
			walleterrors.ErrInvalidToken, "auth", "Verify", "reading credential")
	}

	if len(a.adminToken) > 0 &&
		subtle.ConstantTimeCompare([]byte(token), a.adminToken) == 1 {
		return Principal{ID: "admin", Admin: true}, nil
	}

	if len(a.jwtSecret) > 0 {
		principal, err := a.verifyJWT(token)
		if err == nil {
			return principal, nil
		}
		a.logger.Debug("jwt verification failed", "error", err)
	}

	return Principal{}, walleterrors.WrapKind(walleterrors.KindAuthentication,
		walleterrors.ErrInvalidToken, "auth", "Verify", "verifying credential")
}

func (a *Authenticator) verifyJWT(token string) (Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, walleterrors.Newf(walleterrors.KindAuthentication,
				"unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, walleterrors.ErrInvalidToken
	}

	id := claims.WalletID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Principal{}, walleterrors.New(walleterrors.KindAuthentication,
			"token carries no wallet identity")
	}
	return Principal{ID: id, Admin: claims.Admin}, nil
}

// IssueToken signs a JWT for the wallet, used by tooling and tests.
func (a *Authenticator) IssueToken(walletID string, admin bool, expiry time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", walleterrors.New(walleterrors.KindInvalidOperation,
			"jwt secret not configured")
	}
	now := time.Now()
	claims := Claims{
		WalletID: walletID,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   walletID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", walleterrors.Wrap(err, "auth", "IssueToken", "signing token")
	}
	return signed, nil
}

// RequireAdmin returns an authorization error unless the principal holds
// admin privilege.
func RequireAdmin(p Principal) error {
	if !p.Admin {
		return walleterrors.WrapKind(walleterrors.KindAuthorization,
			walleterrors.ErrAdminRequired, "auth", "RequireAdmin", "checking privilege")
	}
	return nil
}
