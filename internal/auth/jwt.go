package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenTTL is how long issued tokens stay valid.
	TokenTTL = 72 * time.Hour
	// Leeway tolerated on exp/iat to absorb clock skew between the
	// issuer and this server.
	Leeway = 30 * time.Second

	// PermissionAdmin gates the admin feed and broadcast control.
	PermissionAdmin = "admin"
)

var (
	ErrTokenMissing  = errors.New("missing authentication token")
	ErrTokenInvalid  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrEmptySubject  = errors.New("token has empty subject")
	ErrNoPermissions = errors.New("insufficient permissions")
)

// Claims is the payload carried by every issued token. Subject and ID
// (jti) come from RegisteredClaims; ID doubles as the session id.
type Claims struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// TokenAuthority issues and verifies HMAC-SHA256 tokens.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuthority(secret string) *TokenAuthority {
	return &TokenAuthority{secret: []byte(secret), ttl: TokenTTL}
}

// Issue mints a token for userID with a fresh session id. Permissions
// are embedded as-is.
func (a *TokenAuthority) Issue(userID string, permissions []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Only HS256 is accepted; any
// other algorithm, a bad signature, or a missing subject fails
// verification.
func (a *TokenAuthority) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(Leeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, ErrEmptySubject
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization
// header, falling back to the token query parameter for WebSocket
// clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimPrefix(header, "Bearer "), nil
		}
		return "", fmt.Errorf("%w: malformed authorization header", ErrTokenMissing)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrTokenMissing
}
