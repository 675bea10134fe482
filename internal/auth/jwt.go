package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims understood by JWT.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens carried either as a bearer token or in a
// session cookie.
type JWT struct {
	secret []byte
	issuer string
	leeway time.Duration
	cookie string
}

// NewJWT verifies bearer tokens signed with secret. An empty issuer
// accepts any issuer.
func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// NewCookie verifies tokens carried in the named session cookie.
func NewCookie(name, secret, issuer string) *JWT {
	j := NewJWT(secret, issuer)
	j.cookie = name
	return j
}

func (j *JWT) token(r *http.Request) string {
	if j.cookie == "" {
		return ExtractBearer(r)
	}
	c, err := r.Cookie(j.cookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func (j *JWT) Authenticate(r *http.Request) (Principal, error) {
	raw := j.token(r)
	if raw == "" {
		return Principal{}, ErrMissingCredentials
	}
	// Three dot-separated segments; anything else is not ours and may be
	// an API key for the next authenticator.
	if strings.Count(raw, ".") != 2 {
		return Principal{}, ErrMissingCredentials
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(j.leeway),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.TenantID == "" {
		return Principal{}, fmt.Errorf("%w: token has no tenant", ErrInvalidCredentials)
	}
	return Principal{
		TenantID: claims.TenantID,
		UserID:   claims.Subject,
		Scopes:   strings.Fields(claims.Scope),
	}, nil
}

// Issue signs a token for p valid for ttl.
func (j *JWT) Issue(p Principal, ttl time.Duration) (string, error) {
	if p.TenantID == "" {
		return "", errors.New("auth: principal has no tenant")
	}
	now := time.Now()
	claims := Claims{
		TenantID: p.TenantID,
		Scope:    strings.Join(p.Scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
