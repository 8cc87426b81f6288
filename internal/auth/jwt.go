package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"usage_ingest/internal/config"
)

// Role represents an admin role for role-based access control
type Role string

const (
	// RoleAdmin can change pipeline state and dead letters
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to admin endpoints
	RoleViewer Role = "viewer"
)

// Authentication types recorded in the token
const (
	AuthTypeServiceToken = "service_token"
	AuthTypeCLI          = "cli"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidRole       = errors.New("invalid role")
	ErrTokenNotAccepted  = errors.New("service token not accepted")
	ErrNoServiceTokenSet = errors.New("no service token configured")
)

// IsValid checks if the role is a known role
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleViewer
}

// HasPermission reports whether r satisfies required. Admin satisfies every role.
func (r Role) HasPermission(required Role) bool {
	return r == RoleAdmin || r == required
}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// AdminClaims are the claims of an admin JWT.
type AdminClaims struct {
	AdminID  string   `json:"admin_id"`
	AuthType string   `json:"auth_type"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether any role in the claims satisfies required
func (c *AdminClaims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// Issuer signs and verifies admin JWTs with an HMAC secret.
type Issuer struct {
	secret           []byte
	ttl              time.Duration
	serviceTokenHash string
	serviceRole      Role
	now              func() time.Time
}

// NewIssuer builds an issuer from the auth configuration.
func NewIssuer(cfg config.AuthConfig) (*Issuer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	role := RoleAdmin
	if cfg.ServiceRole != "" {
		r, err := ParseRole(cfg.ServiceRole)
		if err != nil {
			return nil, err
		}
		role = r
	}
	return &Issuer{
		secret:           []byte(cfg.JWTSecret),
		ttl:              ttl,
		serviceTokenHash: cfg.ServiceTokenHash,
		serviceRole:      role,
		now:              time.Now,
	}, nil
}

// GenerateAdminJWT creates a short-lived token for subject with the given roles
func (i *Issuer) GenerateAdminJWT(subject, authType string, roles ...Role) (string, int64, error) {
	if len(roles) == 0 {
		return "", 0, fmt.Errorf("%w: at least one role is required", ErrInvalidRole)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidRole, r)
		}
		names = append(names, string(r))
	}

	now := i.now()
	exp := now.Add(i.ttl)
	claims := AdminClaims{
		AdminID:  subject,
		AuthType: authType,
		Roles:    names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, exp.Unix(), nil
}

// ValidateAdminJWT verifies signature and expiry and returns the claims
func (i *Issuer) ValidateAdminJWT(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExchangeServiceToken issues a JWT when rawToken matches the configured
// argon2id hash.
func (i *Issuer) ExchangeServiceToken(serviceName, rawToken string) (string, int64, error) {
	if i.serviceTokenHash == "" {
		return "", 0, ErrNoServiceTokenSet
	}
	ok, err := verifyServiceToken(rawToken, i.serviceTokenHash)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, ErrTokenNotAccepted
	}
	if serviceName == "" {
		serviceName = "service"
	}
	return i.GenerateAdminJWT(serviceName, AuthTypeServiceToken, i.serviceRole)
}
