package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowledger/crypto"
)

// AuthConfig configures caller authentication for mutating methods. The token
// subject carries the caller's bech32 address.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	MaxTTL     time.Duration
}

var (
	errMissingToken     = errors.New("missing bearer token")
	errSecretMissing    = errors.New("auth secret not configured")
	errSubjectMissing   = errors.New("token subject required")
	errTokenLifetime    = errors.New("token lifetime exceeds maximum")
	errUnexpectedMethod = errors.New("unexpected signing method")
)

// Authenticator verifies HMAC-signed JWTs and resolves the caller address.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		now:    time.Now,
	}
}

// Authenticate returns the caller named by the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) ([20]byte, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return [20]byte{}, errMissingToken
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return [20]byte{}, err
	}
	if err := a.validateClaims(claims); err != nil {
		return [20]byte{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return [20]byte{}, errSubjectMissing
	}
	caller, err := crypto.ParsePrincipal(subject)
	if err != nil {
		return [20]byte{}, fmt.Errorf("token subject: %w", err)
	}
	return caller, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errSecretMissing
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedMethod
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.cfg.Issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != a.cfg.Issuer {
			return errors.New("issuer mismatch")
		}
	}
	if a.cfg.Audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return err
		}
		matched := false
		for _, entry := range aud {
			if entry == a.cfg.Audience {
				matched = true
				break
			}
		}
		if !matched {
			return errors.New("audience mismatch")
		}
	}
	if a.cfg.MaxTTL > 0 {
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return errors.New("token expiry required")
		}
		issued, err := claims.GetIssuedAt()
		if err != nil || issued == nil {
			return errors.New("token issue time required")
		}
		if exp.Sub(issued.Time) > a.cfg.MaxTTL {
			return errTokenLifetime
		}
	}
	return nil
}

// IssueToken signs a token naming caller as subject. It is the counterpart of
// Authenticator used by the CLI and tests.
func IssueToken(cfg AuthConfig, caller [20]byte, ttl time.Duration, now time.Time) (string, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return "", errSecretMissing
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   crypto.FromRaw(caller).String(),
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
