package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

const defaultIssuer = "toolbroker"

// SessionClaims is the payload of a web session token. The user row is still reloaded on every
// request, the claims only identify it.
type SessionClaims struct {
	OrgID                  string `json:"org"`
	Role                   string `json:"role"`
	PasswordChangeRequired bool   `json:"pcr"`
	jwt.RegisteredClaims
}

// SessionIssuer signs and verifies HS256 session tokens for the web API.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewSessionIssuer(secret []byte, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{
		secret: secret,
		ttl:    ttl,
		issuer: defaultIssuer,
		now:    time.Now,
	}
}

func (s *SessionIssuer) Issue(user *dbmodel.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := SessionClaims{
		OrgID:                  user.OrgID,
		Role:                   user.Role,
		PasswordChangeRequired: user.MustChangePassword,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *SessionIssuer) Parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bizerr.ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, bizerr.ErrInvalidToken
	}
	return claims, nil
}
