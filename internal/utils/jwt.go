package utils // package utils provides helpers for minting and reading session tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session roles carried in the "role" claim.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// SessionToken is a signed JWT identifying one booking session.
type SessionToken struct {
	Token     string    // the serialized JWT string
	SessionID string    // value of the sub claim
	Exp       time.Time // the UTC expiration time
}

// NewSessionToken builds and signs an HS256 JWT for a booking session.  An
// empty sessionID gets a fresh UUID.  The JWT carries sub (the session id),
// role, exp and iat.
func NewSessionToken(secret, sessionID, role string, ttl time.Duration) (SessionToken, error) {
	if secret == "" {
		return SessionToken{}, errors.New("empty signing secret")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if role == "" {
		role = RoleClient
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  sessionID,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return SessionToken{}, err
	}
	return SessionToken{Token: signed, SessionID: sessionID, Exp: exp}, nil
}

// ParseSessionToken validates raw and returns its claims.  Only HMAC signed
// tokens are accepted.
func ParseSessionToken(secret, raw string) (jwt.MapClaims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}
