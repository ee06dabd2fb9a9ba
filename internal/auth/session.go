// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Sessions issues and verifies guest session tokens. Players are anonymous:
// a session is minted on first contact and carries the guest uid plus the
// chosen display name, so a reconnecting tab can prove it is the same
// player without any account system.
type Sessions struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expire     time.Duration
}

// NewSessions generates a fresh ed25519 key pair at runtime. Tokens signed
// before a restart are not honored after it; clients simply re-register as
// a new guest. expire of 0 means tokens never expire.
func NewSessions(expire time.Duration) (*Sessions, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Sessions{privateKey: priv, publicKey: pub, expire: expire}, nil
}

// NewSessionsFromPath reads ed25519 private/public keys from file, so tokens
// survive restarts when key persistence is configured.
func NewSessionsFromPath(privatePath, publicPath string, expire time.Duration) (*Sessions, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	return &Sessions{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		expire:     expire,
	}, nil
}

// Guest describes an authenticated guest session.
type Guest struct {
	UID         string
	DisplayName string
}

// CreateGuest mints a fresh guest uid and returns it with a signed token.
func (s *Sessions) CreateGuest(displayName string) (Guest, string, error) {
	g := Guest{UID: uuid.NewString(), DisplayName: displayName}
	token, err := s.CreateJWT(g)
	if err != nil {
		return Guest{}, "", err
	}
	return g, token, nil
}

// CreateJWT creates a signed token with "sub" = guest uid and "name" =
// display name. No exp claim is set when expiry is disabled.
func (s *Sessions) CreateJWT(g Guest) (string, error) {
	claims := jwt.MapClaims{
		"sub":  g.UID,
		"name": g.DisplayName,
	}
	if s.expire > 0 {
		claims["exp"] = time.Now().Add(s.expire).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// AuthenticateJWT verifies a token string and returns the guest it names.
func (s *Sessions) AuthenticateJWT(tokenString string) (Guest, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return Guest{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return Guest{}, fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Guest{}, fmt.Errorf("invalid jwt claims")
	}
	uid, ok := claims["sub"].(string)
	if !ok {
		return Guest{}, fmt.Errorf("missing sub in jwt")
	}
	name, _ := claims["name"].(string)
	return Guest{UID: uid, DisplayName: name}, nil
}
