// Package deviceauth implements the server side of the bus "authenticate"
// handshake: verify a device's key against its bcrypt hash and, on
// success, issue a short-lived signed JWT that is returned in the
// handshake reply. The Broadcast Client does not attach that token to
// later bus messages, and the bus Receiver does not check one.
//
// Built around golang-jwt/jwt/v5 for issuance/validation paired with
// golang.org/x/crypto/bcrypt for the at-rest hash, an ecosystem-standard
// pairing.
package deviceauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownDevice = errors.New("deviceauth: unknown device")
	ErrBadKey        = errors.New("deviceauth: device key mismatch")
)

// TokenTTL is how long an issued device-session token is valid.
const TokenTTL = 15 * time.Minute

// Verifier checks device keys and issues session tokens. DeviceKeyHashes
// maps a device id to its bcrypt hash, loaded from svrconfig.
type Verifier struct {
	deviceKeyHashes map[string]string
	signingKey      []byte
}

func New(deviceKeyHashes map[string]string, signingKey string) *Verifier {
	return &Verifier{deviceKeyHashes: deviceKeyHashes, signingKey: []byte(signingKey)}
}

// HashKey bcrypt-hashes a raw device key for storage in config (used by
// the operator tooling that provisions new edge units, not at runtime).
func HashKey(rawKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	return string(h), err
}

type deviceClaims struct {
	jwt.RegisteredClaims
}

// Authenticate verifies deviceKey against the configured hash for every
// known device id (the wire protocol does not carry a device id
// separately — the key itself is the credential) and, on success, issues
// a signed token. It returns (token, nil) on success or ("", ErrBadKey)
// when no configured hash matches; since the key is the only credential,
// an unknown device and a wrong key are indistinguishable here.
func (v *Verifier) Authenticate(deviceKey string) (string, error) {
	matched := false
	for _, hash := range v.deviceKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(deviceKey)) == nil {
			matched = true
			break
		}
	}
	if !matched {
		return "", ErrBadKey
	}

	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "edge-device",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.signingKey)
}

// ValidateToken checks a previously issued device-session token and
// reports whether it is still valid.
func (v *Verifier) ValidateToken(raw string) bool {
	claims := &deviceClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("deviceauth: unexpected signing method")
		}
		return v.signingKey, nil
	})
	return err == nil && token.Valid
}
