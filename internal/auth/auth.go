// Package auth validates the JWTs the cloud control plane issues for both
// the realtime WebSocket channel and the loopback HTTP API (§4.11). Token
// *issuance* in this ecosystem goes through github.com/aquamarinepk/aqm/auth
// (see the authn service), but that package exposes no verification entry
// point in this module's retrieved surface, so verification here is built
// directly on crypto/hmac and crypto/ed25519 — the same two algorithms
// aqm/auth issues tokens with (HS256 today, Ed25519 key pairs already
// generated by authpkg.GenerateKeyPair for future rollout).
package auth

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Algorithm identifies the JWT signing algorithm this verifier accepts.
type Algorithm string

const (
	AlgHS256 Algorithm = "HS256"
	AlgEdDSA Algorithm = "EdDSA"
)

var (
	ErrMalformedToken  = errors.New("auth: malformed token")
	ErrUnsupportedAlg  = errors.New("auth: unsupported signing algorithm")
	ErrBadSignature    = errors.New("auth: signature verification failed")
	ErrExpired         = errors.New("auth: token expired")
	ErrRestaurantScope = errors.New("auth: restaurant_id claim mismatch")
	ErrMissingScope    = errors.New("auth: required scope missing")
)

// KeySet is the verifier's trust material. CurrentHMACKey/CurrentEdKey are
// used first; PreviousHMACKey/PreviousEdKey are accepted for GraceWindow
// after a rotation so in-flight tokens signed by the old key don't fail
// mid-rotation (§4.11).
type KeySet struct {
	CurrentHMACKey  []byte
	PreviousHMACKey []byte
	CurrentEdKey    ed25519.PublicKey
	PreviousEdKey   ed25519.PublicKey
	GraceWindow     time.Duration
	RotatedAt       time.Time
}

// DefaultGraceWindow is the §4.11 default: a previous signing key remains
// valid for one hour after rotation.
const DefaultGraceWindow = time.Hour

func (k KeySet) withDefaults() KeySet {
	if k.GraceWindow <= 0 {
		k.GraceWindow = DefaultGraceWindow
	}
	return k
}

// Claims is the subset of the JWT payload this daemon cares about.
type Claims struct {
	Subject      string   `json:"sub"`
	RestaurantID string   `json:"restaurant_id"`
	Scopes       []string `json:"scope"`
	ExpiresAt    int64    `json:"exp"`
	IssuedAt     int64    `json:"iat"`
}

func (c Claims) hasScope(want string) bool {
	for _, s := range c.Scopes {
		if s == want {
			return true
		}
	}
	return false
}

type header struct {
	Alg string `json:"alg"`
}

// Verifier checks tokens against a KeySet, which SetKeys can replace after
// a key rotation.
type Verifier struct {
	keys KeySet
	now  func() time.Time
}

func NewVerifier(keys KeySet) *Verifier {
	return &Verifier{keys: keys.withDefaults(), now: time.Now}
}

// SetKeys swaps the trust material, e.g. after a key rotation (§4.11).
// No code in this daemon calls it; main builds the Verifier once from the
// auth.signing.key setting.
func (v *Verifier) SetKeys(keys KeySet) {
	v.keys = keys.withDefaults()
}

// Verify parses and validates token, checking signature, expiry,
// restaurant_id, and (if requiredScope is non-empty) scope membership.
func (v *Verifier) Verify(token, restaurantID, requiredScope string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformedToken
	}
	headerRaw, payloadRaw, sig := parts[0], parts[1], parts[2]

	headerBytes, err := base64.RawURLEncoding.DecodeString(headerRaw)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	signingInput := headerRaw + "." + payloadRaw

	if err := v.checkSignature(Algorithm(h.Alg), signingInput, sigBytes); err != nil {
		return Claims{}, err
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadRaw)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if claims.ExpiresAt > 0 && v.now().Unix() > claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	if restaurantID != "" && claims.RestaurantID != restaurantID {
		return Claims{}, ErrRestaurantScope
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return Claims{}, ErrMissingScope
	}
	return claims, nil
}

func (v *Verifier) checkSignature(alg Algorithm, signingInput string, sig []byte) error {
	switch alg {
	case AlgHS256:
		if verifyHMAC(v.keys.CurrentHMACKey, signingInput, sig) {
			return nil
		}
		if v.withinGrace() && verifyHMAC(v.keys.PreviousHMACKey, signingInput, sig) {
			return nil
		}
		return ErrBadSignature
	case AlgEdDSA:
		if verifyEd25519(v.keys.CurrentEdKey, signingInput, sig) {
			return nil
		}
		if v.withinGrace() && verifyEd25519(v.keys.PreviousEdKey, signingInput, sig) {
			return nil
		}
		return ErrBadSignature
	default:
		return ErrUnsupportedAlg
	}
}

func (v *Verifier) withinGrace() bool {
	if v.keys.RotatedAt.IsZero() {
		return true // no recorded rotation: previous key (if any) is always honored
	}
	return v.now().Before(v.keys.RotatedAt.Add(v.keys.GraceWindow))
}

func verifyHMAC(key []byte, signingInput string, sig []byte) bool {
	if len(key) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	return hmac.Equal(mac.Sum(nil), sig)
}

func verifyEd25519(key ed25519.PublicKey, signingInput string, sig []byte) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(key, []byte(signingInput), sig)
}
