package auth

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSegment(v any) string {
	b, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(b)
}

func signHS256(key []byte, restaurantID string, scopes []string, exp int64) string {
	h := encodeSegment(header{Alg: "HS256"})
	p := encodeSegment(Claims{Subject: "printer-daemon", RestaurantID: restaurantID, Scopes: scopes, ExpiresAt: exp})
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}

func signEdDSA(priv ed25519.PrivateKey, restaurantID string, exp int64) string {
	h := encodeSegment(header{Alg: "EdDSA"})
	p := encodeSegment(Claims{Subject: "printer-daemon", RestaurantID: restaurantID, ExpiresAt: exp})
	signingInput := h + "." + p
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestVerifyHS256TokenSucceeds(t *testing.T) {
	key := []byte("super-secret-signing-key")
	token := signHS256(key, "rest-1", []string{"print"}, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(KeySet{CurrentHMACKey: key})
	claims, err := v.Verify(token, "rest-1", "print")
	require.NoError(t, err)
	assert.Equal(t, "rest-1", claims.RestaurantID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key := []byte("super-secret-signing-key")
	token := signHS256(key, "rest-1", nil, time.Now().Add(-time.Minute).Unix())

	v := NewVerifier(KeySet{CurrentHMACKey: key})
	_, err := v.Verify(token, "rest-1", "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsWrongRestaurant(t *testing.T) {
	key := []byte("super-secret-signing-key")
	token := signHS256(key, "rest-1", nil, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(KeySet{CurrentHMACKey: key})
	_, err := v.Verify(token, "rest-2", "")
	assert.ErrorIs(t, err, ErrRestaurantScope)
}

func TestVerifyRejectsMissingScope(t *testing.T) {
	key := []byte("super-secret-signing-key")
	token := signHS256(key, "rest-1", []string{"read"}, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(KeySet{CurrentHMACKey: key})
	_, err := v.Verify(token, "rest-1", "print")
	assert.ErrorIs(t, err, ErrMissingScope)
}

func TestPreviousKeyHonoredWithinGraceWindow(t *testing.T) {
	oldKey := []byte("old-key")
	newKey := []byte("new-key")
	token := signHS256(oldKey, "rest-1", nil, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(KeySet{
		CurrentHMACKey:  newKey,
		PreviousHMACKey: oldKey,
		RotatedAt:       time.Now().Add(-30 * time.Minute),
		GraceWindow:     time.Hour,
	})
	_, err := v.Verify(token, "rest-1", "")
	assert.NoError(t, err)
}

func TestPreviousKeyRejectedAfterGraceWindow(t *testing.T) {
	oldKey := []byte("old-key")
	newKey := []byte("new-key")
	token := signHS256(oldKey, "rest-1", nil, time.Now().Add(time.Hour).Unix())

	v := NewVerifier(KeySet{
		CurrentHMACKey:  newKey,
		PreviousHMACKey: oldKey,
		RotatedAt:       time.Now().Add(-2 * time.Hour),
		GraceWindow:     time.Hour,
	})
	_, err := v.Verify(token, "rest-1", "")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyEdDSAToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	token := signEdDSA(priv, "rest-1", time.Now().Add(time.Hour).Unix())

	v := NewVerifier(KeySet{CurrentEdKey: pub})
	claims, err := v.Verify(token, "rest-1", "")
	require.NoError(t, err)
	assert.Equal(t, "rest-1", claims.RestaurantID)
}

func TestVerifyMalformedToken(t *testing.T) {
	v := NewVerifier(KeySet{CurrentHMACKey: []byte("k")})
	_, err := v.Verify("not-a-jwt", "rest-1", "")
	assert.ErrorIs(t, err, ErrMalformedToken)
}
