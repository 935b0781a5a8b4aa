package queue

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"
)

const (
	pbkdfIterations = 100_000
	saltSize        = 16
	keySize         = chacha20poly1305.KeySize
)

// deriveKey implements §4.5's passphrase derivation: PBKDF2-HMAC-SHA256,
// 100_000 iterations, 16-byte salt. The salt lives in a sidecar file next
// to the queue database ("<db>.salt"), generated on first open.
func deriveKey(passphrase, saltPath string) ([]byte, error) {
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdfIterations, keySize, sha256.New), nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == saltSize {
		return data, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// sealer encrypts/decrypts job payload BLOBs with per-row nonces. The
// queue's row-level encryption substitutes for the full-disk SQLCipher-style
// encryption spec.md describes — modernc.org/sqlite is pure Go with no page
// cipher extension, so payload-at-rest protection is applied at the BLOB
// level instead of the file level (see DESIGN.md).
type sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], nil)
}
