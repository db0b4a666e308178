// Package crypto implements envelope encryption for record content. Each
// record gets one AES-256-GCM content key at creation; sharing wraps that
// same key per grantee under a KEK derived from the master key, so a grant
// never re-encrypts the blob.
//
// Revocation limitation: dropping a grantee's wrapped key stops fresh
// unwraps, but a content key unwrapped before revocation (including one held
// in this service's cache) keeps decrypting until the record key is rotated.
// The ACL check in front of every read is the effective guard.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

const keySize = 32

// Service wraps the envelope operations around a 32-byte master key.
type Service struct {
	master []byte
	cache  *lru.Cache[string, []byte]
}

// NewService creates a Service. The cache holds recently unwrapped content
// keys so hot records skip the unwrap on every read.
func NewService(master []byte) (*Service, error) {
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}
	cache, err := lru.New[string, []byte](1024)
	if err != nil {
		return nil, fmt.Errorf("init key cache: %w", err)
	}
	return &Service{master: master, cache: cache}, nil
}

// Digest returns the hex SHA-256 digest of content, the canonical content
// hash recorded in metadata and on the ledger.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewContentKey generates a fresh per-record content key.
func (s *Service) NewContentKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return key, nil
}

// Encrypt seals content under key with AES-GCM, nonce prepended.
func (s *Service) Encrypt(content, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, content, nil), nil
}

// Decrypt opens a blob sealed by Encrypt. Failure means a wrong key or
// tampered ciphertext; callers treat it as an integrity problem, never as
// data.
func (s *Service) Decrypt(blob, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("blob shorter than nonce")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	content, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return content, nil
}

// WrapKey seals the content key for a grantee under their derived KEK.
func (s *Service) WrapKey(recordID, granteeID string, contentKey []byte) ([]byte, error) {
	wrapped, err := s.Encrypt(contentKey, s.kekFor(recordID, granteeID))
	if err != nil {
		return nil, fmt.Errorf("wrap key for %s: %w", granteeID, err)
	}
	return wrapped, nil
}

// UnwrapKey recovers the content key from a grantee's wrapped copy. The
// result is cached; see the package comment for the revocation consequence.
func (s *Service) UnwrapKey(recordID, granteeID string, wrapped []byte) ([]byte, error) {
	cacheKey := recordID + "|" + granteeID
	if key, ok := s.cache.Get(cacheKey); ok {
		return key, nil
	}
	key, err := s.Decrypt(wrapped, s.kekFor(recordID, granteeID))
	if err != nil {
		return nil, fmt.Errorf("unwrap key for %s: %w", granteeID, err)
	}
	s.cache.Add(cacheKey, key)
	return key, nil
}

// kekFor derives a grantee's key-encryption key from the master key.
func (s *Service) kekFor(recordID, granteeID string) []byte {
	mac := hmac.New(sha256.New, s.master)
	fmt.Fprintf(mac, "%s:%s", recordID, granteeID)
	return mac.Sum(nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
