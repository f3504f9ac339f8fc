package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize = 16
	keySize  = 32 // AES-256
	// kdfIterations follows current OWASP guidance for PBKDF2-SHA256.
	kdfIterations = 200_000
)

// keyCache memoizes derived keys by salt. Decoding a tree touches many
// files that share a handful of salts (one per encode run); without the
// cache every file would pay the full KDF cost.
type keyCache struct {
	mu   sync.Mutex
	keys map[[saltSize]byte][]byte
}

func (kc *keyCache) derive(passphrase string, salt []byte) []byte {
	var k [saltSize]byte
	copy(k[:], salt)

	kc.mu.Lock()
	defer kc.mu.Unlock()
	if key, ok := kc.keys[k]; ok {
		return key
	}
	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keySize, sha256.New)
	if kc.keys == nil {
		kc.keys = make(map[[saltSize]byte][]byte)
	}
	kc.keys[k] = key
	return key
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
