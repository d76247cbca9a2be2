package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived master key length in bytes.
	scryptKeyLen = 32

	// hkdfKeyLen is the output length for HKDF-derived subkeys (32 bytes / 256 bits).
	hkdfKeyLen = 32

	// saltLen is the length of the random cache salt in bytes.
	saltLen = 16
)

// HKDF info strings binding each subkey to its purpose. Case and queue
// values are sealed under independent keys; the key hash is derived
// under a third so the stored verifier reveals nothing about either.
var (
	infoCases   = []byte("field-sync/cases")
	infoQueue   = []byte("field-sync/queue")
	infoKeyHash = []byte("field-sync/keyhash")
)

// Cipher seals and opens cache values with AES-256-GCM. All keys are
// derived from a scrypt master key via HKDF-SHA256. The sealed format
// is [12-byte IV][ciphertext+GCM tag] with a random IV per value.
type Cipher struct {
	cases   cipher.AEAD
	queue   cipher.AEAD
	keyHash string
}

// NewSalt generates a fresh random cache salt.
func NewSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return salt
}

// DeriveKey derives the 32-byte master key from the passphrase and salt
// using scrypt. Parameters: N=32768, r=8, p=1. The passphrase is
// normalized to NFKC first so visually identical input always derives
// the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// NewCipher derives the cache cipher from a passphrase and salt. All
// intermediate key material is zeroed once the AEAD instances are
// constructed.
func NewCipher(passphrase string, salt []byte) (*Cipher, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	casesKey, err := hkdfDeriveKey(key, salt, infoCases, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving cases key: %w", err)
	}

	queueKey, err := hkdfDeriveKey(key, salt, infoQueue, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving queue key: %w", err)
	}

	hashKey, err := hkdfDeriveKey(key, salt, infoKeyHash, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving keyhash: %w", err)
	}

	casesAEAD, err := newGCM(casesKey)
	if err != nil {
		return nil, err
	}

	queueAEAD, err := newGCM(queueKey)
	if err != nil {
		return nil, err
	}

	c := &Cipher{
		cases:   casesAEAD,
		queue:   queueAEAD,
		keyHash: hex.EncodeToString(hashKey),
	}

	// Zero all derived key material; the cipher objects retain copies internally.
	subtle.ConstantTimeCopy(1, key, make([]byte, len(key)))
	subtle.ConstantTimeCopy(1, casesKey, make([]byte, len(casesKey)))
	subtle.ConstantTimeCopy(1, queueKey, make([]byte, len(queueKey)))
	subtle.ConstantTimeCopy(1, hashKey, make([]byte, len(hashKey)))

	return c, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given IKM,
// salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// KeyHash returns the hex verifier stored in meta to detect passphrase
// mismatch on open.
func (c *Cipher) KeyHash() string {
	return c.keyHash
}

// SealCase encrypts a case value. Returns [12-byte IV][ciphertext+tag].
func (c *Cipher) SealCase(data []byte) ([]byte, error) {
	return sealValue(c.cases, data)
}

// OpenCase decrypts a case value.
func (c *Cipher) OpenCase(data []byte) ([]byte, error) {
	return openValue(c.cases, data)
}

// SealQueue encrypts a queue value. Returns [12-byte IV][ciphertext+tag].
func (c *Cipher) SealQueue(data []byte) ([]byte, error) {
	return sealValue(c.queue, data)
}

// OpenQueue decrypts a queue value.
func (c *Cipher) OpenQueue(data []byte) ([]byte, error) {
	return openValue(c.queue, data)
}

func sealValue(aead cipher.AEAD, data []byte) ([]byte, error) {
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := aead.Seal(nil, iv, data, nil)
	result := make([]byte, len(iv)+len(ct))
	copy(result, iv)
	copy(result[len(iv):], ct)

	return result, nil
}

func openValue(aead cipher.AEAD, data []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plain, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plain, nil
}
