// Package security implements the repository engine's per-repo
// encryption: password-derived key material, object encryption, and
// password-verification fingerprints.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// ErrWrongPassword is returned by VerifyPasswd when the derived magic
// does not match the repo's stored fingerprint.
var ErrWrongPassword = errors.New("security: wrong password")

const (
	keySize = 16 // AES-128
	ivSize  = aes.BlockSize
)

// KDFParams pins down how key material is derived for a given repo.
// EncVersion 1 repos use a single unsalted SHA-256 round (legacy,
// matching older seafile repos); EncVersion 2+ repos use PBKDF2-SHA256
// with Iterations rounds, salted by the repo id.
type KDFParams struct {
	EncVersion int
	Iterations int
}

// DeriveKey produces the AES key and IV used to encrypt/decrypt a
// repo's objects from its password and repo id.
func DeriveKey(password, repoID string, p KDFParams) (key, iv []byte) {
	if p.EncVersion <= 1 {
		sum := sha256.Sum256([]byte(password))
		return sum[:keySize], sum[keySize : keySize+ivSize]
	}

	iterations := p.Iterations
	if iterations <= 0 {
		iterations = 100000
	}
	derived := pbkdf2.Key([]byte(password), []byte(repoID), iterations, keySize+ivSize, sha256.New)
	return derived[:keySize], derived[keySize:]
}

// GenerateMagic returns the 32-hex-character fingerprint stored on
// the repo and compared against on every future VerifyPasswd call:
// the hex of the first 16 bytes of the derived key. It never stores
// the password itself.
func GenerateMagic(password, repoID string, p KDFParams) string {
	key, _ := DeriveKey(password, repoID, p)
	return hex.EncodeToString(key[:16])
}

// VerifyPasswd checks a candidate password against a stored magic
// fingerprint, returning ErrWrongPassword on mismatch.
func VerifyPasswd(password, repoID, magic string, p KDFParams) error {
	if GenerateMagic(password, repoID, p) != magic {
		return ErrWrongPassword
	}
	return nil
}

// EncryptBlock encrypts a chunk's plaintext bytes under AES-128-CBC
// with PKCS#7 padding. The object id of the result is the hash of the
// plaintext, not the ciphertext.
func EncryptBlock(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptBlock reverses EncryptBlock.
func DecryptBlock(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("security: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("security: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("security: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// RandomBytes returns n bytes from crypto/rand (lan token generation
// uses it); kept minimal so callers never reach for math/rand by
// habit.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("security: read random: %w", err)
	}
	return b, nil
}
