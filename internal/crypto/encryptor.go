package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize
	// Algorithm names the wire scheme: AES-256 in CBC mode, PKCS#7 padded.
	Algorithm = "AES-256-CBC-PKCS7"
)

// Sealed is the result of a single encryption: the ciphertext and the
// freshly generated key/iv pair that produced it.
type Sealed struct {
	Ciphertext []byte
	Key        []byte
	IV         []byte
}

// Encryptor encrypts payloads under a new key/iv pair per call.
type Encryptor interface {
	Encrypt(plaintext []byte) (*Sealed, error)
}

type cbcEncryptor struct {
	random SecureRandom
}

// NewEncryptor returns an AES-256-CBC Encryptor drawing keys and ivs from random.
func NewEncryptor(random SecureRandom) Encryptor {
	return &cbcEncryptor{random: random}
}

// Encrypt pads plaintext with PKCS#7 and encrypts it with a key and iv that
// are never reused. len(Ciphertext) is always a non-zero multiple of 16.
func (e *cbcEncryptor) Encrypt(plaintext []byte) (*Sealed, error) {
	key, err := e.random.Bytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	iv, err := e.random.Bytes(IVSize)
	if err != nil {
		Wipe(key)
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		Wipe(key)
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	Wipe(padded)

	return &Sealed{
		Ciphertext: ciphertext,
		Key:        key,
		IV:         iv,
	}, nil
}

// Open is the reference decoder for the wire format produced by Encrypt.
// The broker itself never decrypts; clients and tooling do.
func Open(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid iv length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}
