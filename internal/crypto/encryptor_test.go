package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncrypt_RoundTripLengths(t *testing.T) {
	enc := NewEncryptor(NewSystemRandom())

	for _, n := range []int{0, 1, 15, 16, 17, 31, 32, 33, 1000, 4096} {
		t.Run(fmt.Sprintf("len=%d", n), func(t *testing.T) {
			plaintext := bytes.Repeat([]byte{'x'}, n)

			sealed, err := enc.Encrypt(plaintext)
			require.NoError(t, err)
			require.Len(t, sealed.Key, KeySize)
			require.Len(t, sealed.IV, IVSize)

			// A full padding block is added when the input is already aligned.
			assert.Equal(t, (n/aes.BlockSize+1)*aes.BlockSize, len(sealed.Ciphertext))

			got, err := Open(sealed.Ciphertext, sealed.Key, sealed.IV)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestEncrypt_FreshKeyPerCall(t *testing.T) {
	enc := NewEncryptor(NewSystemRandom())
	plaintext := []byte("same content every time")

	seenKeys := make(map[string]bool)
	seenIVs := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.False(t, seenKeys[string(sealed.Key)], "key reused")
		assert.False(t, seenIVs[string(sealed.IV)], "iv reused")
		seenKeys[string(sealed.Key)] = true
		seenIVs[string(sealed.IV)] = true
	}
}

// The wire format must be decodable by any standard AES-CBC/PKCS#7 implementation,
// so this decodes by hand instead of going through Open.
func TestEncrypt_StandardPKCS7Bytes(t *testing.T) {
	enc := NewEncryptor(NewSystemRandom())
	plaintext := []byte("0123456789") // 10 bytes => 6 bytes of 0x06

	sealed, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	block, err := aes.NewCipher(sealed.Key)
	require.NoError(t, err)
	padded := make([]byte, len(sealed.Ciphertext))
	cipher.NewCBCDecrypter(block, sealed.IV).CryptBlocks(padded, sealed.Ciphertext)

	assert.Equal(t, plaintext, padded[:10])
	assert.Equal(t, bytes.Repeat([]byte{0x06}, 6), padded[10:])
}

func TestEncrypt_EntropyFailure(t *testing.T) {
	tests := []struct {
		name  string
		bytes int
	}{
		{"key", 0},
		{"iv", KeySize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reader runs dry after tt.bytes bytes.
			enc := NewEncryptor(NewReaderRandom(bytes.NewReader(make([]byte, tt.bytes))))
			_, err := enc.Encrypt([]byte("payload"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEntropy))
		})
	}
}

func TestOpen_Rejects(t *testing.T) {
	enc := NewEncryptor(NewSystemRandom())
	sealed, err := enc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = Open(sealed.Ciphertext, sealed.Key[:16], sealed.IV)
	assert.Error(t, err, "short key")

	_, err = Open(sealed.Ciphertext, sealed.Key, sealed.IV[:8])
	assert.Error(t, err, "short iv")

	_, err = Open(sealed.Ciphertext[:5], sealed.Key, sealed.IV)
	assert.Error(t, err, "unaligned ciphertext")

	_, err = Open(nil, sealed.Key, sealed.IV)
	assert.Error(t, err, "empty ciphertext")
}

func TestPKCS7(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantErr bool
	}{
		{"valid one byte", append(bytes.Repeat([]byte{'a'}, 15), 0x01), false},
		{"valid full block", bytes.Repeat([]byte{0x10}, 16), false},
		{"zero pad byte", append(bytes.Repeat([]byte{'a'}, 15), 0x00), true},
		{"pad longer than block", append(bytes.Repeat([]byte{'a'}, 15), 0x11), true},
		{"inconsistent pad", append(bytes.Repeat([]byte{'a'}, 13), 0x03, 0x02, 0x03), true},
		{"unaligned", []byte{0x01}, true},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pkcs7Unpad(tt.in, 16)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPadding)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	padded := pkcs7Pad([]byte("abc"), 16)
	assert.Len(t, padded, 16)
	out, err := pkcs7Unpad(padded, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestNewKeyID(t *testing.T) {
	id, err := NewKeyID(NewSystemRandom())
	require.NoError(t, err)
	// 16 bytes => 24 base64 chars including "==" padding.
	assert.Len(t, id, 24)
	assert.NotContains(t, id, "+")
	assert.NotContains(t, id, "/")

	_, err = NewKeyID(NewReaderRandom(bytes.NewReader(nil)))
	assert.ErrorIs(t, err, ErrEntropy)
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
	Wipe(nil)
}
