package crypto

import (
	"encoding/base64"
	"fmt"
)

// EncodeBase64 encodes key, iv and ciphertext bytes for the wire (standard alphabet, padded).
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 string: %w", err)
	}
	return data, nil
}
