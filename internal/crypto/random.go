package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeyIDSize is the number of random bytes behind every key id.
const KeyIDSize = 16

// ErrEntropy is returned when the random source cannot supply bytes.
// Callers must treat it as fatal for the operation; there is no fallback source.
var ErrEntropy = errors.New("entropy source failure")

// SecureRandom supplies cryptographically secure random bytes.
type SecureRandom interface {
	Bytes(n int) ([]byte, error)
}

type readerRandom struct {
	r io.Reader
}

// NewSystemRandom returns a SecureRandom backed by the operating system CSPRNG.
func NewSystemRandom() SecureRandom {
	return &readerRandom{r: rand.Reader}
}

// NewReaderRandom wraps an arbitrary reader. Intended for tests and
// deterministic tooling; production code should use NewSystemRandom.
func NewReaderRandom(r io.Reader) SecureRandom {
	return &readerRandom{r: r}
}

// Bytes returns n random bytes or an error wrapping ErrEntropy.
func (s *readerRandom) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, fmt.Errorf("%w: failed to read %d bytes: %v", ErrEntropy, n, err)
	}
	return b, nil
}

// NewKeyID draws KeyIDSize bytes and returns them URL-safe base64 encoded
// (with padding), e.g. "x2Vt3bG3k1yQ0aJ7c1Jb1A==".
func NewKeyID(r SecureRandom) (string, error) {
	b, err := r.Bytes(KeyIDSize)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
