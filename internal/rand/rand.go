// Package rand generates request ids. They only need to be unique among the
// requests outstanding on one socket, so a seeded PCG is enough.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var defaultSource = newSource()

type source struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSource() *source {
	seed := make([]byte, 16)
	if _, err := cryptorand.Read(seed); err != nil {
		panic("rand: reading seed: " + err.Error())
	}

	return &source{
		//nolint:gosec // ids are not security sensitive
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

// NewRequestID returns a base62 string of the given length.
func NewRequestID(length int) string {
	buf := make([]byte, length)

	defaultSource.mu.Lock()
	for i := range buf {
		buf[i] = charset[defaultSource.rng.IntN(len(charset))]
	}
	defaultSource.mu.Unlock()

	return string(buf)
}
