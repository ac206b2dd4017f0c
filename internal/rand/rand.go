// Package rand generates the short random ids of feed handles.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	bytesInUint64 = 8
	charset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	charsetLen     = len(charset)
	unbiasedMaxVal = byte((256 / charsetLen) * charsetLen)
)

var defaultRandBytes = newRandBytes()

func newRandBytes() *randBytes {
	randomBytes := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(randomBytes); err != nil {
		panic("unreachable")
	}

	return &randBytes{
		//nolint:gosec // no security required
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(randomBytes[:8]),
			binary.LittleEndian.Uint64(randomBytes[8:]),
		)),
		bytesForUint64: make([]byte, bytesInUint64),
	}
}

type randBytes struct {
	mut            sync.Mutex
	rng            *rand.Rand
	bytesForUint64 []byte
}

// read fills bytes entirely from the seeded generator.
func (rb *randBytes) read(bytes []byte) {
	rb.mut.Lock()
	defer rb.mut.Unlock()

	for len(bytes) >= bytesInUint64 {
		binary.LittleEndian.PutUint64(bytes, rb.rng.Uint64())
		bytes = bytes[bytesInUint64:]
	}
	if len(bytes) > 0 {
		binary.LittleEndian.PutUint64(rb.bytesForUint64, rb.rng.Uint64())
		copy(bytes, rb.bytesForUint64)
	}
}

// NewRequestID returns a random base62 id of length n, used for feed handles
// and fake server sessions. Bytes past the last full multiple of the charset
// are rejected so every character is equally likely.
func NewRequestID(n int) string {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		defaultRandBytes.read(buf)
		for _, b := range buf {
			if b >= unbiasedMaxVal {
				continue
			}
			out = append(out, charset[int(b)%charsetLen])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
