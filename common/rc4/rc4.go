// Package rc4 wraps a keyed RC4 stream for transforming relayed payloads.
package rc4

import (
	"crypto/rc4"
	"fmt"
	"sync"
)

// Cipher is an RC4 keystream. Parse and SafeParse both consume keystream, so
// the order in which buffers are passed through a Cipher matters.
type Cipher struct {
	mu     sync.Mutex
	stream *rc4.Cipher
}

// New keys a cipher. Keys must be between 1 and 256 bytes.
func New(key []byte) (*Cipher, error) {
	stream, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rc4 key: %w", err)
	}
	return &Cipher{stream: stream}, nil
}

// Parse transforms buf in place.
func (c *Cipher) Parse(buf []byte) {
	c.mu.Lock()
	c.stream.XORKeyStream(buf, buf)
	c.mu.Unlock()
}

// SafeParse returns a transformed copy of buf and leaves buf untouched.
func (c *Cipher) SafeParse(buf []byte) []byte {
	out := make([]byte, len(buf))
	c.mu.Lock()
	c.stream.XORKeyStream(out, buf)
	c.mu.Unlock()
	return out
}
