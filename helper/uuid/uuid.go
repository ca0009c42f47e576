// Package uuid provides identifier generation for requests, messages, and
// reservation tokens.
package uuid

import (
	"crypto/rand"
	"fmt"

	gouuid "github.com/hashicorp/go-uuid"
)

// Generate returns a random canonical 8-4-4-4-12 UUID string. It panics if
// the platform entropy source is unavailable.
func Generate() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

// GenerateToken returns an opaque 128-bit token suitable for single-use
// reservation handshakes.
func GenerateToken() (string, error) {
	return gouuid.GenerateUUID()
}
