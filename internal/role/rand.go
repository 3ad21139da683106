package role

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// randomUint16 draws a 16-bit value from a cryptographic source. The
// original tool seeds libc rand() for this; there is no reason to carry
// a predictable PRNG forward when crypto/rand is one call away and the
// value only needs to be hard to guess, not reproducible.
func randomUint16() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("role: random: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
