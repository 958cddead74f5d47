// internal/roomcode/roomcode.go
package roomcode

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet is the 32-symbol set room codes are drawn from. Visually ambiguous
// glyphs (0/O, 1/I) are excluded so codes survive being read aloud or
// scribbled on a napkin.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the number of symbols in a room code. 32^6 is about 1.07e9
// combinations.
const Length = 6

// Generate returns a fresh random room code. It does not guarantee
// uniqueness; the creating operation retries on a store uniqueness conflict.
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("roomcode: read random: %w", err)
	}
	var b strings.Builder
	b.Grow(Length)
	for _, c := range buf {
		b.WriteByte(Alphabet[int(c)%len(Alphabet)])
	}
	return b.String(), nil
}

// Valid reports whether s has the exact shape of a room code.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(Alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// Normalize upper-cases and trims a user-typed code. The ambiguous glyphs
// never appear in generated codes, so they are left to fail Valid.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
