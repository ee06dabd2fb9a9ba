// internal/models/code.go
package models

import (
	"math/rand"
	"regexp"
	"strings"
)

// codeAlphabet excludes nothing: lobby codes use the full uppercase
// alphanumeric set, matched by codePattern.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the fixed lobby code length.
const CodeLength = 5

var codePattern = regexp.MustCompile(`^[A-Z0-9]{5}$`)

// NormalizeCode uppercases the input and strips every non-alphanumeric rune.
// Lobby lookups always go through normalization first, so "abc-12" and
// "ABC12" address the same lobby.
func NormalizeCode(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCode reports whether code is exactly five uppercase alphanumerics.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// RandomCode produces a candidate lobby code from rng. Uniqueness is not
// guaranteed here; the caller claims the code with a conditional write and
// regenerates on collision.
func RandomCode(rng *rand.Rand) string {
	b := make([]byte, CodeLength)
	for i := range b {
		b[i] = codeAlphabet[rng.Intn(len(codeAlphabet))]
	}
	return string(b)
}
