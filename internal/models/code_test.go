// internal/models/code_test.go
package models

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"abc12":    "ABC12",
		"ABC12":    "ABC12",
		" abc-12 ": "ABC12",
		"a b c12":  "ABC12",
		"!!!":      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeCode(in), "input %q", in)
	}
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("ABC12"))
	assert.True(t, ValidCode("00000"))
	assert.False(t, ValidCode("abc12"), "lowercase must be normalized first")
	assert.False(t, ValidCode("ABC1"))
	assert.False(t, ValidCode("ABC123"))
	assert.False(t, ValidCode("AB C1"))
}

func TestRandomCodeShape(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := RandomCode(rng)
		assert.True(t, ValidCode(code), "generated %q", code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90, "codes should rarely collide")
}
