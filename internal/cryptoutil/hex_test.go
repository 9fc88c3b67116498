package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHexString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", true},
		{"lowercase hex", "deadbeef", true},
		{"uppercase hex", "DEADBEEF", true},
		{"digits only", "0123456789", true},
		{"contains g", "0123abcg", false},
		{"space", "ab cd", false},
		{"newline", "abcd\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHexString(tt.in))
		})
	}
}

func TestResolveKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	raw := "a-raw-signing-key-that-is-32-byt"

	got, err := ResolveKey("signing_key", hexKey, 32)
	require.NoError(t, err)
	assert.Len(t, got, 32)
	assert.Equal(t, byte(0xab), got[0])

	got, err = ResolveKey("signing_key", raw, 32)
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), got)

	_, err = ResolveKey("signing_key", "short", 32)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key must be at least 32 bytes")

	// Odd-length hex falls back to raw bytes.
	got, err = ResolveKey("k", strings.Repeat("a", 65), 32)
	require.NoError(t, err)
	assert.Len(t, got, 65)
}
