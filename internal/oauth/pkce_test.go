package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)

	// 32 bytes -> 43 base64url characters, no padding.
	assert.Len(t, verifier, 43)
	assert.NotContains(t, verifier, "=")
	assert.NotContains(t, verifier, "+")
	assert.NotContains(t, verifier, "/")

	other, err := GenerateCodeVerifier()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, other, "verifiers must be unique")
}

func TestCodeChallenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.Equal(t, expected, CodeChallenge(verifier))
	assert.NotContains(t, CodeChallenge(verifier), "=")
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	other, err := GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, state, other, "state values must be unique")
}
