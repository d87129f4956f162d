package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestSignature(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	body := []byte(`{"blindedTokens":["dG9rZW4="]}`)
	digest, signature, err := BuildRequestSignature(priv, "primary", body)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(digest, "SHA-256="))
	assert.Contains(t, signature, `keyId="primary"`)
	assert.Contains(t, signature, `algorithm="ed25519"`)
	assert.Contains(t, signature, `headers="digest"`)

	// Extract the base64 signature value and verify it end to end.
	const marker = `signature="`
	idx := strings.Index(signature, marker)
	require.NotEqual(t, -1, idx)
	sigB64 := strings.TrimSuffix(signature[idx+len(marker):], `"`)
	rawSig, err := base64.StdEncoding.DecodeString(sigB64)
	require.NoError(t, err)

	assert.True(t, VerifyRequestSignature(pub, body, digest, rawSig))
	assert.False(t, VerifyRequestSignature(pub, []byte("tampered"), digest, rawSig))
}

func TestBodyDigestDeterministic(t *testing.T) {
	body := []byte("hello")
	assert.Equal(t, BodyDigest(body), BodyDigest([]byte("hello")))
	assert.NotEqual(t, BodyDigest(body), BodyDigest([]byte("hello!")))
}
