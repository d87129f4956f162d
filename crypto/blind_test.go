package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateBatch(t *testing.T, iss *TokenIssuer, n int) ([]*Token, []BlindedToken, []SignedToken) {
	t.Helper()

	tokens := make([]*Token, n)
	blinded := make([]BlindedToken, n)
	signed := make([]SignedToken, n)
	for i := range tokens {
		tok, err := NewToken()
		require.NoError(t, err)
		tokens[i] = tok

		bt, err := tok.Blind()
		require.NoError(t, err)
		blinded[i] = bt

		st, err := iss.SignBlinded(bt)
		require.NoError(t, err)
		signed[i] = st
	}
	return tokens, blinded, signed
}

func TestVerifyAndUnblind_RoundTrip(t *testing.T) {
	iss, err := NewTokenIssuer()
	require.NoError(t, err)

	tokens, blinded, signed := generateBatch(t, iss, 5)

	unblinded := VerifyAndUnblind(tokens, blinded, signed, iss.PublicKey())
	require.Len(t, unblinded, 5)

	// Redemption credentials verify against the issuer's secret.
	msg := []byte(`{"creativeInstanceId":"some-ad"}`)
	for _, ut := range unblinded {
		cred := ut.Credential(msg)
		assert.True(t, iss.VerifyCredential(ut.PreimageBase64(), msg, cred))
		assert.False(t, iss.VerifyCredential(ut.PreimageBase64(), []byte("other message"), cred))
	}
}

func TestVerifyAndUnblind_WrongIssuer(t *testing.T) {
	iss, err := NewTokenIssuer()
	require.NoError(t, err)
	other, err := NewTokenIssuer()
	require.NoError(t, err)

	tokens, blinded, signed := generateBatch(t, iss, 3)

	assert.Nil(t, VerifyAndUnblind(tokens, blinded, signed, other.PublicKey()))
}

func TestVerifyAndUnblind_TamperedBatchIsRejectedWhole(t *testing.T) {
	iss, err := NewTokenIssuer()
	require.NoError(t, err)

	tokens, blinded, signed := generateBatch(t, iss, 4)

	// One bad signature poisons the whole batch. No partial acceptance.
	signed[2] = make(SignedToken, 32)
	assert.Nil(t, VerifyAndUnblind(tokens, blinded, signed, iss.PublicKey()))
}

func TestBatchProof(t *testing.T) {
	iss, err := NewTokenIssuer()
	require.NoError(t, err)

	_, blinded, signed := generateBatch(t, iss, 3)

	proof, err := iss.BatchProof(blinded, signed)
	require.NoError(t, err)

	assert.True(t, VerifyBatchProof(proof, blinded, signed, iss.VerifyKey()))

	otherKey, _, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, VerifyBatchProof(proof, blinded, signed, otherKey))

	assert.False(t, VerifyBatchProof(proof, blinded[:2], signed[:2], iss.VerifyKey()))
	assert.False(t, VerifyBatchProof("not base64!!", blinded, signed, iss.VerifyKey()))
}

func TestTokenEncoding(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)

	restored, err := DecodeToken(tok.EncodeBase64())
	require.NoError(t, err)
	assert.Equal(t, tok, restored)

	bt, err := tok.Blind()
	require.NoError(t, err)
	restoredBT, err := DecodeBlindedToken(bt.EncodeBase64())
	require.NoError(t, err)
	assert.Equal(t, bt, restoredBT)

	_, err = DecodeToken("c2hvcnQ=")
	assert.Error(t, err)
}

func TestUnblindedTokenEncoding(t *testing.T) {
	iss, err := NewTokenIssuer()
	require.NoError(t, err)

	tokens, blinded, signed := generateBatch(t, iss, 1)
	unblinded := VerifyAndUnblind(tokens, blinded, signed, iss.PublicKey())
	require.Len(t, unblinded, 1)

	restored, err := DecodeUnblindedToken(unblinded[0].EncodeBase64())
	require.NoError(t, err)
	assert.Equal(t, unblinded[0], restored)
}
