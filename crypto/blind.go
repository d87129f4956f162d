package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const tokenScalarContext = "bat-token-scalar-v1"
const redeemKeyContext = "bat-redeem-key-v1"

var errTokenSize = errors.New("invalid token encoding size")

// tokenScalar derives the Curve25519 scalar for a token preimage.
func tokenScalar(preimage []byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte(tokenScalarContext))
	h.Write(preimage)
	var s [32]byte
	copy(s[:], h.Sum(nil))
	return s
}

// Token is a client-held token awaiting issuance: a random preimage plus the
// blinding scalar used to hide it from the issuer.
type Token struct {
	preimage [32]byte
	blind    [32]byte
}

// NewToken generates a fresh random token with a fresh blinding scalar.
func NewToken() (*Token, error) {
	t := &Token{}
	if _, err := io.ReadFull(rand.Reader, t.preimage[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, t.blind[:]); err != nil {
		return nil, err
	}
	return t, nil
}

// Blind returns the blinded point submitted to the issuer. The issuer sees
// only blind*scalar(preimage)*G and cannot link it to a later redemption.
func (t *Token) Blind() (BlindedToken, error) {
	s := tokenScalar(t.preimage[:])
	point, err := curve25519.X25519(s[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	blinded, err := curve25519.X25519(t.blind[:], point)
	if err != nil {
		return nil, err
	}
	return BlindedToken(blinded), nil
}

// EncodeBase64 serializes the token (preimage plus blinding scalar) for
// persistence. Tokens at rest are opaque base64 blobs.
func (t *Token) EncodeBase64() string {
	buf := make([]byte, 0, 64)
	buf = append(buf, t.preimage[:]...)
	buf = append(buf, t.blind[:]...)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeToken restores a token from its base64 form.
func DecodeToken(s string) (*Token, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 64 {
		return nil, errTokenSize
	}
	t := &Token{}
	copy(t.preimage[:], raw[:32])
	copy(t.blind[:], raw[32:])
	return t, nil
}

// BlindedToken is the curve point a client submits for issuance.
type BlindedToken []byte

// EncodeBase64 returns the wire form of the blinded point.
func (bt BlindedToken) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(bt)
}

// DecodeBlindedToken parses a base64 blinded point.
func DecodeBlindedToken(s string) (BlindedToken, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errTokenSize
	}
	return BlindedToken(raw), nil
}

// SignedToken is the issuer's signature point over a blinded token.
type SignedToken []byte

// EncodeBase64 returns the wire form of the signed point.
func (st SignedToken) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(st)
}

// DecodeSignedToken parses a base64 signed point.
func DecodeSignedToken(s string) (SignedToken, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errTokenSize
	}
	return SignedToken(raw), nil
}

// IssuerPublicKey is the issuer's Curve25519 issuance public key.
type IssuerPublicKey []byte

// EncodeBase64 returns the wire form of the issuance key.
func (ik IssuerPublicKey) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(ik)
}

// DecodeIssuerPublicKey parses a base64 issuance key.
func DecodeIssuerPublicKey(s string) (IssuerPublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errTokenSize
	}
	return IssuerPublicKey(raw), nil
}

// UnblindedToken is an issued, spendable token: the original preimage plus
// the unblinded issuance point. Redemption reveals the preimage and a keyed
// MAC derived from the point; neither is linkable to the blinded submission.
type UnblindedToken struct {
	preimage [32]byte
	point    [32]byte
}

// PreimageBase64 returns the base64 preimage sent with a redemption.
func (ut *UnblindedToken) PreimageBase64() string {
	return base64.StdEncoding.EncodeToString(ut.preimage[:])
}

// EncodeBase64 serializes the unblinded token for persistence.
func (ut *UnblindedToken) EncodeBase64() string {
	buf := make([]byte, 0, 64)
	buf = append(buf, ut.preimage[:]...)
	buf = append(buf, ut.point[:]...)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeUnblindedToken restores an unblinded token from its base64 form.
func DecodeUnblindedToken(s string) (*UnblindedToken, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 64 {
		return nil, errTokenSize
	}
	ut := &UnblindedToken{}
	copy(ut.preimage[:], raw[:32])
	copy(ut.point[:], raw[32:])
	return ut, nil
}

func redeemKey(preimage, point []byte) []byte {
	kdf := hkdf.New(sha3.New256, point, preimage, []byte(redeemKeyContext))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(err)
	}
	return key
}

// Credential produces the base64 redemption MAC binding this token to a
// message (for confirmations, the serialized redemption payload).
func (ut *UnblindedToken) Credential(message []byte) string {
	mac := hmac.New(sha3.New256, redeemKey(ut.preimage[:], ut.point[:]))
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyAndUnblind checks every signed token against the issuer's issuance
// key and returns the unblinded tokens. Returns nil if any single check
// fails: issuance is all-or-nothing, a partially valid batch is rejected.
func VerifyAndUnblind(tokens []*Token, blinded []BlindedToken, signed []SignedToken, issuerKey IssuerPublicKey) []*UnblindedToken {
	if len(tokens) != len(blinded) || len(tokens) != len(signed) || len(issuerKey) != 32 {
		return nil
	}

	out := make([]*UnblindedToken, 0, len(tokens))
	for i, t := range tokens {
		s := tokenScalar(t.preimage[:])

		// The issuer computed k*(blind*s*G). The holder recomputes it as
		// blind*(s*(k*G)) from the public issuance key; a mismatch means the
		// signature was not produced with that key.
		unblinded, err := curve25519.X25519(s[:], issuerKey)
		if err != nil {
			return nil
		}
		expected, err := curve25519.X25519(t.blind[:], unblinded)
		if err != nil {
			return nil
		}
		if !hmac.Equal(expected, signed[i]) {
			return nil
		}

		ut := &UnblindedToken{preimage: t.preimage}
		copy(ut.point[:], unblinded)
		out = append(out, ut)
	}
	return out
}

func batchProofDigest(blinded []BlindedToken, signed []SignedToken) []byte {
	h := sha3.New256()
	for _, bt := range blinded {
		h.Write(bt)
	}
	for _, st := range signed {
		h.Write(st)
	}
	return h.Sum(nil)
}

// VerifyBatchProof checks the issuer's batch proof over a signed token batch
// using the issuer's Ed25519 verification key.
func VerifyBatchProof(proofBase64 string, blinded []BlindedToken, signed []SignedToken, verifyKey PublicKey) bool {
	raw, err := base64.StdEncoding.DecodeString(proofBase64)
	if err != nil {
		return false
	}
	return Signature(raw).Verify(verifyKey, batchProofDigest(blinded, signed))
}

// TokenIssuer is the server side of the blind-token scheme. The production
// issuer lives behind the confirmations server; this implementation backs
// tests and local fakes.
type TokenIssuer struct {
	secret    [32]byte
	public    IssuerPublicKey
	signKey   PrivateKey
	verifyKey PublicKey
}

// NewTokenIssuer generates a fresh issuance scalar and proof key pair.
func NewTokenIssuer() (*TokenIssuer, error) {
	iss := &TokenIssuer{}
	if _, err := io.ReadFull(rand.Reader, iss.secret[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(iss.secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	iss.public = IssuerPublicKey(pub)

	verifyKey, signKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	iss.signKey = signKey
	iss.verifyKey = verifyKey
	return iss, nil
}

// PublicKey returns the Curve25519 issuance key.
func (iss *TokenIssuer) PublicKey() IssuerPublicKey { return iss.public }

// VerifyKey returns the Ed25519 key clients use to check batch proofs.
func (iss *TokenIssuer) VerifyKey() PublicKey { return iss.verifyKey }

// SignBlinded signs one blinded token with the issuance scalar.
func (iss *TokenIssuer) SignBlinded(bt BlindedToken) (SignedToken, error) {
	if len(bt) != 32 {
		return nil, errTokenSize
	}
	signed, err := curve25519.X25519(iss.secret[:], bt)
	if err != nil {
		return nil, fmt.Errorf("signing blinded token: %w", err)
	}
	return SignedToken(signed), nil
}

// BatchProof produces the base64 proof clients verify before unblinding.
func (iss *TokenIssuer) BatchProof(blinded []BlindedToken, signed []SignedToken) (string, error) {
	sig, err := Sign(iss.signKey, batchProofDigest(blinded, signed))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig.Bytes()), nil
}

// VerifyCredential checks a redemption (preimage, MAC) pair against a
// message. The issuer rederives the unblinded point from its secret scalar.
func (iss *TokenIssuer) VerifyCredential(preimageBase64 string, message []byte, credentialBase64 string) bool {
	preimage, err := base64.StdEncoding.DecodeString(preimageBase64)
	if err != nil || len(preimage) != 32 {
		return false
	}
	s := tokenScalar(preimage)
	point, err := curve25519.X25519(s[:], curve25519.Basepoint)
	if err != nil {
		return false
	}
	unblinded, err := curve25519.X25519(iss.secret[:], point)
	if err != nil {
		return false
	}

	mac := hmac.New(sha3.New256, redeemKey(preimage, unblinded))
	mac.Write(message)
	expected := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(credentialBase64)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
