package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// BodyDigest computes the value of the Digest header for a request body:
// "SHA-256=<base64 of sha256(body)>".
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// BuildRequestSignature computes the Digest and Signature header values for a
// signed request body. The signature covers the digest line only, matching
// the server's HTTP-signature verification:
//
//	Signature: keyId="primary",algorithm="ed25519",headers="digest",signature="<base64>"
//
// The signed string is "digest: <digest-value>".
func BuildRequestSignature(secretKey PrivateKey, keyID string, body []byte) (digest, signature string, err error) {
	digest = BodyDigest(body)

	sig, err := Sign(secretKey, []byte("digest: "+digest))
	if err != nil {
		return "", "", fmt.Errorf("signing digest: %w", err)
	}

	signature = fmt.Sprintf("keyId=%q,algorithm=%q,headers=%q,signature=%q",
		keyID, "ed25519", "digest", base64.StdEncoding.EncodeToString(sig.Bytes()))
	return digest, signature, nil
}

// VerifyRequestSignature checks a digest/signature header pair against a body
// and public key. Used by the issuer side in tests; the production servers
// perform the equivalent check remotely.
func VerifyRequestSignature(publicKey PublicKey, body []byte, digest string, rawSignature []byte) bool {
	if BodyDigest(body) != digest {
		return false
	}
	return Signature(rawSignature).Verify(publicKey, []byte("digest: "+digest))
}
