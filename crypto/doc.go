// Package crypto provides the cryptographic primitives for the BAT attention
// ledger: Ed25519 wallet keys and signatures, the HTTP signature scheme used
// to authenticate requests to the ledger servers, and the blind-token
// primitives backing anonymous confirmation and payment tokens.
//
// # Wallet Keys
//
// Wallets are identified by an Ed25519 key pair. The private key signs
// reconcile payloads and token refill requests; the public key is registered
// with the server during persona creation and used as the wallet identity.
//
// # HTTP Signatures
//
// Requests that spend or move value carry two headers: a Digest header with
// the SHA-256 of the request body, and a Signature header carrying an Ed25519
// signature over the digest line. See BuildRequestSignature.
//
// # Blind Tokens
//
// Blind tokens let the server issue single-use credentials without learning
// which credential it issued to which wallet. A client generates a random
// token, blinds it with a fresh scalar, and submits only the blinded point.
// The server signs the blinded point with its issuance key and returns the
// signed points together with a batch proof. The client verifies the proof,
// checks each signed point against the expected product of its own secrets
// and the issuer's public key, and derives an unblinded token that can later
// be redeemed without any linkage to the issuance request.
//
// Token points live on Curve25519. Scalars are derived with SHA3-256 and
// redemption credentials with HKDF, so a token holder can prove possession of
// an issued token by keyed MAC without revealing anything about issuance.
package crypto
