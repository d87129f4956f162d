package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Viewing credentials bind a reconcile's votes to an anonymized viewing id
// without linking them to the wallet. The registrar issues a master token
// over a commitment to a locally held secret; individual ballots are proved
// with MACs derived from that token. The exact construction is opaque to the
// rest of the ledger: callers see only base64 blobs with the documented
// inputs and outputs.

const anonCommitContext = "bat-anon-commit-v1"
const anonMasterContext = "bat-anon-master-v1"

// ViewingCredential holds the local secret behind one viewing id's
// anonymous voting credentials.
type ViewingCredential struct {
	registrarVK string
	viewingID   string
	secret      [32]byte
}

// NewViewingCredential creates a credential for an anonymized viewing id
// under a registrar verification key.
func NewViewingCredential(registrarVK, anonizedViewingID string) (*ViewingCredential, error) {
	vc := &ViewingCredential{registrarVK: registrarVK, viewingID: anonizedViewingID}
	if _, err := io.ReadFull(rand.Reader, vc.secret[:]); err != nil {
		return nil, err
	}
	return vc, nil
}

// RestoreViewingCredential rebuilds a credential from its persisted
// pre-flight blob.
func RestoreViewingCredential(registrarVK, anonizedViewingID, preFlight string) (*ViewingCredential, error) {
	raw, err := base64.StdEncoding.DecodeString(preFlight)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errTokenSize
	}
	vc := &ViewingCredential{registrarVK: registrarVK, viewingID: anonizedViewingID}
	copy(vc.secret[:], raw)
	return vc, nil
}

// PreFlight serializes the local secret for persistence between the
// registration request and the registrar's response.
func (vc *ViewingCredential) PreFlight() string {
	return base64.StdEncoding.EncodeToString(vc.secret[:])
}

// Proof returns the registration proof submitted to the registrar: the
// viewing id plus a commitment to the local secret under the registrar key.
func (vc *ViewingCredential) Proof() (string, error) {
	h := sha3.New256()
	h.Write([]byte(anonCommitContext))
	h.Write(vc.secret[:])
	h.Write([]byte(vc.viewingID))
	h.Write([]byte(vc.registrarVK))

	blob, err := json.Marshal(map[string]string{
		"id":    vc.viewingID,
		"proof": base64.StdEncoding.EncodeToString(h.Sum(nil)),
	})
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// MasterToken combines the registrar's verification response with the local
// secret into the master user token ballots are proved with.
func (vc *ViewingCredential) MasterToken(verification string) string {
	kdf := hkdf.New(sha3.New256, vc.secret[:], []byte(vc.registrarVK), []byte(anonMasterContext+verification))
	token := make([]byte, 32)
	if _, err := io.ReadFull(kdf, token); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(token)
}

// SubmitMessage proves one ballot: a MAC over the vote message under a key
// derived from the master token and the surveyor's signing material.
func SubmitMessage(message, masterToken, registrarVK, surveyorID, surveyorVK, surveyorSignature string) string {
	kdf := hkdf.New(sha3.New256,
		[]byte(masterToken),
		[]byte(registrarVK+surveyorID),
		[]byte(surveyorVK+surveyorSignature))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(err)
	}

	mac := hmac.New(sha3.New256, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
