package passkey

import (
	"bytes"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Verifier is the narrow seam between ceremony-state logic and the
// cryptographic library. Swapping the concrete implementation (or faking it
// in tests) never touches challenge bookkeeping or clone detection.
type Verifier interface {
	VerifyAttestation(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error)
	VerifyAssertion(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error)
}

// libVerifier delegates to go-webauthn.
type libVerifier struct {
	wa *webauthn.WebAuthn
}

func (v libVerifier) VerifyAttestation(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(responseJSON))
	if err != nil {
		return nil, err
	}
	return v.wa.CreateCredential(user, session, parsed)
}

func (v libVerifier) VerifyAssertion(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(responseJSON))
	if err != nil {
		return nil, err
	}
	return v.wa.ValidateLogin(user, session, parsed)
}
