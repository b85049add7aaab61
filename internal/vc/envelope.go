package vc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ParichayaHQ/issuer/internal/crypto"
	"github.com/ParichayaHQ/issuer/internal/did"
)

// Envelope formats and algorithms
const (
	EnvelopeFormatVCJWT = "VC-JWT"
	AlgorithmEdDSA      = "EdDSA"
)

// EnvelopeOptions selects the envelope rendering of an issued credential
type EnvelopeOptions struct {
	Format    string `json:"format" validate:"required"`
	Algorithm string `json:"algorithm,omitempty"`
}

// EnvelopeSigner wraps credential bodies into a signed enveloped form.
// The VC-JWT envelope carries the credential as the vc claim of a JWT and
// surfaces as an EnvelopedVerifiableCredential with a data: URL id.
type EnvelopeSigner struct {
	keyPair *crypto.Ed25519KeyPair
	keyID   string
}

// NewEnvelopeSigner creates an envelope signer. keyID defaults to the
// did:key verification method of the signing key.
func NewEnvelopeSigner(keyPair *crypto.Ed25519KeyPair, keyID string) (*EnvelopeSigner, error) {
	if keyID == "" {
		kid, err := did.VerificationMethodForEd25519(keyPair.PublicKey)
		if err != nil {
			return nil, NewVCErrorWithDetails(ErrorInvalidOptions, "cannot derive key id", err.Error())
		}
		keyID = kid
	}
	return &EnvelopeSigner{
		keyPair: keyPair,
		keyID:   keyID,
	}, nil
}

// Envelope renders body as an EnvelopedVerifiableCredential
func (e *EnvelopeSigner) Envelope(ctx context.Context, body []byte, opts *EnvelopeOptions) ([]byte, error) {
	if opts == nil || opts.Format != EnvelopeFormatVCJWT {
		return nil, NewVCError(ErrorInvalidOptions, "unsupported envelope format")
	}
	if opts.Algorithm != "" && opts.Algorithm != AlgorithmEdDSA {
		return nil, NewVCError(ErrorInvalidOptions, "unsupported envelope algorithm: "+opts.Algorithm)
	}

	cred, err := ParseCredential(body)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{
		"vc":  map[string]interface{}(cred),
		"iat": time.Now().Unix(),
	}
	if iss := cred.IssuerID(); iss != "" {
		claims["iss"] = iss
	}
	if id := cred.ID(); id != "" {
		claims["jti"] = id
	}
	if sub := cred.SubjectID(); sub != "" {
		claims["sub"] = sub
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = e.keyID
	token.Header["typ"] = "vc+jwt"

	signed, err := token.SignedString(e.keyPair.PrivateKey)
	if err != nil {
		return nil, NewVCErrorWithDetails(ErrorSigningFailed, "failed to sign envelope", err.Error())
	}

	envelope := EnvelopedCredential{
		Context: ContextV2,
		ID:      "data:application/jwt," + signed,
		Type:    EnvelopedCredentialType,
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, NewVCErrorWithDetails(ErrorSigningFailed, "failed to render envelope", err.Error())
	}
	return out, nil
}

// EnvelopingSigner adapts an EnvelopeSigner to the Signer interface. Its
// output is the enveloped form in place of an attached proof; the base
// Signer it holds is not called.
type EnvelopingSigner struct {
	base     Signer
	envelope *EnvelopeSigner
	opts     *EnvelopeOptions
}

// NewEnvelopingSigner builds a Signer that envelopes bodies with envelope
// and opts; base is kept on the struct but Sign does not use it
func NewEnvelopingSigner(base Signer, envelope *EnvelopeSigner, opts *EnvelopeOptions) *EnvelopingSigner {
	return &EnvelopingSigner{base: base, envelope: envelope, opts: opts}
}

// Sign implements Signer.Sign
func (s *EnvelopingSigner) Sign(ctx context.Context, body []byte, opts *SignOptions) ([]byte, error) {
	return s.envelope.Envelope(ctx, body, s.opts)
}
