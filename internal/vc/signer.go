package vc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/ParichayaHQ/issuer/internal/crypto"
	"github.com/ParichayaHQ/issuer/internal/did"
)

// Cryptosuite identifiers accepted in tenant configuration. Suites beyond
// the Ed25519 pair are dispatched to external signer implementations.
const (
	SuiteEd25519Signature2020 = "Ed25519Signature2020"
	SuiteEddsaRdfc2022        = "eddsa-rdfc-2022"
	SuiteEcdsaRdfc2019        = "ecdsa-rdfc-2019"
	SuiteEcdsaSd2023          = "ecdsa-sd-2023"
	SuiteEcdsaXi2023          = "ecdsa-xi-2023"
	SuiteBbs2023              = "bbs-2023"
)

// KnownSuite reports whether name is a recognized cryptosuite identifier.
// Legacy configurations carried suite names with inconsistent casing;
// identifiers are canonicalized to this table's casing at read time.
func KnownSuite(name string) bool {
	switch name {
	case SuiteEd25519Signature2020, SuiteEddsaRdfc2022, SuiteEcdsaRdfc2019,
		SuiteEcdsaSd2023, SuiteEcdsaXi2023, SuiteBbs2023:
		return true
	}
	return false
}

// SignOptions carries the per-tenant signing configuration into a signer
type SignOptions struct {
	// Suites lists cryptosuites in preference order
	Suites []string `json:"cryptosuites,omitempty"`

	// MandatoryPointers for selective-disclosure suites
	MandatoryPointers []string `json:"mandatoryPointers,omitempty"`

	// Challenge and Domain bind a proof to a presentation exchange
	Challenge string `json:"challenge,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

// Signer produces the signed representation of a credential body. The
// result may carry an attached proof, a proof set, or an enveloped form;
// callers treat it as opaque bytes.
type Signer interface {
	Sign(ctx context.Context, body []byte, opts *SignOptions) ([]byte, error)
}

// Ed25519Signer attaches data-integrity proofs signed with an Ed25519 key
type Ed25519Signer struct {
	keyPair            *crypto.Ed25519KeyPair
	verificationMethod string
}

// NewEd25519Signer creates a signer. When verificationMethod is empty it
// derives the did:key verification method of the public key.
func NewEd25519Signer(keyPair *crypto.Ed25519KeyPair, verificationMethod string) (*Ed25519Signer, error) {
	if verificationMethod == "" {
		vm, err := did.VerificationMethodForEd25519(keyPair.PublicKey)
		if err != nil {
			return nil, NewVCErrorWithDetails(ErrorInvalidOptions, "cannot derive verification method", err.Error())
		}
		verificationMethod = vm
	}
	return &Ed25519Signer{
		keyPair:            keyPair,
		verificationMethod: verificationMethod,
	}, nil
}

// VerificationMethod returns the key reference proofs carry
func (s *Ed25519Signer) VerificationMethod() string {
	return s.verificationMethod
}

// pickSuite selects the first suite this signer implements
func pickSuite(opts *SignOptions) (string, error) {
	if opts == nil || len(opts.Suites) == 0 {
		return SuiteEddsaRdfc2022, nil
	}
	for _, suite := range opts.Suites {
		switch suite {
		case SuiteEd25519Signature2020, SuiteEddsaRdfc2022:
			return suite, nil
		}
	}
	return "", NewVCError(ErrorInvalidOptions,
		"no configured cryptosuite is supported by the Ed25519 signer")
}

// Sign implements Signer.Sign: it builds the proof options, signs the
// hashed body and options, and attaches the proof in place. An existing
// proof becomes a proof set.
func (s *Ed25519Signer) Sign(ctx context.Context, body []byte, opts *SignOptions) ([]byte, error) {
	cred, err := ParseCredential(body)
	if err != nil {
		return nil, err
	}

	suite, err := pickSuite(opts)
	if err != nil {
		return nil, err
	}

	proof := map[string]interface{}{
		"created":            time.Now().UTC().Format(time.RFC3339),
		"verificationMethod": s.verificationMethod,
		"proofPurpose":       "assertionMethod",
	}
	switch suite {
	case SuiteEd25519Signature2020:
		proof["type"] = SuiteEd25519Signature2020
	default:
		proof["type"] = "DataIntegrityProof"
		proof["cryptosuite"] = suite
	}
	if opts != nil {
		if opts.Challenge != "" {
			proof["challenge"] = opts.Challenge
		}
		if opts.Domain != "" {
			proof["domain"] = opts.Domain
		}
	}

	signature, err := s.signBytes(cred, proof)
	if err != nil {
		return nil, err
	}
	proof["proofValue"] = "z" + did.Base58Encode(signature)

	attachProof(cred, proof)

	signed, err := cred.Marshal()
	if err != nil {
		return nil, NewVCErrorWithDetails(ErrorSigningFailed, "failed to render signed credential", err.Error())
	}
	return signed, nil
}

// signBytes hashes the canonical body and the proof options separately
// and signs the concatenation, mirroring the data-integrity layout of
// hash(options) || hash(document).
func (s *Ed25519Signer) signBytes(cred Credential, proof map[string]interface{}) ([]byte, error) {
	unsigned, err := cred.Clone()
	if err != nil {
		return nil, err
	}
	delete(unsigned, "proof")

	docBytes, err := unsigned.Marshal()
	if err != nil {
		return nil, NewVCErrorWithDetails(ErrorSigningFailed, "failed to canonicalize credential", err.Error())
	}
	optBytes, err := json.Marshal(proof)
	if err != nil {
		return nil, NewVCErrorWithDetails(ErrorSigningFailed, "failed to canonicalize proof options", err.Error())
	}

	docHash := sha256.Sum256(docBytes)
	optHash := sha256.Sum256(optBytes)

	input := make([]byte, 0, len(optHash)+len(docHash))
	input = append(input, optHash[:]...)
	input = append(input, docHash[:]...)

	return s.keyPair.Sign(input), nil
}

// attachProof sets or extends the proof entry
func attachProof(cred Credential, proof map[string]interface{}) {
	existing, ok := cred["proof"]
	if !ok {
		cred["proof"] = proof
		return
	}
	switch v := existing.(type) {
	case []interface{}:
		cred["proof"] = append(v, proof)
	default:
		cred["proof"] = []interface{}{v, proof}
	}
}
