package vc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/issuer/internal/crypto"
)

func sampleCredential(t *testing.T) Credential {
	t.Helper()
	cred, err := ParseCredential([]byte(`{
		"@context": ["https://www.w3.org/2018/credentials/v1", "https://www.w3.org/2018/credentials/examples/v1"],
		"type": ["VerifiableCredential"],
		"issuer": "did:example:1",
		"issuanceDate": "2024-01-01T00:00:00Z",
		"credentialSubject": {"id": "did:example:2"},
		"id": "urn:uuid:A"
	}`))
	require.NoError(t, err)
	return cred
}

func TestParseCredential_Empty(t *testing.T) {
	_, err := ParseCredential(nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorInvalidCredential))

	_, err = ParseCredential([]byte(`not json`))
	require.Error(t, err)
}

func TestCredential_Accessors(t *testing.T) {
	cred := sampleCredential(t)

	assert.Equal(t, "urn:uuid:A", cred.ID())
	assert.Equal(t, "did:example:1", cred.IssuerID())
	assert.Equal(t, "did:example:2", cred.SubjectID())
	assert.Equal(t, []string{"VerifiableCredential"}, cred.Types())
	assert.False(t, cred.IsV2())

	ctx := cred.Context()
	require.Len(t, ctx, 2)
	assert.Equal(t, ContextV1, ctx[0])
}

func TestCredential_IssuerObjectForm(t *testing.T) {
	cred, err := ParseCredential([]byte(`{"issuer":{"id":"did:example:org","name":"Org"}}`))
	require.NoError(t, err)
	assert.Equal(t, "did:example:org", cred.IssuerID())
}

func TestCredential_SetStatusEntries(t *testing.T) {
	cred := sampleCredential(t)

	entry1 := map[string]interface{}{"type": "BitstringStatusListEntry", "statusPurpose": "revocation"}
	entry2 := map[string]interface{}{"type": "BitstringStatusListEntry", "statusPurpose": "suspension"}

	// One entry stays an object
	cred.SetStatusEntries([]interface{}{entry1})
	_, isObject := cred["credentialStatus"].(map[string]interface{})
	assert.True(t, isObject)

	// Two entries become an array in declaration order
	cred.SetStatusEntries([]interface{}{entry1, entry2})
	arr, isArray := cred["credentialStatus"].([]interface{})
	require.True(t, isArray)
	require.Len(t, arr, 2)
	assert.Equal(t, "revocation", arr[0].(map[string]interface{})["statusPurpose"])
	assert.Equal(t, "suspension", arr[1].(map[string]interface{})["statusPurpose"])

	entries := cred.StatusEntries()
	assert.Len(t, entries, 2)
}

func TestDocumentValidator_AcceptsKnownShapes(t *testing.T) {
	v := NewDocumentValidator()
	require.NoError(t, v.ValidateCredential(sampleCredential(t)))
}

func TestDocumentValidator_RejectsEmpty(t *testing.T) {
	v := NewDocumentValidator()
	err := v.ValidateCredential(Credential{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorInvalidCredential))
}

func TestDocumentValidator_RejectsBadContext(t *testing.T) {
	v := NewDocumentValidator()

	cred, err := ParseCredential([]byte(`{
		"@context": ["https://example.com/not-vc"],
		"type": ["VerifiableCredential"],
		"credentialSubject": {}
	}`))
	require.NoError(t, err)

	err = v.ValidateCredential(cred)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorInvalidContext))
}

func TestDocumentValidator_RejectsUndefinedTerm(t *testing.T) {
	v := NewDocumentValidator()

	// Only the base context, with a term it does not define
	cred, err := ParseCredential([]byte(`{
		"@context": ["https://www.w3.org/2018/credentials/v1"],
		"type": ["VerifiableCredential"],
		"issuer": "did:example:1",
		"credentialSubject": {"id": "did:example:2"},
		"favouriteColour": "green"
	}`))
	require.NoError(t, err)

	err = v.ValidateCredential(cred)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorUnknownTerm))
}

func TestDocumentValidator_RegisteredContextDefinesTerms(t *testing.T) {
	v := NewDocumentValidator()

	ctxURL := "https://example.com/colours/v1"
	require.NoError(t, v.RegisterContext(ctxURL, []byte(`{"@context":{"favouriteColour":"https://example.com/colours#fav"}}`)))
	assert.True(t, v.KnownContext(ctxURL))

	cred, err := ParseCredential([]byte(`{
		"@context": ["https://www.w3.org/2018/credentials/v1", "` + ctxURL + `"],
		"type": ["VerifiableCredential"],
		"issuer": "did:example:1",
		"credentialSubject": {},
		"favouriteColour": "green"
	}`))
	require.NoError(t, err)
	require.NoError(t, v.ValidateCredential(cred))

	// A term the registered context does not define is still rejected
	cred["shoeSize"] = 44
	err = v.ValidateCredential(cred)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorUnknownTerm))
}

func TestDocumentValidator_RejectsMalformedRegisteredContext(t *testing.T) {
	v := NewDocumentValidator()
	err := v.RegisterContext("https://example.com/bad", []byte(`{`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorInvalidContext))

	err = v.RegisterContext("https://example.com/bad", []byte(`{"name":"no context"}`))
	require.Error(t, err)
}

func TestEd25519Signer_AttachesProof(t *testing.T) {
	keyPair, err := crypto.NewEd25519KeyPair()
	require.NoError(t, err)
	signer, err := NewEd25519Signer(keyPair, "")
	require.NoError(t, err)

	body, err := sampleCredential(t).Marshal()
	require.NoError(t, err)

	signed, err := signer.Sign(context.Background(), body, &SignOptions{Suites: []string{SuiteEddsaRdfc2022}})
	require.NoError(t, err)

	cred, err := ParseCredential(signed)
	require.NoError(t, err)
	proof, ok := cred["proof"].(map[string]interface{})
	require.True(t, ok, "expected a single attached proof")
	assert.Equal(t, "DataIntegrityProof", proof["type"])
	assert.Equal(t, SuiteEddsaRdfc2022, proof["cryptosuite"])
	assert.Equal(t, "assertionMethod", proof["proofPurpose"])
	assert.Equal(t, signer.VerificationMethod(), proof["verificationMethod"])

	value, _ := proof["proofValue"].(string)
	assert.True(t, strings.HasPrefix(value, "z"))

	// The body survives untouched
	assert.Equal(t, "urn:uuid:A", cred.ID())
}

func TestEd25519Signer_Ed25519Signature2020Shape(t *testing.T) {
	keyPair, err := crypto.NewEd25519KeyPair()
	require.NoError(t, err)
	signer, err := NewEd25519Signer(keyPair, "did:example:1#key-1")
	require.NoError(t, err)

	body, err := sampleCredential(t).Marshal()
	require.NoError(t, err)

	signed, err := signer.Sign(context.Background(), body, &SignOptions{Suites: []string{SuiteEd25519Signature2020}})
	require.NoError(t, err)

	cred, err := ParseCredential(signed)
	require.NoError(t, err)
	proof := cred["proof"].(map[string]interface{})
	assert.Equal(t, SuiteEd25519Signature2020, proof["type"])
	assert.Nil(t, proof["cryptosuite"])
	assert.Equal(t, "did:example:1#key-1", proof["verificationMethod"])
}

func TestEd25519Signer_ProofSet(t *testing.T) {
	keyPair, err := crypto.NewEd25519KeyPair()
	require.NoError(t, err)
	signer, err := NewEd25519Signer(keyPair, "")
	require.NoError(t, err)

	body, err := sampleCredential(t).Marshal()
	require.NoError(t, err)

	once, err := signer.Sign(context.Background(), body, nil)
	require.NoError(t, err)
	twice, err := signer.Sign(context.Background(), once, nil)
	require.NoError(t, err)

	cred, err := ParseCredential(twice)
	require.NoError(t, err)
	proofs, ok := cred["proof"].([]interface{})
	require.True(t, ok, "expected a proof set")
	assert.Len(t, proofs, 2)
}

func TestEd25519Signer_UnsupportedSuite(t *testing.T) {
	keyPair, err := crypto.NewEd25519KeyPair()
	require.NoError(t, err)
	signer, err := NewEd25519Signer(keyPair, "")
	require.NoError(t, err)

	body, err := sampleCredential(t).Marshal()
	require.NoError(t, err)

	_, err = signer.Sign(context.Background(), body, &SignOptions{Suites: []string{SuiteBbs2023}})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorInvalidOptions))
}

func TestEnvelopeSigner_VCJWT(t *testing.T) {
	keyPair, err := crypto.NewEd25519KeyPair()
	require.NoError(t, err)
	env, err := NewEnvelopeSigner(keyPair, "")
	require.NoError(t, err)

	body, err := sampleCredential(t).Marshal()
	require.NoError(t, err)

	out, err := env.Envelope(context.Background(), body, &EnvelopeOptions{Format: EnvelopeFormatVCJWT})
	require.NoError(t, err)

	var enveloped EnvelopedCredential
	require.NoError(t, json.Unmarshal(out, &enveloped))
	assert.Equal(t, EnvelopedCredentialType, enveloped.Type)
	assert.Equal(t, ContextV2, enveloped.Context)
	assert.True(t, strings.HasPrefix(enveloped.ID, "data:application/jwt,"))

	// The embedded JWT has three dot-separated segments
	jwt := strings.TrimPrefix(enveloped.ID, "data:application/jwt,")
	assert.Len(t, strings.Split(jwt, "."), 3)
}

func TestEnvelopeSigner_RejectsUnknownFormat(t *testing.T) {
	keyPair, err := crypto.NewEd25519KeyPair()
	require.NoError(t, err)
	env, err := NewEnvelopeSigner(keyPair, "")
	require.NoError(t, err)

	_, err = env.Envelope(context.Background(), []byte(`{}`), &EnvelopeOptions{Format: "SD-JWT"})
	require.Error(t, err)

	_, err = env.Envelope(context.Background(), []byte(`{}`), &EnvelopeOptions{Format: EnvelopeFormatVCJWT, Algorithm: "ES256"})
	require.Error(t, err)
}

func TestKnownSuite(t *testing.T) {
	assert.True(t, KnownSuite(SuiteEddsaRdfc2022))
	assert.True(t, KnownSuite(SuiteEcdsaSd2023))
	assert.False(t, KnownSuite("rsa-2048"))
}
