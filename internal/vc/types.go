package vc

import (
	"encoding/json"
)

// Credential context URLs the issuer accepts as the leading @context entry
const (
	ContextV1 = "https://www.w3.org/2018/credentials/v1"
	ContextV2 = "https://www.w3.org/ns/credentials/v2"
)

// Credential is the in-flight JSON-LD credential body. It stays a generic
// document between parse and sign so the signed representation is preserved
// byte-for-byte after the signer returns it.
type Credential map[string]interface{}

// ParseCredential decodes raw JSON into a credential body
func ParseCredential(raw []byte) (Credential, error) {
	if len(raw) == 0 {
		return nil, NewVCError(ErrorInvalidCredential, "credential is empty")
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, NewVCErrorWithDetails(ErrorInvalidCredential, "credential is not valid JSON", err.Error())
	}
	return cred, nil
}

// Marshal renders the body as JSON
func (c Credential) Marshal() ([]byte, error) {
	return json.Marshal(map[string]interface{}(c))
}

// Clone deep-copies the body via a JSON round trip
func (c Credential) Clone() (Credential, error) {
	raw, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return ParseCredential(raw)
}

// Context returns the @context entries as strings; non-string entries
// (inline context objects) yield empty strings in place.
func (c Credential) Context() []string {
	raw, ok := c["@context"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, len(v))
		for i, entry := range v {
			if s, ok := entry.(string); ok {
				out[i] = s
			}
		}
		return out
	}
	return nil
}

// ID returns the credential id when present
func (c Credential) ID() string {
	if id, ok := c["id"].(string); ok {
		return id
	}
	return ""
}

// SetID sets the credential id
func (c Credential) SetID(id string) {
	c["id"] = id
}

// Types returns the type entries as strings
func (c Credential) Types() []string {
	raw, ok := c["type"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IsV2 reports whether the body leads with the VC 2.0 context
func (c Credential) IsV2() bool {
	ctx := c.Context()
	return len(ctx) > 0 && ctx[0] == ContextV2
}

// IssuerID returns the issuer identity, unwrapping the object form
func (c Credential) IssuerID() string {
	switch v := c["issuer"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// SubjectID returns the credentialSubject id when present
func (c Credential) SubjectID() string {
	if subject, ok := c["credentialSubject"].(map[string]interface{}); ok {
		if id, ok := subject["id"].(string); ok {
			return id
		}
	}
	return ""
}

// SetStatusEntries writes credentialStatus: a single entry stays an
// object, multiple entries become an array, preserving declaration order.
func (c Credential) SetStatusEntries(entries []interface{}) {
	switch len(entries) {
	case 0:
		delete(c, "credentialStatus")
	case 1:
		c["credentialStatus"] = entries[0]
	default:
		c["credentialStatus"] = entries
	}
}

// StatusEntries returns the credentialStatus entries as a slice
func (c Credential) StatusEntries() []map[string]interface{} {
	raw, ok := c["credentialStatus"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, entry := range v {
			if m, ok := entry.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// EnvelopedCredential is the outer form of a credential carried in a JWT
type EnvelopedCredential struct {
	Context string `json:"@context"`
	ID      string `json:"id"`
	Type    string `json:"type"`
}

// EnvelopedCredentialType is the type value of the enveloped form
const EnvelopedCredentialType = "EnvelopedVerifiableCredential"

// VCError represents a verifiable credential error
type VCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *VCError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Common error codes
const (
	ErrorInvalidCredential = "invalid_credential"
	ErrorInvalidContext    = "invalid_context"
	ErrorUnknownTerm       = "unknown_term"
	ErrorInvalidType       = "invalid_type"
	ErrorSigningFailed     = "signing_failed"
	ErrorInvalidOptions    = "invalid_options"
)

// NewVCError creates a new VC error
func NewVCError(code, message string) *VCError {
	return &VCError{
		Code:    code,
		Message: message,
	}
}

// NewVCErrorWithDetails creates a new VC error with details
func NewVCErrorWithDetails(code, message, details string) *VCError {
	return &VCError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsCode reports whether err carries the given VC error code
func IsCode(err error, code string) bool {
	if vcErr, ok := err.(*VCError); ok {
		return vcErr.Code == code
	}
	return false
}
