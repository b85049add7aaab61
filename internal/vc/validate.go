package vc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// coreTerms are the credential-level terms the base VC contexts define.
// Terms outside this set are only acceptable when an extension context is
// present (and, when that context is registered, actually defines them).
var coreTerms = map[string]bool{
	"@context":          true,
	"id":                true,
	"type":              true,
	"issuer":            true,
	"issuanceDate":      true,
	"expirationDate":    true,
	"validFrom":         true,
	"validUntil":        true,
	"credentialSubject": true,
	"credentialStatus":  true,
	"credentialSchema":  true,
	"refreshService":    true,
	"termsOfUse":        true,
	"evidence":          true,
	"proof":             true,
	"name":              true,
	"description":       true,
	"relatedResource":   true,
	"confidenceMethod":  true,
	"renderMethod":      true,
}

// DocumentValidator performs the structural and term-level checks on
// inbound credential bodies. Tenant-registered context documents extend
// the set of known terms.
type DocumentValidator struct {
	mu       sync.RWMutex
	contexts map[string]map[string]bool // context URL -> defined terms
}

// NewDocumentValidator creates a validator with the well-known contexts
// pre-registered
func NewDocumentValidator() *DocumentValidator {
	return &DocumentValidator{
		contexts: map[string]map[string]bool{
			ContextV1: nil, // base contexts use coreTerms
			ContextV2: nil,
		},
	}
}

// RegisterContext registers a context document. Terms are taken from the
// document's top-level @context term map. A malformed document is
// rejected with invalid_context.
func (v *DocumentValidator) RegisterContext(id string, document []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(document, &doc); err != nil {
		return NewVCErrorWithDetails(ErrorInvalidContext, "context document is not valid JSON", err.Error())
	}

	rawCtx, ok := doc["@context"]
	if !ok {
		return NewVCError(ErrorInvalidContext, "context document has no @context")
	}

	terms := make(map[string]bool)
	if termMap, ok := rawCtx.(map[string]interface{}); ok {
		for term := range termMap {
			if len(term) > 0 && term[0] != '@' {
				terms[term] = true
			}
		}
	}

	v.mu.Lock()
	v.contexts[id] = terms
	v.mu.Unlock()
	return nil
}

// KnownContext reports whether a context URL is registered
func (v *DocumentValidator) KnownContext(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.contexts[id]
	return ok
}

// ValidateCredential checks an inbound credential body: non-empty, a
// well-formed @context led by a supported base context, a type including
// VerifiableCredential, a credentialSubject, and no top-level terms
// undefined by the credential's contexts.
func (v *DocumentValidator) ValidateCredential(cred Credential) error {
	if len(cred) == 0 {
		return NewVCError(ErrorInvalidCredential, "credential is empty")
	}

	rawCtx, ok := cred["@context"]
	if !ok {
		return NewVCError(ErrorInvalidContext, "credential has no @context")
	}
	ctxList, ok := rawCtx.([]interface{})
	if !ok {
		if s, isString := rawCtx.(string); isString {
			ctxList = []interface{}{s}
		} else {
			return NewVCError(ErrorInvalidContext, "@context must be a string or array")
		}
	}
	if len(ctxList) == 0 {
		return NewVCError(ErrorInvalidContext, "@context is empty")
	}

	first, ok := ctxList[0].(string)
	if !ok || (first != ContextV1 && first != ContextV2) {
		return NewVCError(ErrorInvalidContext,
			fmt.Sprintf("@context must start with %q or %q", ContextV1, ContextV2))
	}

	types := cred.Types()
	if len(types) == 0 {
		return NewVCError(ErrorInvalidType, "credential has no type")
	}
	hasVC := false
	for _, t := range types {
		if t == "VerifiableCredential" {
			hasVC = true
			break
		}
	}
	if !hasVC {
		return NewVCError(ErrorInvalidType, "type must include VerifiableCredential")
	}

	if _, ok := cred["credentialSubject"]; !ok {
		return NewVCError(ErrorInvalidCredential, "credential has no credentialSubject")
	}

	return v.checkTerms(cred, ctxList)
}

// checkTerms rejects top-level terms no context of the credential defines.
// Unregistered extension contexts are opaque; their presence makes
// extension terms acceptable, mirroring how a full JSON-LD processor
// would defer to the remote document.
func (v *DocumentValidator) checkTerms(cred Credential, ctxList []interface{}) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	extensionTerms := make(map[string]bool)
	hasOpaqueExtension := false
	for _, entry := range ctxList[1:] {
		switch e := entry.(type) {
		case string:
			terms, registered := v.contexts[e]
			if !registered {
				hasOpaqueExtension = true
				continue
			}
			for term := range terms {
				extensionTerms[term] = true
			}
		case map[string]interface{}:
			// Inline context: its keys define terms directly
			for term := range e {
				if len(term) > 0 && term[0] != '@' {
					extensionTerms[term] = true
				}
			}
		default:
			return NewVCError(ErrorInvalidContext, "malformed @context entry")
		}
	}

	if hasOpaqueExtension {
		return nil
	}

	for term := range cred {
		if coreTerms[term] || extensionTerms[term] {
			continue
		}
		return NewVCError(ErrorUnknownTerm,
			fmt.Sprintf("credential term %q is not defined by its contexts", term))
	}
	return nil
}
