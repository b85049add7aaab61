package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ParichayaHQ/issuer/internal/crypto"
	"github.com/ParichayaHQ/issuer/internal/did"
	"github.com/ParichayaHQ/issuer/internal/statuslist"
	"github.com/ParichayaHQ/issuer/internal/vc"
)

// Purposes is the one-or-many statusPurpose field of a status list option
type Purposes []statuslist.StatusPurpose

// UnmarshalJSON accepts a single purpose string or an array of them
func (p *Purposes) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = Purposes{statuslist.StatusPurpose(single)}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	out := make(Purposes, len(many))
	for i, s := range many {
		out[i] = statuslist.StatusPurpose(s)
	}
	*p = out
	return nil
}

// StatusListOption configures one status list family of a tenant
type StatusListOption struct {
	Type     statuslist.ListType `json:"type" validate:"required"`
	Purposes Purposes            `json:"statusPurpose" validate:"required,min=1"`

	// List dimensions; zero values take the package defaults
	BlockSize  int `json:"blockSize,omitempty" validate:"min=0"`
	BlockCount int `json:"blockCount,omitempty" validate:"min=0"`
	ListCount  int `json:"listCount,omitempty" validate:"min=0"`
}

// Options converts the configured dimensions for one purpose into the
// allocation options of its namespace
func (o *StatusListOption) Options(purpose statuslist.StatusPurpose) *statuslist.Options {
	return &statuslist.Options{
		Purpose:    purpose,
		Type:       o.Type,
		BlockSize:  o.BlockSize,
		BlockCount: o.BlockCount,
		ListCount:  o.ListCount,
	}
}

// IssueOptions configures how a tenant's credentials are signed
type IssueOptions struct {
	// Cryptosuites in preference order
	Cryptosuites []string `json:"cryptosuites,omitempty"`

	// MandatoryPointers for selective-disclosure suites
	MandatoryPointers []string `json:"mandatoryPointers,omitempty"`

	// Envelope selects the enveloped rendering instead of attached proofs
	Envelope *vc.EnvelopeOptions `json:"envelope,omitempty"`
}

// TenantConfig is one issuer instance: controller identity, signing key,
// status list options, and issuance policy
type TenantConfig struct {
	ID         string `json:"id" validate:"required"`
	Controller string `json:"controller,omitempty"`

	// SigningSeed is the base64 Ed25519 seed; empty generates a key
	SigningSeed string `json:"signingSeed,omitempty"`

	// VerificationMethod overrides the derived did:key method id
	VerificationMethod string `json:"verificationMethod,omitempty"`

	// AllowUnidentified permits issuing credentials without an id; a
	// random URN is minted for the record
	AllowUnidentified bool `json:"allowUnidentified,omitempty"`

	StatusLists  []StatusListOption `json:"statusListOptions,omitempty" validate:"dive"`
	IssueOptions IssueOptions       `json:"issueOptions,omitempty"`
}

// Tenant is the runtime form of a tenant configuration with its signers
// constructed
type Tenant struct {
	Config    *TenantConfig
	KeyPair   *crypto.Ed25519KeyPair
	Signer    vc.Signer
	SignOpts  *vc.SignOptions
	SLCSigner statuslist.SLCSigner
}

// ID returns the tenant identifier
func (t *Tenant) ID() string {
	return t.Config.ID
}

// canonicalizeSuites lower-cases legacy mixed-case suite identifiers at
// read time and rejects unknown ones
func canonicalizeSuites(suites []string) ([]string, error) {
	out := make([]string, 0, len(suites))
	for _, s := range suites {
		canonical := s
		if !vc.KnownSuite(canonical) {
			lowered := strings.ToLower(s)
			if lowered == strings.ToLower(vc.SuiteEd25519Signature2020) {
				canonical = vc.SuiteEd25519Signature2020
			} else if vc.KnownSuite(lowered) {
				canonical = lowered
			} else {
				return nil, NewError(TypeValidationError, "unknown cryptosuite: "+s)
			}
		}
		out = append(out, canonical)
	}
	return out, nil
}

// buildTenant validates a configuration and constructs its runtime
func buildTenant(cfg *TenantConfig, validate *validator.Validate) (*Tenant, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, validationError(err)
	}

	for i := range cfg.StatusLists {
		opt := &cfg.StatusLists[i]
		if !statuslist.ValidListType(opt.Type) {
			return nil, NewError(TypeValidationError, "unknown status list type: "+string(opt.Type))
		}
		for _, p := range opt.Purposes {
			if !statuslist.ValidPurpose(p) {
				return nil, NewError(TypeValidationError, "unknown status purpose: "+string(p))
			}
		}
		if norm := opt.Options(opt.Purposes[0]); norm.Normalize() != nil {
			return nil, NewError(TypeValidationError, "invalid status list dimensions")
		}
	}

	suites, err := canonicalizeSuites(cfg.IssueOptions.Cryptosuites)
	if err != nil {
		return nil, err
	}
	cfg.IssueOptions.Cryptosuites = suites

	var keyPair *crypto.Ed25519KeyPair
	if cfg.SigningSeed != "" {
		keyPair, err = crypto.NewEd25519KeyPairFromSeedBase64(cfg.SigningSeed)
	} else {
		keyPair, err = crypto.NewEd25519KeyPair()
	}
	if err != nil {
		return nil, NewErrorWithCause(TypeValidationError, "invalid signing key", err)
	}

	if cfg.Controller == "" {
		keyDID, derr := did.KeyDIDFromEd25519(keyPair.PublicKey)
		if derr != nil {
			return nil, NewErrorWithCause(TypeInternalServerError, "cannot derive controller", derr)
		}
		cfg.Controller = keyDID
	} else if strings.HasPrefix(cfg.Controller, "did:") && !did.IsValidDID(cfg.Controller) {
		return nil, NewError(TypeValidationError, "controller is not a valid DID")
	}

	baseSigner, err := vc.NewEd25519Signer(keyPair, cfg.VerificationMethod)
	if err != nil {
		return nil, NewErrorWithCause(TypeValidationError, "cannot build signer", err)
	}

	var signer vc.Signer = baseSigner
	if cfg.IssueOptions.Envelope != nil {
		envSigner, eerr := vc.NewEnvelopeSigner(keyPair, cfg.VerificationMethod)
		if eerr != nil {
			return nil, NewErrorWithCause(TypeValidationError, "cannot build envelope signer", eerr)
		}
		signer = vc.NewEnvelopingSigner(baseSigner, envSigner, cfg.IssueOptions.Envelope)
	}

	tenant := &Tenant{
		Config:  cfg,
		KeyPair: keyPair,
		Signer:  signer,
		SignOpts: &vc.SignOptions{
			Suites:            cfg.IssueOptions.Cryptosuites,
			MandatoryPointers: cfg.IssueOptions.MandatoryPointers,
		},
	}
	tenant.SLCSigner = &tenantSLCSigner{
		issuer: cfg.Controller,
		signer: baseSigner,
		opts:   tenant.SignOpts,
	}
	return tenant, nil
}

// tenantSLCSigner adapts a tenant's data-integrity signer to the SLC
// refresh path
type tenantSLCSigner struct {
	issuer string
	signer vc.Signer
	opts   *vc.SignOptions
}

func (s *tenantSLCSigner) Issuer() string {
	return s.issuer
}

func (s *tenantSLCSigner) SignStatusCredential(ctx context.Context, unsigned []byte) ([]byte, error) {
	return s.signer.Sign(ctx, unsigned, s.opts)
}

// validationError renders validator field errors into the API envelope
// with field paths in the details
func validationError(err error) *Error {
	apiErr := NewError(TypeValidationError, "request validation failed")
	var fieldErrs validator.ValidationErrors
	if ok := asValidationErrors(err, &fieldErrs); ok {
		paths := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			paths = append(paths, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		apiErr.Details = map[string]interface{}{"fields": paths}
	}
	apiErr.Cause = err
	return apiErr
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if ve, ok := err.(validator.ValidationErrors); ok {
		*target = ve
		return true
	}
	return false
}

// ConfigRegistry holds the configured tenants. Tenant CRUD beyond
// registration is out of scope; the registry is loaded at startup and
// extended programmatically.
type ConfigRegistry struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	validate *validator.Validate
}

// NewConfigRegistry creates an empty tenant registry
func NewConfigRegistry() *ConfigRegistry {
	return &ConfigRegistry{
		tenants:  make(map[string]*Tenant),
		validate: validator.New(),
	}
}

// Register validates and installs a tenant configuration
func (r *ConfigRegistry) Register(cfg *TenantConfig) (*Tenant, error) {
	tenant, err := buildTenant(cfg, r.validate)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[cfg.ID] = tenant
	return tenant, nil
}

// Get returns the tenant for id or NotFoundError
func (r *ConfigRegistry) Get(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return nil, NewError(TypeNotFoundError, "unknown issuer instance: "+id)
	}
	return tenant, nil
}

// List returns all registered tenants
func (r *ConfigRegistry) List() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out
}
