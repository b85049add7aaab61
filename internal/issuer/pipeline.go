package issuer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ParichayaHQ/issuer/internal/logging"
	"github.com/ParichayaHQ/issuer/internal/statuslist"
	"github.com/ParichayaHQ/issuer/internal/store"
	"github.com/ParichayaHQ/issuer/internal/vc"
)

// IssueRequest is the issue operation input
type IssueRequest struct {
	Credential json.RawMessage      `json:"credential" validate:"required"`
	Options    *IssueRequestOptions `json:"options,omitempty"`
}

// IssueRequestOptions are the per-request overrides
type IssueRequestOptions struct {
	// CredentialID is the explicit credential id; it becomes the record
	// alias when the body carries its own id
	CredentialID string `json:"credentialId,omitempty"`

	// ExtraInformation is an opaque string recorded with the request
	ExtraInformation string `json:"extraInformation,omitempty"`
}

// UpdateStatusRequest is the status update operation input
type UpdateStatusRequest struct {
	CredentialID     string                 `json:"credentialId" validate:"required"`
	IndexAllocator   string                 `json:"indexAllocator" validate:"required"`
	CredentialStatus map[string]interface{} `json:"credentialStatus" validate:"required"`
	Status           bool                   `json:"status"`
}

// Service is the issuer pipeline: validate, assemble status entries, sign,
// persist, finalize. It also carries status updates and SLC refresh.
type Service struct {
	store     store.Store
	tenants   *ConfigRegistry
	manager   *statuslist.ListManager
	updater   *statuslist.StatusUpdater
	documents *vc.DocumentValidator
	writers   StatusWriterFactory
	validate  *validator.Validate
	logger    *logging.Logger
}

// NewService assembles the issuer pipeline
func NewService(st store.Store, tenants *ConfigRegistry, manager *statuslist.ListManager,
	updater *statuslist.StatusUpdater, documents *vc.DocumentValidator,
	writers StatusWriterFactory, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if writers == nil {
		writers = NewStatusWriterFactory(manager)
	}
	if documents == nil {
		documents = vc.NewDocumentValidator()
	}
	return &Service{
		store:     st,
		tenants:   tenants,
		manager:   manager,
		updater:   updater,
		documents: documents,
		writers:   writers,
		validate:  validator.New(),
		logger:    logger.WithComponent("issuer.pipeline"),
	}
}

// Tenants exposes the tenant registry
func (s *Service) Tenants() *ConfigRegistry {
	return s.tenants
}

// Manager exposes the list manager
func (s *Service) Manager() *statuslist.ListManager {
	return s.manager
}

// Updater exposes the status updater
func (s *Service) Updater() *statuslist.StatusUpdater {
	return s.updater
}

// Issue runs the full issuance pipeline and returns the signed credential
// byte-for-byte as it was persisted.
func (s *Service) Issue(ctx context.Context, tenant *Tenant, req *IssueRequest) ([]byte, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	cred, err := vc.ParseCredential(req.Credential)
	if err != nil {
		return nil, AsError(err)
	}
	if err := s.documents.ValidateCredential(cred); err != nil {
		return nil, AsError(err)
	}

	credentialID, aliasID, err := s.resolveCredentialID(tenant, cred, req.Options)
	if err != nil {
		return nil, err
	}

	// Advisory fast-fail; the insert below is the authoritative check
	if _, err := s.store.GetCredential(ctx, tenant.ID(), credentialID); err == nil {
		return nil, NewError(TypeDuplicateError, "credential already exists: "+credentialID)
	} else if !store.IsNotFound(err) {
		return nil, AsError(err)
	}
	if aliasID != "" {
		if _, err := s.store.GetCredential(ctx, tenant.ID(), aliasID); err == nil {
			return nil, NewError(TypeDuplicateError, "credential already exists: "+aliasID)
		} else if !store.IsNotFound(err) {
			return nil, AsError(err)
		}
	}

	// One writer per configured (option, purpose), writes in declared order
	nonce := uuid.NewString()
	var writers []StatusWriter
	for i := range tenant.Config.StatusLists {
		opt := &tenant.Config.StatusLists[i]
		for _, purpose := range opt.Purposes {
			writer := s.writers.NewWriter(tenant.ID(), opt, purpose, nonce)
			if err := writer.Write(ctx, cred); err != nil {
				s.cancelWriters(ctx, writers)
				return nil, AsError(err)
			}
			writers = append(writers, writer)
		}
	}

	body, err := cred.Marshal()
	if err != nil {
		s.cancelWriters(ctx, writers)
		return nil, NewErrorWithCause(TypeInternalServerError, "failed to render credential", err)
	}

	signed, err := tenant.Signer.Sign(ctx, body, tenant.SignOpts)
	if err != nil {
		// No observable side-effect of issuance yet; release everything
		s.cancelWriters(ctx, writers)
		return nil, NewErrorWithCause(TypeInternalServerError, "signing failed", err)
	}

	contentID, err := store.ContentID(signed)
	if err != nil {
		s.cancelWriters(ctx, writers)
		return nil, NewErrorWithCause(TypeInternalServerError, "failed to address credential", err)
	}

	record := &store.CredentialRecord{
		TenantID:      tenant.ID(),
		CredentialID:  credentialID,
		AliasID:       aliasID,
		Body:          signed,
		CID:           contentID,
		StatusEntries: statusRefs(writers),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertCredential(ctx, record); err != nil {
		s.cancelWriters(ctx, writers)
		if store.IsExists(err) {
			return nil, NewErrorWithCause(TypeDuplicateError, "credential already exists", err)
		}
		return nil, AsError(err)
	}

	// The credential is durable; finalize fan-out runs concurrently and
	// failures are left for the recovery loop.
	s.finishWriters(ctx, writers)

	return signed, nil
}

// resolveCredentialID applies the id precedence: explicit option, body id,
// minted URN for tenants allowing unidentified issuance. An explicit id
// alongside a body id becomes the record alias.
func (s *Service) resolveCredentialID(tenant *Tenant, cred vc.Credential, opts *IssueRequestOptions) (string, string, error) {
	var explicit string
	if opts != nil {
		explicit = opts.CredentialID
	}
	bodyID := cred.ID()

	switch {
	case bodyID != "" && explicit != "" && bodyID != explicit:
		return bodyID, explicit, nil
	case bodyID != "":
		return bodyID, "", nil
	case explicit != "":
		cred.SetID(explicit)
		return explicit, "", nil
	case tenant.Config.AllowUnidentified:
		minted := "urn:uuid:" + uuid.NewString()
		cred.SetID(minted)
		return minted, "", nil
	default:
		return "", "", NewError(TypeValidationError,
			"credential has no id and the issuer instance does not allow unidentified issuance")
	}
}

func statusRefs(writers []StatusWriter) []store.StatusEntryRef {
	var refs []store.StatusEntryRef
	for _, w := range writers {
		res := w.Reservation()
		if res == nil {
			continue
		}
		refs = append(refs, store.StatusEntryRef{
			Purpose: res.Key.Purpose,
			Type:    res.Key.Type,
			ListID:  res.ListID,
			Index:   res.Index,
		})
	}
	return refs
}

func (s *Service) cancelWriters(ctx context.Context, writers []StatusWriter) {
	for _, w := range writers {
		if err := w.Cancel(ctx); err != nil {
			s.logger.Warn("failed to cancel status reservation", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (s *Service) finishWriters(ctx context.Context, writers []StatusWriter) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range writers {
		writer := w
		g.Go(func() error {
			return writer.Finish(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		// Reservations stay pending; the recovery sweep promotes them
		// because the credential record exists.
		s.logger.Warn("finalize incomplete, deferring to recovery", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// GetCredential returns the stored record for a credential id or alias
func (s *Service) GetCredential(ctx context.Context, tenant *Tenant, credentialID string) (*store.CredentialRecord, error) {
	rec, err := s.store.GetCredential(ctx, tenant.ID(), credentialID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, NewError(TypeNotFoundError, "unknown credential: "+credentialID)
		}
		return nil, AsError(err)
	}
	return rec, nil
}

// UpdateStatus flips the status bit named by a credentialStatus entry of
// an issued credential
func (s *Service) UpdateStatus(ctx context.Context, tenant *Tenant, req *UpdateStatusRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return validationError(err)
	}

	rec, err := s.store.GetCredential(ctx, tenant.ID(), req.CredentialID)
	if err != nil {
		if store.IsNotFound(err) {
			return NewError(TypeNotFoundError, "unknown credential: "+req.CredentialID)
		}
		return AsError(err)
	}

	ref, err := matchStatusRef(rec, req.CredentialStatus)
	if err != nil {
		return err
	}

	key := store.ListSetKey{TenantID: tenant.ID(), Purpose: ref.Purpose, Type: ref.Type}
	set, err := s.manager.Registry().GetSet(ctx, key)
	if err != nil {
		return AsError(err)
	}

	if req.IndexAllocator != set.IndexAllocator {
		return NewError(TypeValidationError, "indexAllocator does not match the allocation namespace")
	}

	listLength := set.BlockSize * set.BlockCount
	if err := s.updater.SetStatus(ctx, ref.ListID, listLength, ref.Index, req.Status); err != nil {
		return AsError(err)
	}

	s.logger.Info("status updated", map[string]interface{}{
		"tenant":     tenant.ID(),
		"credential": req.CredentialID,
		"list":       ref.ListID,
		"index":      ref.Index,
		"status":     req.Status,
	})
	return nil
}

// matchStatusRef resolves the supplied credentialStatus entry to the
// status position the credential actually holds
func matchStatusRef(rec *store.CredentialRecord, entry map[string]interface{}) (*store.StatusEntryRef, error) {
	if len(rec.StatusEntries) == 0 {
		return nil, NewError(TypeValidationError, "credential carries no status entries")
	}

	entryType, _ := entry["type"].(string)
	purpose, _ := entry["statusPurpose"].(string)
	if entryType == statuslist.EntryType2020 {
		purpose = string(statuslist.StatusPurposeRevocation)
	}

	for i := range rec.StatusEntries {
		ref := &rec.StatusEntries[i]
		if purpose != "" && ref.Purpose != purpose {
			continue
		}
		if !entryTypeMatches(entryType, statuslist.ListType(ref.Type)) {
			continue
		}
		if ok, err := entryIndexMatches(entry, ref); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		return ref, nil
	}
	return nil, NewError(TypeValidationError, "credentialStatus does not match any status entry of the credential")
}

func entryTypeMatches(entryType string, listType statuslist.ListType) bool {
	switch entryType {
	case "":
		return true
	case statuslist.EntryTypeBitstring:
		return listType == statuslist.TypeBitstringStatusList
	case statuslist.EntryTypeTerseBitstring:
		return listType == statuslist.TypeTerseBitstringStatusList
	case statuslist.EntryType2021:
		return listType == statuslist.TypeStatusList2021
	case statuslist.EntryType2020:
		return listType == statuslist.TypeRevocationList2020
	}
	return false
}

// entryIndexMatches verifies any index the caller supplied agrees with the
// stored reference
func entryIndexMatches(entry map[string]interface{}, ref *store.StatusEntryRef) (bool, error) {
	if raw, ok := entry["statusListIndex"]; ok {
		idx, err := parseIndex(raw)
		if err != nil {
			return false, err
		}
		if idx != ref.Index {
			return false, nil
		}
	}
	if slc, ok := entry["statusListCredential"].(string); ok && slc != "" && slc != ref.ListID {
		return false, nil
	}
	if raw, ok := entry["revocationListIndex"]; ok {
		idx, err := parseIndex(raw)
		if err != nil {
			return false, err
		}
		if idx != ref.Index {
			return false, nil
		}
	}
	return true, nil
}

func parseIndex(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case string:
		idx, err := strconv.Atoi(v)
		if err != nil {
			return 0, NewError(TypeValidationError, "malformed status list index")
		}
		return idx, nil
	case float64:
		return int(v), nil
	default:
		return 0, NewError(TypeValidationError, "malformed status list index")
	}
}

// ListIDForPath reconstructs a list id from its tenant-relative URL path
func (s *Service) ListIDForPath(tenant *Tenant, rest string) string {
	return s.manager.Registry().ListIDForPath(tenant.ID(), rest)
}

// RefreshStatusList returns the signed SLC for listID, regenerating it
// when stale or when force is set
func (s *Service) RefreshStatusList(ctx context.Context, tenant *Tenant, listID string, force bool) ([]byte, error) {
	slc, err := s.updater.Refresh(ctx, listID, tenant.SLCSigner, force)
	if err != nil {
		return nil, AsError(err)
	}
	return slc, nil
}

// AddContext stores a tenant JSON-LD context document and registers its
// terms with the document validator
func (s *Service) AddContext(ctx context.Context, tenant *Tenant, id string, document json.RawMessage) error {
	if id == "" {
		return NewError(TypeValidationError, "context id is required")
	}
	if err := s.documents.RegisterContext(id, document); err != nil {
		return AsError(err)
	}
	doc := &store.ContextDocument{
		TenantID:  tenant.ID(),
		ID:        id,
		Document:  document,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutContext(ctx, doc); err != nil {
		return AsError(err)
	}
	return nil
}

// LoadContexts re-registers stored context documents, typically at startup
func (s *Service) LoadContexts(ctx context.Context, tenant *Tenant) error {
	docs, err := s.store.ListContexts(ctx, tenant.ID())
	if err != nil {
		return AsError(err)
	}
	for _, doc := range docs {
		if err := s.documents.RegisterContext(doc.ID, doc.Document); err != nil {
			s.logger.Warn("skipping malformed stored context", map[string]interface{}{
				"tenant":  tenant.ID(),
				"context": doc.ID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// RecoverAll runs the reservation recovery sweep for every allocation
// namespace of every registered tenant
func (s *Service) RecoverAll(ctx context.Context) error {
	for _, tenant := range s.tenants.List() {
		for i := range tenant.Config.StatusLists {
			opt := &tenant.Config.StatusLists[i]
			for _, purpose := range opt.Purposes {
				key := store.ListSetKey{
					TenantID: tenant.ID(),
					Purpose:  string(purpose),
					Type:     string(opt.Type),
				}
				if err := s.manager.Recover(ctx, key, opt.Options(purpose)); err != nil {
					return AsError(err)
				}
			}
		}
	}
	return nil
}

// RunRecoveryLoop periodically reconciles abandoned reservations until the
// context is cancelled
func (s *Service) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RecoverAll(ctx); err != nil {
				s.logger.Warn("recovery sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
