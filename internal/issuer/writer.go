package issuer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ParichayaHQ/issuer/internal/statuslist"
	"github.com/ParichayaHQ/issuer/internal/store"
	"github.com/ParichayaHQ/issuer/internal/vc"
)

// StatusWriter is the two-phase protocol binding one status position to a
// credential under construction. Write reserves and embeds; Finish commits
// after the credential is durable; Cancel releases after a definite
// failure. Tests replace the finish seam with a no-op to simulate crashes
// between persistence and finalize.
type StatusWriter interface {
	// Write allocates a position and embeds the status entry into cred
	Write(ctx context.Context, cred vc.Credential) error

	// Finish finalizes the reservation; idempotent
	Finish(ctx context.Context) error

	// Cancel abandons the reservation; idempotent
	Cancel(ctx context.Context) error

	// Reservation returns the held reservation, nil before Write
	Reservation() *statuslist.Reservation
}

// StatusWriterFactory builds one writer per (status option, purpose) of
// an issuance
type StatusWriterFactory interface {
	NewWriter(tenantID string, opt *StatusListOption, purpose statuslist.StatusPurpose, nonce string) StatusWriter
}

// CredentialStatusWriter is the production StatusWriter over a ListManager
type CredentialStatusWriter struct {
	manager *statuslist.ListManager
	key     store.ListSetKey
	opt     *statuslist.Options
	nonce   string

	mu        sync.Mutex
	res       *statuslist.Reservation
	finished  bool
	cancelled bool
}

// NewCredentialStatusWriter creates a writer for one status purpose of
// one issuance
func NewCredentialStatusWriter(manager *statuslist.ListManager, tenantID string,
	opt *StatusListOption, purpose statuslist.StatusPurpose, nonce string) *CredentialStatusWriter {
	return &CredentialStatusWriter{
		manager: manager,
		key: store.ListSetKey{
			TenantID: tenantID,
			Purpose:  string(purpose),
			Type:     string(opt.Type),
		},
		opt:   opt.Options(purpose),
		nonce: nonce,
	}
}

// Write implements StatusWriter.Write
func (w *CredentialStatusWriter) Write(ctx context.Context, cred vc.Credential) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.res != nil {
		return NewError(TypeInternalServerError, "status writer already holds a reservation")
	}

	res, err := w.manager.Allocate(ctx, w.key, w.opt, w.nonce)
	if err != nil {
		return err
	}
	w.res = res

	terseBase := w.manager.Registry().TerseBaseURL(w.key)
	entry, err := statuslist.BuildEntry(res, w.opt.Type, w.opt.Purpose, w.opt.ListLength(), terseBase)
	if err != nil {
		// The reservation never reached the credential; release it
		if aerr := w.manager.Abandon(ctx, res); aerr == nil {
			w.res = nil
		}
		return err
	}

	// Embed the entry in its JSON object form so later writers and
	// StatusEntries see it alongside the entries already present
	var entryMap map[string]interface{}
	raw, err := json.Marshal(entry)
	if err == nil {
		err = json.Unmarshal(raw, &entryMap)
	}
	if err != nil {
		if aerr := w.manager.Abandon(ctx, res); aerr == nil {
			w.res = nil
		}
		return err
	}

	existing := make([]interface{}, 0, 1)
	for _, e := range cred.StatusEntries() {
		existing = append(existing, e)
	}
	cred.SetStatusEntries(append(existing, entryMap))
	return nil
}

// Finish implements StatusWriter.Finish
func (w *CredentialStatusWriter) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.res == nil || w.finished || w.cancelled {
		return nil
	}
	if err := w.manager.Finalize(ctx, w.res); err != nil {
		return err
	}
	w.finished = true
	return nil
}

// Cancel implements StatusWriter.Cancel
func (w *CredentialStatusWriter) Cancel(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.res == nil || w.finished || w.cancelled {
		return nil
	}
	if err := w.manager.Abandon(ctx, w.res); err != nil {
		return err
	}
	w.cancelled = true
	return nil
}

// Reservation implements StatusWriter.Reservation
func (w *CredentialStatusWriter) Reservation() *statuslist.Reservation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.res
}

// defaultWriterFactory builds CredentialStatusWriters over one manager
type defaultWriterFactory struct {
	manager *statuslist.ListManager
}

// NewStatusWriterFactory returns the production writer factory
func NewStatusWriterFactory(manager *statuslist.ListManager) StatusWriterFactory {
	return &defaultWriterFactory{manager: manager}
}

func (f *defaultWriterFactory) NewWriter(tenantID string, opt *StatusListOption,
	purpose statuslist.StatusPurpose, nonce string) StatusWriter {
	return NewCredentialStatusWriter(f.manager, tenantID, opt, purpose, nonce)
}
