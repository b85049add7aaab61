package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node runs.
// Sequence discipline matches the SQLite store: every record carries an
// integer sequence and writes compare-and-swap on it under one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool

	sets        map[ListSetKey]*ListSetRecord
	lists       map[string]*ListRecord
	blocks      map[string]*BlockRecord // key: listID/blockID
	statusBits  map[string]*StatusBitsRecord
	credentials map[string]*CredentialRecord // key: tenantID/credentialID
	aliases     map[string]string            // key: tenantID/aliasID -> credentialID
	statusRefs  map[string]string            // key: listID/index -> tenantID/credentialID
	slcs        map[string]*SLCRecord
	contexts    map[string]*ContextDocument // key: tenantID/id
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:        make(map[ListSetKey]*ListSetRecord),
		lists:       make(map[string]*ListRecord),
		blocks:      make(map[string]*BlockRecord),
		statusBits:  make(map[string]*StatusBitsRecord),
		credentials: make(map[string]*CredentialRecord),
		aliases:     make(map[string]string),
		statusRefs:  make(map[string]string),
		slcs:        make(map[string]*SLCRecord),
		contexts:    make(map[string]*ContextDocument),
	}
}

func blockKey(listID string, blockID int) string {
	return fmt.Sprintf("%s/%d", listID, blockID)
}

func credKey(tenantID, credentialID string) string {
	return tenantID + "/" + credentialID
}

func refKey(listID string, index int) string {
	return fmt.Sprintf("%s/%d", listID, index)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copyListSet(r *ListSetRecord) *ListSetRecord {
	out := *r
	return &out
}

func copyList(r *ListRecord) *ListRecord {
	out := *r
	out.ActiveBlocks = copyBytes(r.ActiveBlocks)
	out.FullBlocks = copyBytes(r.FullBlocks)
	return &out
}

func copyBlock(r *BlockRecord) *BlockRecord {
	out := *r
	out.Bitmap = copyBytes(r.Bitmap)
	if r.Pending != nil {
		out.Pending = make(map[string]PendingReservation, len(r.Pending))
		for k, v := range r.Pending {
			out.Pending[k] = v
		}
	}
	return &out
}

func copyStatusBits(r *StatusBitsRecord) *StatusBitsRecord {
	out := *r
	out.Bitmap = copyBytes(r.Bitmap)
	return &out
}

func copyCredential(r *CredentialRecord) *CredentialRecord {
	out := *r
	out.Body = copyBytes(r.Body)
	if r.StatusEntries != nil {
		out.StatusEntries = make([]StatusEntryRef, len(r.StatusEntries))
		copy(out.StatusEntries, r.StatusEntries)
	}
	return &out
}

func copySLC(r *SLCRecord) *SLCRecord {
	out := *r
	out.Credential = copyBytes(r.Credential)
	return &out
}

// checkSeq verifies the CAS precondition for a record that may not exist.
// found reports presence, current its stored sequence.
func checkSeq(op string, found bool, current, expect int64) error {
	if expect == 0 {
		if found {
			return &StoreError{Op: op, Err: ErrExists}
		}
		return nil
	}
	if !found {
		return &StoreError{Op: op, Err: ErrNotFound}
	}
	if current != expect {
		return &StoreError{Op: op, Err: ErrConcurrentModification}
	}
	return nil
}

// GetListSet implements ListStore.GetListSet
func (s *MemoryStore) GetListSet(ctx context.Context, key ListSetKey) (*ListSetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.sets[key]
	if !ok {
		return nil, &StoreError{Op: "get", Err: ErrNotFound, TenantID: key.TenantID}
	}
	return copyListSet(rec), nil
}

// PutListSet implements ListStore.PutListSet
func (s *MemoryStore) PutListSet(ctx context.Context, rec *ListSetRecord, expectSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	current, found := s.sets[rec.Key]
	var seq int64
	if found {
		seq = current.Sequence
	}
	if err := checkSeq("putListSet", found, seq, expectSequence); err != nil {
		return err
	}

	stored := copyListSet(rec)
	stored.Sequence = expectSequence + 1
	s.sets[rec.Key] = stored
	return nil
}

// GetList implements ListStore.GetList
func (s *MemoryStore) GetList(ctx context.Context, listID string) (*ListRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.lists[listID]
	if !ok {
		return nil, ErrNotFoundList(listID)
	}
	return copyList(rec), nil
}

// PutList implements ListStore.PutList
func (s *MemoryStore) PutList(ctx context.Context, rec *ListRecord, expectSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return s.putListLocked(rec, expectSequence)
}

func (s *MemoryStore) putListLocked(rec *ListRecord, expectSequence int64) error {
	current, found := s.lists[rec.ListID]
	var seq int64
	if found {
		seq = current.Sequence
	}
	if err := checkSeq("putList", found, seq, expectSequence); err != nil {
		return err
	}

	stored := copyList(rec)
	stored.Sequence = expectSequence + 1
	s.lists[rec.ListID] = stored
	return nil
}

// ListLists implements ListStore.ListLists
func (s *MemoryStore) ListLists(ctx context.Context, key ListSetKey) ([]*ListRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var result []*ListRecord
	for _, rec := range s.lists {
		if rec.Key == key {
			result = append(result, copyList(rec))
		}
	}
	// Stable order by list index
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].Index < result[i].Index {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

// GetBlock implements ListStore.GetBlock
func (s *MemoryStore) GetBlock(ctx context.Context, listID string, blockID int) (*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.blocks[blockKey(listID, blockID)]
	if !ok {
		return nil, &StoreError{Op: "get", Err: ErrNotFound, ListID: listID, Key: blockKey(listID, blockID)}
	}
	return copyBlock(rec), nil
}

// PutBlock implements ListStore.PutBlock
func (s *MemoryStore) PutBlock(ctx context.Context, rec *BlockRecord, expectSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	key := blockKey(rec.ListID, rec.BlockID)
	current, found := s.blocks[key]
	var seq int64
	if found {
		seq = current.Sequence
	}
	if err := checkSeq("putBlock", found, seq, expectSequence); err != nil {
		return err
	}

	stored := copyBlock(rec)
	stored.Sequence = expectSequence + 1
	s.blocks[key] = stored
	return nil
}

// GetStatusBits implements ListStore.GetStatusBits
func (s *MemoryStore) GetStatusBits(ctx context.Context, listID string) (*StatusBitsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.statusBits[listID]
	if !ok {
		return nil, ErrNotFoundList(listID)
	}
	return copyStatusBits(rec), nil
}

// PutStatusBits implements ListStore.PutStatusBits
func (s *MemoryStore) PutStatusBits(ctx context.Context, rec *StatusBitsRecord, expectSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	current, found := s.statusBits[rec.ListID]
	var seq int64
	if found {
		seq = current.Sequence
	}
	if err := checkSeq("putStatusBits", found, seq, expectSequence); err != nil {
		return err
	}

	stored := copyStatusBits(rec)
	stored.Sequence = expectSequence + 1
	s.statusBits[rec.ListID] = stored
	return nil
}

// Rollover implements ListStore.Rollover
func (s *MemoryStore) Rollover(ctx context.Context, fullList *ListRecord, expectListSeq int64,
	set *ListSetRecord, expectSetSeq int64, newList *ListRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// Verify both preconditions before mutating anything
	currentList, foundList := s.lists[fullList.ListID]
	var listSeq int64
	if foundList {
		listSeq = currentList.Sequence
	}
	if err := checkSeq("rollover", foundList, listSeq, expectListSeq); err != nil {
		return err
	}

	currentSet, foundSet := s.sets[set.Key]
	var setSeq int64
	if foundSet {
		setSeq = currentSet.Sequence
	}
	if err := checkSeq("rollover", foundSet, setSeq, expectSetSeq); err != nil {
		return err
	}

	if newList != nil {
		if _, exists := s.lists[newList.ListID]; exists {
			return &StoreError{Op: "rollover", Err: ErrExists, ListID: newList.ListID}
		}
	}

	storedList := copyList(fullList)
	storedList.Sequence = expectListSeq + 1
	s.lists[fullList.ListID] = storedList

	storedSet := copyListSet(set)
	storedSet.Sequence = expectSetSeq + 1
	s.sets[set.Key] = storedSet

	if newList != nil {
		storedNew := copyList(newList)
		storedNew.Sequence = 1
		s.lists[newList.ListID] = storedNew
	}
	return nil
}

// InsertCredential implements CredentialStore.InsertCredential
func (s *MemoryStore) InsertCredential(ctx context.Context, rec *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// Primary ids and aliases share one uniqueness namespace per tenant
	key := credKey(rec.TenantID, rec.CredentialID)
	if _, exists := s.credentials[key]; exists {
		return ErrDuplicateCredential(rec.TenantID, rec.CredentialID)
	}
	if _, exists := s.aliases[key]; exists {
		return ErrDuplicateCredential(rec.TenantID, rec.CredentialID)
	}
	if rec.AliasID != "" {
		aliasKey := credKey(rec.TenantID, rec.AliasID)
		if _, exists := s.aliases[aliasKey]; exists {
			return ErrDuplicateCredential(rec.TenantID, rec.AliasID)
		}
		if _, exists := s.credentials[aliasKey]; exists {
			return ErrDuplicateCredential(rec.TenantID, rec.AliasID)
		}
	}

	stored := copyCredential(rec)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.credentials[key] = stored
	if rec.AliasID != "" {
		s.aliases[credKey(rec.TenantID, rec.AliasID)] = rec.CredentialID
	}
	for _, ref := range rec.StatusEntries {
		s.statusRefs[refKey(ref.ListID, ref.Index)] = key
	}
	return nil
}

// GetCredential implements CredentialStore.GetCredential
func (s *MemoryStore) GetCredential(ctx context.Context, tenantID, credentialID string) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.credentials[credKey(tenantID, credentialID)]
	if !ok {
		// Fall back to the alias index
		if primary, aliased := s.aliases[credKey(tenantID, credentialID)]; aliased {
			rec, ok = s.credentials[credKey(tenantID, primary)]
		}
	}
	if !ok {
		return nil, ErrNotFoundCredential(tenantID, credentialID)
	}
	return copyCredential(rec), nil
}

// FindCredentialByStatusRef implements CredentialStore.FindCredentialByStatusRef
func (s *MemoryStore) FindCredentialByStatusRef(ctx context.Context, listID string, index int) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	key, ok := s.statusRefs[refKey(listID, index)]
	if !ok {
		return nil, &StoreError{Op: "find", Err: ErrNotFound, ListID: listID}
	}
	rec := s.credentials[key]
	if rec == nil {
		return nil, &StoreError{Op: "find", Err: ErrNotFound, ListID: listID}
	}
	return copyCredential(rec), nil
}

// GetSLC implements SLCStore.GetSLC
func (s *MemoryStore) GetSLC(ctx context.Context, listID string) (*SLCRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.slcs[listID]
	if !ok {
		return nil, ErrNotFoundList(listID)
	}
	return copySLC(rec), nil
}

// PutSLC implements SLCStore.PutSLC
func (s *MemoryStore) PutSLC(ctx context.Context, rec *SLCRecord, expectSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	current, found := s.slcs[rec.ListID]
	var seq int64
	if found {
		seq = current.Sequence
	}
	if err := checkSeq("putSLC", found, seq, expectSequence); err != nil {
		return err
	}

	stored := copySLC(rec)
	stored.Sequence = expectSequence + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.slcs[rec.ListID] = stored
	return nil
}

// PutContext implements ContextStore.PutContext
func (s *MemoryStore) PutContext(ctx context.Context, doc *ContextDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	stored := *doc
	stored.Document = copyBytes(doc.Document)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.contexts[credKey(doc.TenantID, doc.ID)] = &stored
	return nil
}

// GetContext implements ContextStore.GetContext
func (s *MemoryStore) GetContext(ctx context.Context, tenantID, id string) (*ContextDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	doc, ok := s.contexts[credKey(tenantID, id)]
	if !ok {
		return nil, &StoreError{Op: "get", Err: ErrNotFound, TenantID: tenantID, Key: id}
	}
	out := *doc
	out.Document = copyBytes(doc.Document)
	return &out, nil
}

// ListContexts implements ContextStore.ListContexts
func (s *MemoryStore) ListContexts(ctx context.Context, tenantID string) ([]*ContextDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var result []*ContextDocument
	prefix := tenantID + "/"
	for key, doc := range s.contexts {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out := *doc
			out.Document = copyBytes(doc.Document)
			result = append(result, &out)
		}
	}
	return result, nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
