package store

import (
	"context"
	"time"
)

// ListSetKey identifies one allocation namespace: the ordered family of
// status lists a tenant maintains for one (purpose, type) pair.
type ListSetKey struct {
	TenantID string `json:"tenantId"`
	Purpose  string `json:"purpose"`
	Type     string `json:"type"`
}

// ListSetRecord holds per-set metadata. NextListIndex counts lists created
// so far; the cap is ListCount.
type ListSetRecord struct {
	Key            ListSetKey `json:"key"`
	IndexAllocator string     `json:"indexAllocator"`
	BlockSize      int        `json:"blockSize"`
	BlockCount     int        `json:"blockCount"`
	ListCount      int        `json:"listCount"`
	ActiveList     string     `json:"activeList,omitempty"`
	NextListIndex  int        `json:"nextListIndex"`
	CreatedAt      time.Time  `json:"createdAt"`
	Sequence       int64      `json:"sequence"`
}

// ListStatus is the lifecycle state of one status list
type ListStatus string

const (
	ListStatusBuilding ListStatus = "building"
	ListStatusActive   ListStatus = "active"
	ListStatusFull     ListStatus = "full"
)

// ListRecord is the allocation-side view of one status list.
// ActiveBlocks and FullBlocks are bitmaps over [0..BlockCount); an active
// block never has its full bit set.
type ListRecord struct {
	ListID       string     `json:"listId"`
	Key          ListSetKey `json:"key"`
	Index        int        `json:"index"`
	Status       ListStatus `json:"status"`
	ActiveBlocks []byte     `json:"activeBlocks"`
	FullBlocks   []byte     `json:"fullBlocks"`
	CreatedAt    time.Time  `json:"createdAt"`
	Sequence     int64      `json:"sequence"`
}

// PendingReservation is one outstanding claim on an index inside a block.
// Index is absolute within the list.
type PendingReservation struct {
	Index     int       `json:"index"`
	CreatedAt time.Time `json:"createdAt"`
}

// BlockRecord is the contended allocation unit. Bitmap covers BlockSize
// bits of assigned positions; AllocatedCount equals its popcount.
type BlockRecord struct {
	ListID         string                        `json:"listId"`
	BlockID        int                           `json:"blockId"`
	AllocatedCount int                           `json:"allocatedCount"`
	Bitmap         []byte                        `json:"bitmap"`
	Pending        map[string]PendingReservation `json:"pending,omitempty"`
	Sequence       int64                         `json:"sequence"`
}

// StatusBitsRecord is the status-side bitmap of one list (revoked/suspended
// bits), versioned independently of the allocation records.
type StatusBitsRecord struct {
	ListID   string `json:"listId"`
	Bitmap   []byte `json:"bitmap"`
	Sequence int64  `json:"sequence"`
}

// StatusEntryRef is the value-only back reference a credential holds into
// the status list family.
type StatusEntryRef struct {
	Purpose string `json:"purpose"`
	Type    string `json:"type"`
	ListID  string `json:"listId"`
	Index   int    `json:"index"`
}

// CredentialRecord is an issued credential. Body is the signed
// representation, preserved byte-for-byte. CID content-addresses the body.
type CredentialRecord struct {
	TenantID      string           `json:"tenantId"`
	CredentialID  string           `json:"credentialId"`
	AliasID       string           `json:"aliasId,omitempty"`
	Body          []byte           `json:"body"`
	CID           string           `json:"cid"`
	StatusEntries []StatusEntryRef `json:"statusEntries,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// SLCRecord is the signed Status List Credential for one list.
// DataSequence records the StatusBitsRecord sequence the signed form was
// generated from; a list is dirty when its bits sequence is ahead.
type SLCRecord struct {
	ListID       string    `json:"listId"`
	Credential   []byte    `json:"credential"`
	DataSequence int64     `json:"dataSequence"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Sequence     int64     `json:"sequence"`
}

// ContextDocument is a tenant-registered JSON-LD context
type ContextDocument struct {
	TenantID  string    `json:"tenantId"`
	ID        string    `json:"id"`
	Document  []byte    `json:"document"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListStore persists list-set, list, block, and status-bit records.
// All writes are optimistic: the caller supplies the sequence it read and
// the store rejects the write with ErrConcurrentModification when the
// stored sequence differs. A successful write stores the record with
// sequence expectSequence+1. expectSequence 0 creates the record and fails
// with ErrExists when it is already present.
type ListStore interface {
	GetListSet(ctx context.Context, key ListSetKey) (*ListSetRecord, error)
	PutListSet(ctx context.Context, rec *ListSetRecord, expectSequence int64) error

	GetList(ctx context.Context, listID string) (*ListRecord, error)
	PutList(ctx context.Context, rec *ListRecord, expectSequence int64) error
	ListLists(ctx context.Context, key ListSetKey) ([]*ListRecord, error)

	GetBlock(ctx context.Context, listID string, blockID int) (*BlockRecord, error)
	PutBlock(ctx context.Context, rec *BlockRecord, expectSequence int64) error

	GetStatusBits(ctx context.Context, listID string) (*StatusBitsRecord, error)
	PutStatusBits(ctx context.Context, rec *StatusBitsRecord, expectSequence int64) error

	// Rollover atomically marks fullList full, updates the set record, and
	// creates newList (nil when the set is at its list cap). Either both
	// sequence checks pass and all writes land, or none do.
	Rollover(ctx context.Context, fullList *ListRecord, expectListSeq int64,
		set *ListSetRecord, expectSetSeq int64, newList *ListRecord) error
}

// CredentialStore persists issued credentials. Insert enforces uniqueness
// of (tenantId, credentialId) and (tenantId, aliasId) atomically and fails
// with ErrExists on collision. Reads are strongly consistent.
type CredentialStore interface {
	InsertCredential(ctx context.Context, rec *CredentialRecord) error
	GetCredential(ctx context.Context, tenantID, credentialID string) (*CredentialRecord, error)

	// FindCredentialByStatusRef reports the credential holding a status
	// entry at (listID, index), or ErrNotFound. Recovery uses this as the
	// authoritative liveness check for pending reservations.
	FindCredentialByStatusRef(ctx context.Context, listID string, index int) (*CredentialRecord, error)
}

// SLCStore persists signed Status List Credentials with optimistic writes
type SLCStore interface {
	GetSLC(ctx context.Context, listID string) (*SLCRecord, error)
	PutSLC(ctx context.Context, rec *SLCRecord, expectSequence int64) error
}

// ContextStore persists tenant JSON-LD context documents
type ContextStore interface {
	PutContext(ctx context.Context, doc *ContextDocument) error
	GetContext(ctx context.Context, tenantID, id string) (*ContextDocument, error)
	ListContexts(ctx context.Context, tenantID string) ([]*ContextDocument, error)
}

// Store combines all persistence interfaces the issuer core requires
type Store interface {
	ListStore
	CredentialStore
	SLCStore
	ContextStore

	// Close cleanly shuts down the store
	Close() error
}
