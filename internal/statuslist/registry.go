package statuslist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ParichayaHQ/issuer/internal/logging"
	"github.com/ParichayaHQ/issuer/internal/store"
)

// Registry persists per-namespace list-set metadata and the list and block
// records beneath it. It adds no locking of its own: every write goes
// through the store's sequence CAS.
type Registry struct {
	store   store.ListStore
	baseURL string
	logger  *logging.Logger
}

// NewRegistry creates a registry. baseURL is the public prefix status list
// credential URLs are minted under.
func NewRegistry(s store.ListStore, baseURL string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		store:   s,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.WithComponent("statuslist.registry"),
	}
}

func typePathSegment(t ListType) string {
	switch t {
	case TypeBitstringStatusList:
		return "bitstring"
	case TypeTerseBitstringStatusList:
		return "terse-bitstring"
	case TypeStatusList2021:
		return "status-list-2021"
	case TypeRevocationList2020:
		return "revocation-list-2020"
	default:
		return strings.ToLower(string(t))
	}
}

// ListID mints the stable identifier (and public URL) of one list
func (r *Registry) ListID(key store.ListSetKey, listType ListType, index int) string {
	return fmt.Sprintf("%s/%s/status-lists/%s/%s/%d",
		r.baseURL, key.TenantID, typePathSegment(listType), key.Purpose, index)
}

// ListIDForPath reconstructs a list id from its tenant-relative URL path
// (the portion after /status-lists/)
func (r *Registry) ListIDForPath(tenantID, rest string) string {
	return fmt.Sprintf("%s/%s/status-lists/%s", r.baseURL, tenantID, rest)
}

// TerseBaseURL mints the base URL terse entries are resolved against
func (r *Registry) TerseBaseURL(key store.ListSetKey) string {
	return fmt.Sprintf("%s/%s/status-lists/terse-bitstring/%s",
		r.baseURL, key.TenantID, key.Purpose)
}

// LoadSet returns the list-set record for key, creating it on first use.
// Concurrent first-use creators race on the insert; the loser adopts the
// winner's record.
func (r *Registry) LoadSet(ctx context.Context, key store.ListSetKey, opt *Options) (*store.ListSetRecord, error) {
	set, err := r.store.GetListSet(ctx, key)
	if err == nil {
		return set, nil
	}
	if !store.IsNotFound(err) {
		return nil, NewStatusListErrorWithDetails(ErrorStorageError, "failed to load list set", err.Error())
	}

	set = &store.ListSetRecord{
		Key:            key,
		IndexAllocator: "urn:uuid:" + uuid.NewString(),
		BlockSize:      opt.BlockSize,
		BlockCount:     opt.BlockCount,
		ListCount:      opt.ListCount,
		NextListIndex:  0,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.PutListSet(ctx, set, 0); err != nil {
		if store.IsExists(err) {
			return r.store.GetListSet(ctx, key)
		}
		return nil, NewStatusListErrorWithDetails(ErrorStorageError, "failed to create list set", err.Error())
	}
	set.Sequence = 1
	r.logger.Info("created list set", map[string]interface{}{
		"tenant":  key.TenantID,
		"purpose": key.Purpose,
		"type":    key.Type,
	})
	return set, nil
}

// GetSet returns an existing list-set record without creating one
func (r *Registry) GetSet(ctx context.Context, key store.ListSetKey) (*store.ListSetRecord, error) {
	set, err := r.store.GetListSet(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, NewStatusListError(ErrorListNotFound, "unknown status list set")
		}
		return nil, NewStatusListErrorWithDetails(ErrorStorageError, "failed to load list set", err.Error())
	}
	return set, nil
}

// newListRecord builds the record for the list at index: all blocks
// active, none full.
func (r *Registry) newListRecord(set *store.ListSetRecord, index int) *store.ListRecord {
	active := NewBitString(set.BlockCount)
	for i := 0; i < set.BlockCount; i++ {
		active.Set(i, true)
	}
	return &store.ListRecord{
		ListID:       r.ListID(set.Key, ListType(set.Key.Type), index),
		Key:          set.Key,
		Index:        index,
		Status:       store.ListStatusActive,
		ActiveBlocks: active.Bytes(),
		FullBlocks:   NewBitString(set.BlockCount).Bytes(),
		CreatedAt:    time.Now().UTC(),
	}
}

// CreateList creates the next list in the set, fails with quota_exceeded
// at the list-count cap, and advances the set's active pointer. Returns
// the refreshed set alongside the list.
func (r *Registry) CreateList(ctx context.Context, set *store.ListSetRecord) (*store.ListRecord, *store.ListSetRecord, error) {
	if set.NextListIndex >= set.ListCount {
		return nil, set, NewStatusListError(ErrorQuotaExceeded,
			fmt.Sprintf("status list quota reached (%d lists)", set.ListCount))
	}

	list := r.newListRecord(set, set.NextListIndex)
	if err := r.store.PutList(ctx, list, 0); err != nil {
		if store.IsExists(err) {
			// Another task created it; adopt the stored record
			existing, gerr := r.store.GetList(ctx, list.ListID)
			if gerr != nil {
				return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to read created list", gerr.Error())
			}
			list = existing
		} else {
			return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to create list", err.Error())
		}
	} else {
		list.Sequence = 1
	}

	updated := *set
	updated.ActiveList = list.ListID
	updated.NextListIndex = set.NextListIndex + 1
	if err := r.store.PutListSet(ctx, &updated, set.Sequence); err != nil {
		if store.IsConflict(err) {
			// A concurrent writer advanced the set; its view wins
			fresh, gerr := r.store.GetListSet(ctx, set.Key)
			if gerr != nil {
				return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to reload list set", gerr.Error())
			}
			return list, fresh, nil
		}
		return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to update list set", err.Error())
	}
	updated.Sequence = set.Sequence + 1

	r.logger.Info("created status list", map[string]interface{}{
		"list":  list.ListID,
		"index": list.Index,
	})
	return list, &updated, nil
}

// ReadList returns a snapshot of one list with its sequence
func (r *Registry) ReadList(ctx context.Context, listID string) (*store.ListRecord, error) {
	return r.store.GetList(ctx, listID)
}

// Lists returns all lists of a set ordered by index
func (r *Registry) Lists(ctx context.Context, key store.ListSetKey) ([]*store.ListRecord, error) {
	return r.store.ListLists(ctx, key)
}

// ReadBlock returns a snapshot of one block. Blocks materialize on first
// reservation; a missing block reads as empty with sequence zero.
func (r *Registry) ReadBlock(ctx context.Context, listID string, blockID int, blockSize int) (*store.BlockRecord, error) {
	block, err := r.store.GetBlock(ctx, listID, blockID)
	if err == nil {
		return block, nil
	}
	if store.IsNotFound(err) {
		return &store.BlockRecord{
			ListID:  listID,
			BlockID: blockID,
			Bitmap:  NewBitString(blockSize).Bytes(),
		}, nil
	}
	return nil, err
}

// WriteList CAS-writes a list record
func (r *Registry) WriteList(ctx context.Context, rec *store.ListRecord, expectSequence int64) error {
	return r.store.PutList(ctx, rec, expectSequence)
}

// WriteBlock CAS-writes a block record
func (r *Registry) WriteBlock(ctx context.Context, rec *store.BlockRecord, expectSequence int64) error {
	return r.store.PutBlock(ctx, rec, expectSequence)
}

// ReadStatusBits returns the status-side bitmap of a list. A list whose
// bits were never flipped reads as all zeros with sequence zero.
func (r *Registry) ReadStatusBits(ctx context.Context, listID string, listLength int) (*store.StatusBitsRecord, error) {
	rec, err := r.store.GetStatusBits(ctx, listID)
	if err == nil {
		return rec, nil
	}
	if store.IsNotFound(err) {
		return &store.StatusBitsRecord{
			ListID: listID,
			Bitmap: NewBitString(listLength).Bytes(),
		}, nil
	}
	return nil, err
}

// WriteStatusBits CAS-writes the status-side bitmap of a list
func (r *Registry) WriteStatusBits(ctx context.Context, rec *store.StatusBitsRecord, expectSequence int64) error {
	return r.store.PutStatusBits(ctx, rec, expectSequence)
}

// Rollover atomically retires fullList and installs newList (nil at quota)
func (r *Registry) Rollover(ctx context.Context, fullList *store.ListRecord, expectListSeq int64,
	set *store.ListSetRecord, expectSetSeq int64, newList *store.ListRecord) error {
	return r.store.Rollover(ctx, fullList, expectListSeq, set, expectSetSeq, newList)
}

// MarkBlockFull records a full block in the list bitmaps. Losing the CAS
// is harmless; the next reader repeats the observation.
func (r *Registry) MarkBlockFull(ctx context.Context, listID string, blockID int) error {
	for attempt := 0; attempt < 5; attempt++ {
		list, err := r.store.GetList(ctx, listID)
		if err != nil {
			return err
		}

		full := FromBytes(list.FullBlocks, 0)
		if len(list.FullBlocks)*8 > blockID {
			if set, _ := full.Get(blockID); set {
				return nil
			}
		}
		full.Set(blockID, true)
		active := FromBytes(list.ActiveBlocks, 0)
		active.Set(blockID, false)

		list.FullBlocks = full.Bytes()
		list.ActiveBlocks = active.Bytes()
		err = r.store.PutList(ctx, list, list.Sequence)
		if err == nil {
			return nil
		}
		if !store.IsConflict(err) {
			return err
		}
	}
	return NewStatusListError(ErrorConflict, "failed to mark block full")
}

// MarkBlockAvailable reopens a block after an abandon freed a position.
// A full list regains active status.
func (r *Registry) MarkBlockAvailable(ctx context.Context, listID string, blockID int) error {
	for attempt := 0; attempt < 5; attempt++ {
		list, err := r.store.GetList(ctx, listID)
		if err != nil {
			return err
		}

		full := FromBytes(list.FullBlocks, 0)
		wasFull := false
		if len(list.FullBlocks)*8 > blockID {
			wasFull, _ = full.Get(blockID)
		}
		statusChange := list.Status == store.ListStatusFull
		if !wasFull && !statusChange {
			return nil
		}

		full.Set(blockID, false)
		active := FromBytes(list.ActiveBlocks, 0)
		active.Set(blockID, true)

		list.FullBlocks = full.Bytes()
		list.ActiveBlocks = active.Bytes()
		if statusChange {
			list.Status = store.ListStatusActive
		}
		err = r.store.PutList(ctx, list, list.Sequence)
		if err == nil {
			return nil
		}
		if !store.IsConflict(err) {
			return err
		}
	}
	return NewStatusListError(ErrorConflict, "failed to reopen block")
}
