package statuslist

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/ParichayaHQ/issuer/internal/logging"
	"github.com/ParichayaHQ/issuer/internal/store"
)

// maxListAttempts bounds the choose-list/rollover loop of one allocation.
// Each pass either allocates, rolls a list over, or fails terminally.
const maxListAttempts = 8

// ListManager hands out unique (list, index) positions from a family of
// status lists. It chooses a list, spreads reservations across its blocks,
// rolls full lists over, enforces the list-count quota, and reconciles
// reservations left behind by crashed writers.
type ListManager struct {
	registry    *Registry
	allocator   *BlockAllocator
	credentials store.CredentialStore
	rand        RandomSource
	timeout     time.Duration
	logger      *logging.Logger
}

// ManagerConfig tunes a ListManager
type ManagerConfig struct {
	// ReservationTimeout is the age past which a pending reservation is
	// eligible for recovery. Must exceed the slowest signer call.
	ReservationTimeout time.Duration

	// Rand is the block-spread tie-breaking source
	Rand RandomSource
}

// NewListManager creates a list manager
func NewListManager(registry *Registry, allocator *BlockAllocator, credentials store.CredentialStore,
	cfg *ManagerConfig, logger *logging.Logger) *ListManager {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := DefaultReservationTimeout
	var rnd RandomSource
	if cfg != nil {
		if cfg.ReservationTimeout > 0 {
			timeout = cfg.ReservationTimeout
		}
		rnd = cfg.Rand
	}
	if rnd == nil {
		rnd = NewRandomSource()
	}
	return &ListManager{
		registry:    registry,
		allocator:   allocator,
		credentials: credentials,
		rand:        rnd,
		timeout:     timeout,
		logger:      logger.WithComponent("statuslist.manager"),
	}
}

// Registry exposes the underlying registry
func (m *ListManager) Registry() *Registry {
	return m.registry
}

// Allocator exposes the underlying block allocator
func (m *ListManager) Allocator() *BlockAllocator {
	return m.allocator
}

// Allocate reserves one unused position in the namespace identified by
// key. nonce spreads concurrent requests across blocks; it never affects
// which positions can be assigned, only the probe order.
func (m *ListManager) Allocate(ctx context.Context, key store.ListSetKey, opt *Options, nonce string) (*Reservation, error) {
	if err := opt.Normalize(); err != nil {
		return nil, err
	}

	set, err := m.registry.LoadSet(ctx, key, opt)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxListAttempts; attempt++ {
		list, freshSet, err := m.chooseList(ctx, set)
		if err != nil {
			return nil, err
		}
		set = freshSet

		res, err := m.allocateInList(ctx, set, list, nonce)
		if err == nil {
			return res, nil
		}
		if !IsListFull(err) {
			return nil, err
		}

		set, err = m.rollover(ctx, set, list)
		if err != nil {
			return nil, err
		}
	}

	return nil, NewStatusListError(ErrorConflict, "allocation attempts exhausted")
}

// chooseList picks the list to allocate from: the active pointer when it
// has free blocks, otherwise any usable list after a recovery sweep,
// otherwise a freshly created list (quota permitting).
func (m *ListManager) chooseList(ctx context.Context, set *store.ListSetRecord) (*store.ListRecord, *store.ListSetRecord, error) {
	if set.ActiveList != "" {
		list, err := m.registry.ReadList(ctx, set.ActiveList)
		if err == nil && usable(list) {
			return list, set, nil
		}
		if err != nil && !store.IsNotFound(err) {
			return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to read active list", err.Error())
		}
	}

	// The active pointer is exhausted or missing: reconcile abandoned
	// reservations, then rescan for capacity freed by recovery.
	lists, err := m.registry.Lists(ctx, set.Key)
	if err != nil {
		return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to list lists", err.Error())
	}
	for _, list := range lists {
		if rerr := m.recoverList(ctx, set, list); rerr != nil {
			m.logger.Warn("recovery sweep failed", map[string]interface{}{
				"list":  list.ListID,
				"error": rerr.Error(),
			})
		}
	}

	lists, err = m.registry.Lists(ctx, set.Key)
	if err != nil {
		return nil, set, NewStatusListErrorWithDetails(ErrorStorageError, "failed to list lists", err.Error())
	}
	for _, list := range lists {
		if usable(list) {
			return list, set, nil
		}
	}

	// Nothing usable: create the next list, or fail at the cap
	fresh, err := m.registry.LoadSet(ctx, set.Key, &Options{
		Purpose:    StatusPurpose(set.Key.Purpose),
		Type:       ListType(set.Key.Type),
		BlockSize:  set.BlockSize,
		BlockCount: set.BlockCount,
		ListCount:  set.ListCount,
	})
	if err != nil {
		return nil, set, err
	}
	list, fresh, err := m.registry.CreateList(ctx, fresh)
	if err != nil {
		return nil, fresh, err
	}
	return list, fresh, nil
}

func usable(list *store.ListRecord) bool {
	if list.Status != store.ListStatusActive {
		return false
	}
	active := FromBytes(list.ActiveBlocks, 0)
	return active.CountSet() > 0
}

// allocateInList probes blocks starting from a hash of the reservation
// context, linearly, skipping blocks recorded full. It reports list_full
// when every block rejects.
func (m *ListManager) allocateInList(ctx context.Context, set *store.ListSetRecord, list *store.ListRecord, nonce string) (*Reservation, error) {
	start := m.probeStart(set.Key.TenantID, nonce, set.BlockCount)
	full := FromBytes(list.FullBlocks, set.BlockCount)

	for probe := 0; probe < set.BlockCount; probe++ {
		blockID := (start + probe) % set.BlockCount
		if isFull, _ := full.Get(blockID); isFull {
			continue
		}

		res, err := m.allocator.Reserve(ctx, set, list, blockID)
		if err == nil {
			return res, nil
		}
		if IsBlockFull(err) {
			if merr := m.registry.MarkBlockFull(ctx, list.ListID, blockID); merr != nil {
				m.logger.Warn("failed to record full block", map[string]interface{}{
					"list":  list.ListID,
					"block": blockID,
					"error": merr.Error(),
				})
			}
			full.Set(blockID, true)
			continue
		}
		return nil, err
	}

	return nil, NewStatusListError(ErrorListFull, "all blocks fully allocated")
}

// probeStart hashes the reservation context into a block index. The
// random term only breaks ties between requests with equal context.
func (m *ListManager) probeStart(tenantID, nonce string, blockCount int) int {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return int((h.Sum64() + m.rand.Uint64()) % uint64(blockCount))
}

// rollover retires a fully allocated list and installs its successor in
// the same transaction. At the list cap no successor is created; the next
// chooseList pass surfaces quota_exceeded. Lost races adopt the winner's
// set state.
func (m *ListManager) rollover(ctx context.Context, set *store.ListSetRecord, list *store.ListRecord) (*store.ListSetRecord, error) {
	current, err := m.registry.ReadList(ctx, list.ListID)
	if err != nil {
		return nil, NewStatusListErrorWithDetails(ErrorStorageError, "failed to re-read list", err.Error())
	}
	if current.Status == store.ListStatusFull {
		// Someone else already rolled this list over
		return m.reloadSet(ctx, set)
	}

	retired := *current
	retired.Status = store.ListStatusFull
	retired.ActiveBlocks = NewBitString(set.BlockCount).Bytes()
	fullBits := NewBitString(set.BlockCount)
	for i := 0; i < set.BlockCount; i++ {
		fullBits.Set(i, true)
	}
	retired.FullBlocks = fullBits.Bytes()

	updatedSet := *set
	var next *store.ListRecord
	if set.NextListIndex < set.ListCount {
		next = m.registry.newListRecord(set, set.NextListIndex)
		updatedSet.ActiveList = next.ListID
		updatedSet.NextListIndex = set.NextListIndex + 1
	} else {
		updatedSet.ActiveList = ""
	}

	err = m.registry.Rollover(ctx, &retired, current.Sequence, &updatedSet, set.Sequence, next)
	if err != nil {
		if store.IsConflict(err) || store.IsExists(err) {
			return m.reloadSet(ctx, set)
		}
		return nil, NewStatusListErrorWithDetails(ErrorStorageError, "rollover failed", err.Error())
	}
	updatedSet.Sequence = set.Sequence + 1

	m.logger.Info("rolled over status list", map[string]interface{}{
		"retired": list.ListID,
		"next":    updatedSet.ActiveList,
	})
	return &updatedSet, nil
}

func (m *ListManager) reloadSet(ctx context.Context, set *store.ListSetRecord) (*store.ListSetRecord, error) {
	fresh, err := m.registry.LoadSet(ctx, set.Key, &Options{
		Purpose:    StatusPurpose(set.Key.Purpose),
		Type:       ListType(set.Key.Type),
		BlockSize:  set.BlockSize,
		BlockCount: set.BlockCount,
		ListCount:  set.ListCount,
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// Finalize commits a reservation: its position stays assigned and the
// pending entry goes away. Idempotent.
func (m *ListManager) Finalize(ctx context.Context, res *Reservation) error {
	set, err := m.registry.GetSet(ctx, res.Key)
	if err != nil {
		return err
	}
	return m.allocator.Finalize(ctx, set, res)
}

// Abandon releases a reservation before any observable side-effect of
// issuance. Idempotent.
func (m *ListManager) Abandon(ctx context.Context, res *Reservation) error {
	set, err := m.registry.GetSet(ctx, res.Key)
	if err != nil {
		return err
	}
	return m.allocator.Abandon(ctx, set, res)
}

// Recover sweeps every list of the namespace and reconciles expired
// pending reservations: a reservation whose credential was persisted is
// promoted to finalized; one without a credential is abandoned and its
// position returns to the pool.
func (m *ListManager) Recover(ctx context.Context, key store.ListSetKey, opt *Options) error {
	if err := opt.Normalize(); err != nil {
		return err
	}
	set, err := m.registry.LoadSet(ctx, key, opt)
	if err != nil {
		return err
	}

	lists, err := m.registry.Lists(ctx, key)
	if err != nil {
		return NewStatusListErrorWithDetails(ErrorStorageError, "failed to list lists", err.Error())
	}
	for _, list := range lists {
		if err := m.recoverList(ctx, set, list); err != nil {
			return err
		}
	}
	return nil
}

// recoverList reconciles one list's expired reservations. Reservations
// younger than the timeout could still be live in a writer and are never
// touched.
func (m *ListManager) recoverList(ctx context.Context, set *store.ListSetRecord, list *store.ListRecord) error {
	now := time.Now().UTC()

	for blockID := 0; blockID < set.BlockCount; blockID++ {
		block, err := m.registry.ReadBlock(ctx, list.ListID, blockID, set.BlockSize)
		if err != nil {
			return err
		}
		if block.Sequence == 0 || len(block.Pending) == 0 {
			continue
		}

		for resID, pend := range block.Pending {
			if now.Sub(pend.CreatedAt) < m.timeout {
				continue
			}

			res := &Reservation{
				ID:             resID,
				Key:            set.Key,
				ListID:         list.ListID,
				ListIndex:      list.Index,
				BlockID:        blockID,
				Index:          pend.Index,
				IndexAllocator: set.IndexAllocator,
				CreatedAt:      pend.CreatedAt,
			}

			_, err := m.credentials.FindCredentialByStatusRef(ctx, list.ListID, pend.Index)
			switch {
			case err == nil:
				// The writer persisted the credential but died before
				// finalize; promote instead of abandoning.
				if ferr := m.allocator.Finalize(ctx, set, res); ferr != nil {
					return ferr
				}
				m.logger.Info("promoted orphaned reservation", map[string]interface{}{
					"list":  list.ListID,
					"index": pend.Index,
				})
			case store.IsNotFound(err):
				if aerr := m.allocator.Abandon(ctx, set, res); aerr != nil {
					return aerr
				}
				m.logger.Info("abandoned expired reservation", map[string]interface{}{
					"list":  list.ListID,
					"index": pend.Index,
				})
			default:
				return NewStatusListErrorWithDetails(ErrorStorageError, "credential lookup failed", err.Error())
			}
		}
	}
	return nil
}

// Metrics reports a snapshot of one allocation namespace
func (m *ListManager) Metrics(ctx context.Context, key store.ListSetKey, opt *Options) (*Metrics, error) {
	if err := opt.Normalize(); err != nil {
		return nil, err
	}
	set, err := m.registry.LoadSet(ctx, key, opt)
	if err != nil {
		return nil, err
	}

	lists, err := m.registry.Lists(ctx, key)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{
		TotalLists:  len(lists),
		LastUpdated: time.Now().UTC(),
	}
	for _, list := range lists {
		if list.Status == store.ListStatusFull {
			metrics.FullLists++
		}
		for blockID := 0; blockID < set.BlockCount; blockID++ {
			block, err := m.registry.ReadBlock(ctx, list.ListID, blockID, set.BlockSize)
			if err != nil {
				return nil, err
			}
			metrics.AllocatedPositions += block.AllocatedCount
			metrics.PendingReservations += len(block.Pending)
		}
		rec, err := m.registry.ReadStatusBits(ctx, list.ListID, set.BlockSize*set.BlockCount)
		if err != nil {
			return nil, err
		}
		metrics.SetPositions += FromBytes(rec.Bitmap, set.BlockSize*set.BlockCount).CountSet()
	}
	return metrics, nil
}
