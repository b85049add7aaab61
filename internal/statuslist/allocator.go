package statuslist

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ParichayaHQ/issuer/internal/logging"
	"github.com/ParichayaHQ/issuer/internal/store"
)

// casRetries bounds CAS retry loops on contended block and list records.
// High enough that a full burst of concurrent issuers racing on one block
// drains before anyone gives up.
const casRetries = 24

// BlockAllocator reserves, finalizes, and abandons positions within one
// block. The bit chosen is always the lowest zero bit of the bitmap, so
// racing allocators converge on the same candidate and the sequence CAS
// picks the winner; the loser re-reads and takes the next zero.
type BlockAllocator struct {
	registry *Registry
	logger   *logging.Logger
}

// NewBlockAllocator creates a block allocator over registry
func NewBlockAllocator(registry *Registry, logger *logging.Logger) *BlockAllocator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &BlockAllocator{
		registry: registry,
		logger:   logger.WithComponent("statuslist.allocator"),
	}
}

func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, casRetries), ctx)
}

// Reserve claims the lowest free position in (list, blockID). It returns a
// block_full error when every position is assigned, and retries lost CAS
// races with bounded exponential backoff.
func (a *BlockAllocator) Reserve(ctx context.Context, set *store.ListSetRecord, list *store.ListRecord, blockID int) (*Reservation, error) {
	var res *Reservation

	op := func() error {
		block, err := a.registry.ReadBlock(ctx, list.ListID, blockID, set.BlockSize)
		if err != nil {
			return backoff.Permanent(err)
		}

		if block.AllocatedCount >= set.BlockSize {
			return backoff.Permanent(NewStatusListError(ErrorBlockFull, "block fully allocated"))
		}

		bitmap := FromBytes(block.Bitmap, set.BlockSize)
		pos := bitmap.FindFirstUnset()
		if pos < 0 {
			return backoff.Permanent(NewStatusListError(ErrorBlockFull, "block fully allocated"))
		}
		bitmap.Set(pos, true)

		reservation := &Reservation{
			ID:             uuid.NewString(),
			Key:            set.Key,
			ListID:         list.ListID,
			ListIndex:      list.Index,
			BlockID:        blockID,
			Index:          blockID*set.BlockSize + pos,
			IndexAllocator: set.IndexAllocator,
			CreatedAt:      time.Now().UTC(),
		}

		block.Bitmap = bitmap.Bytes()
		block.AllocatedCount++
		if block.Pending == nil {
			block.Pending = make(map[string]store.PendingReservation)
		}
		block.Pending[reservation.ID] = store.PendingReservation{
			Index:     reservation.Index,
			CreatedAt: reservation.CreatedAt,
		}

		if err := a.registry.WriteBlock(ctx, block, block.Sequence); err != nil {
			if store.IsConflict(err) || store.IsExists(err) {
				return err // retry
			}
			return backoff.Permanent(err)
		}

		res = reservation
		return nil
	}

	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		if store.IsConflict(err) || store.IsExists(err) {
			return nil, NewStatusListErrorWithDetails(ErrorConflict,
				"block reservation retries exhausted", err.Error())
		}
		return nil, err
	}
	return res, nil
}

// Finalize removes the reservation from the pending set, keeping its bit
// assigned. Finalizing an unknown or already finalized reservation is a
// no-op. When the block is full after finalize, the list bitmaps record it.
func (a *BlockAllocator) Finalize(ctx context.Context, set *store.ListSetRecord, res *Reservation) error {
	full := false

	op := func() error {
		block, err := a.registry.ReadBlock(ctx, res.ListID, res.BlockID, set.BlockSize)
		if err != nil {
			return backoff.Permanent(err)
		}

		if _, pending := block.Pending[res.ID]; !pending {
			full = block.AllocatedCount >= set.BlockSize
			return nil
		}

		delete(block.Pending, res.ID)
		if err := a.registry.WriteBlock(ctx, block, block.Sequence); err != nil {
			if store.IsConflict(err) {
				return err // retry
			}
			return backoff.Permanent(err)
		}
		full = block.AllocatedCount >= set.BlockSize
		return nil
	}

	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		return err
	}

	if full {
		if err := a.registry.MarkBlockFull(ctx, res.ListID, res.BlockID); err != nil {
			a.logger.Warn("failed to record full block", map[string]interface{}{
				"list":  res.ListID,
				"block": res.BlockID,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Abandon releases the reserved position: the bit clears, the count drops,
// and the pending entry goes away. Abandoning an unknown reservation is a
// no-op. Only recovery and a writer that failed before any observable
// side-effect of issuance call this.
func (a *BlockAllocator) Abandon(ctx context.Context, set *store.ListSetRecord, res *Reservation) error {
	released := false

	op := func() error {
		block, err := a.registry.ReadBlock(ctx, res.ListID, res.BlockID, set.BlockSize)
		if err != nil {
			return backoff.Permanent(err)
		}

		pend, pending := block.Pending[res.ID]
		if !pending {
			return nil
		}

		pos := pend.Index - res.BlockID*set.BlockSize
		bitmap := FromBytes(block.Bitmap, set.BlockSize)
		if pos >= 0 && pos < set.BlockSize {
			bitmap.Set(pos, false)
		}
		block.Bitmap = bitmap.Bytes()
		if block.AllocatedCount > 0 {
			block.AllocatedCount--
		}
		delete(block.Pending, res.ID)

		if err := a.registry.WriteBlock(ctx, block, block.Sequence); err != nil {
			if store.IsConflict(err) {
				return err // retry
			}
			return backoff.Permanent(err)
		}
		released = true
		return nil
	}

	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		return err
	}

	if released {
		if err := a.registry.MarkBlockAvailable(ctx, res.ListID, res.BlockID); err != nil {
			a.logger.Warn("failed to reopen block", map[string]interface{}{
				"list":  res.ListID,
				"block": res.BlockID,
				"error": err.Error(),
			})
		}
	}
	return nil
}
