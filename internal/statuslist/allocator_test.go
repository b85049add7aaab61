package statuslist

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/issuer/internal/store"
)

func testFixture(t *testing.T, blockSize, blockCount, listCount int) (*store.MemoryStore, *Registry, *BlockAllocator, *store.ListSetRecord, *store.ListRecord) {
	t.Helper()

	st := store.NewMemoryStore()
	registry := NewRegistry(st, "http://localhost:8080", nil)
	allocator := NewBlockAllocator(registry, nil)

	key := store.ListSetKey{TenantID: "tenant-1", Purpose: "revocation", Type: string(TypeBitstringStatusList)}
	opt := &Options{
		Purpose:    StatusPurposeRevocation,
		Type:       TypeBitstringStatusList,
		BlockSize:  blockSize,
		BlockCount: blockCount,
		ListCount:  listCount,
	}
	require.NoError(t, opt.Normalize())

	set, err := registry.LoadSet(context.Background(), key, opt)
	require.NoError(t, err)

	list, set, err := registry.CreateList(context.Background(), set)
	require.NoError(t, err)

	return st, registry, allocator, set, list
}

func TestBlockAllocator_ReserveAssignsLowestZero(t *testing.T) {
	_, _, allocator, set, list := testFixture(t, 8, 2, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := allocator.Reserve(ctx, set, list, 0)
		require.NoError(t, err)
		assert.Equal(t, i, res.Index)
		assert.Equal(t, 0, res.BlockID)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, set.IndexAllocator, res.IndexAllocator)
	}

	// Second block indices are offset by the block size
	res, err := allocator.Reserve(ctx, set, list, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Index)
}

func TestBlockAllocator_BlockFull(t *testing.T) {
	_, registry, allocator, set, list := testFixture(t, 4, 1, 1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := allocator.Reserve(ctx, set, list, 0)
		require.NoError(t, err)
	}

	_, err := allocator.Reserve(ctx, set, list, 0)
	require.Error(t, err)
	assert.True(t, IsBlockFull(err))

	// Invariant: popcount equals allocated count
	block, err := registry.ReadBlock(ctx, list.ListID, 0, set.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, 4, block.AllocatedCount)
	assert.Equal(t, 4, FromBytes(block.Bitmap, set.BlockSize).CountSet())
	assert.Len(t, block.Pending, 4)
}

func TestBlockAllocator_FinalizeIdempotent(t *testing.T) {
	_, registry, allocator, set, list := testFixture(t, 8, 1, 1)
	ctx := context.Background()

	res, err := allocator.Reserve(ctx, set, list, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.Finalize(ctx, set, res))
	require.NoError(t, allocator.Finalize(ctx, set, res))

	block, err := registry.ReadBlock(ctx, list.ListID, 0, set.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, 1, block.AllocatedCount)
	assert.Empty(t, block.Pending)

	// The bit stays assigned after finalize
	bit, err := FromBytes(block.Bitmap, set.BlockSize).Get(0)
	require.NoError(t, err)
	assert.True(t, bit)
}

func TestBlockAllocator_AbandonReleasesPosition(t *testing.T) {
	_, registry, allocator, set, list := testFixture(t, 8, 1, 1)
	ctx := context.Background()

	res, err := allocator.Reserve(ctx, set, list, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.Abandon(ctx, set, res))
	require.NoError(t, allocator.Abandon(ctx, set, res))

	block, err := registry.ReadBlock(ctx, list.ListID, 0, set.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, 0, block.AllocatedCount)
	assert.Empty(t, block.Pending)

	// The position is reassignable
	res2, err := allocator.Reserve(ctx, set, list, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.Index)
}

func TestBlockAllocator_AbandonAfterFinalizeIsNoop(t *testing.T) {
	_, registry, allocator, set, list := testFixture(t, 8, 1, 1)
	ctx := context.Background()

	res, err := allocator.Reserve(ctx, set, list, 0)
	require.NoError(t, err)
	require.NoError(t, allocator.Finalize(ctx, set, res))

	// The pending entry is gone, so abandon must not free the bit
	require.NoError(t, allocator.Abandon(ctx, set, res))

	block, err := registry.ReadBlock(ctx, list.ListID, 0, set.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, 1, block.AllocatedCount)
}

func TestBlockAllocator_FinalizeMarksBlockFull(t *testing.T) {
	_, registry, allocator, set, list := testFixture(t, 2, 2, 1)
	ctx := context.Background()

	r1, err := allocator.Reserve(ctx, set, list, 0)
	require.NoError(t, err)
	r2, err := allocator.Reserve(ctx, set, list, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.Finalize(ctx, set, r1))
	require.NoError(t, allocator.Finalize(ctx, set, r2))

	fresh, err := registry.ReadList(ctx, list.ListID)
	require.NoError(t, err)

	full := FromBytes(fresh.FullBlocks, set.BlockCount)
	active := FromBytes(fresh.ActiveBlocks, set.BlockCount)
	isFull, _ := full.Get(0)
	isActive, _ := active.Get(0)
	assert.True(t, isFull)
	assert.False(t, isActive)

	// fullBlocks and activeBlocks stay disjoint
	for i := 0; i < set.BlockCount; i++ {
		f, _ := full.Get(i)
		a, _ := active.Get(i)
		assert.False(t, f && a, "block %d both full and active", i)
	}
}

func TestBlockAllocator_ConcurrentReserveUnique(t *testing.T) {
	_, registry, allocator, set, list := testFixture(t, 64, 1, 1)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	indices := make(chan int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := allocator.Reserve(ctx, set, list, 0)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			indices <- res.Index
		}()
	}
	wg.Wait()
	close(indices)

	seen := make(map[int]bool)
	for idx := range indices {
		assert.False(t, seen[idx], "index %d assigned twice", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, workers)

	block, err := registry.ReadBlock(ctx, list.ListID, 0, set.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, workers, block.AllocatedCount)
	assert.Equal(t, workers, FromBytes(block.Bitmap, set.BlockSize).CountSet())
}
