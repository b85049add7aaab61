package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() ListSetKey {
	return ListSetKey{TenantID: "tenant-1", Purpose: "revocation", Type: "BitstringStatusList"}
}

func TestMemoryStore_ListSetCAS(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	rec := &ListSetRecord{
		Key:            key,
		IndexAllocator: "urn:uuid:a",
		BlockSize:      8,
		BlockCount:     4,
		ListCount:      2,
		CreatedAt:      time.Now().UTC(),
	}

	// Create with expect 0
	require.NoError(t, st.PutListSet(ctx, rec, 0))

	// Creating again collides
	err := st.PutListSet(ctx, rec, 0)
	assert.True(t, IsExists(err))

	got, err := st.GetListSet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Sequence)

	// A stale writer loses
	got.ActiveList = "list-a"
	require.NoError(t, st.PutListSet(ctx, got, 1))
	err = st.PutListSet(ctx, got, 1)
	assert.True(t, IsConflict(err))

	fresh, err := st.GetListSet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Sequence)
	assert.Equal(t, "list-a", fresh.ActiveList)
}

func TestMemoryStore_BlockCAS(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	block := &BlockRecord{
		ListID:         "list-1",
		BlockID:        0,
		AllocatedCount: 1,
		Bitmap:         []byte{0x01},
		Pending: map[string]PendingReservation{
			"res-1": {Index: 0, CreatedAt: time.Now().UTC()},
		},
	}
	require.NoError(t, st.PutBlock(ctx, block, 0))

	got, err := st.GetBlock(ctx, "list-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Len(t, got.Pending, 1)

	// Snapshots are isolated from later mutations
	got.Bitmap[0] = 0xFF
	again, err := st.GetBlock(ctx, "list-1", 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), again.Bitmap[0])

	err = st.PutBlock(ctx, again, 99)
	assert.True(t, IsConflict(err))
}

func TestMemoryStore_CredentialUniqueness(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	rec := &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:id1",
		AliasID:      "urn:alias1",
		Body:         []byte(`{"id":"urn:id1"}`),
		CID:          "cid-1",
	}
	require.NoError(t, st.InsertCredential(ctx, rec))

	// Same primary id collides
	err := st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:id1",
		Body:         []byte(`{}`),
	})
	assert.True(t, IsExists(err))

	// Same alias collides
	err = st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:id2",
		AliasID:      "urn:alias1",
		Body:         []byte(`{}`),
	})
	assert.True(t, IsExists(err))

	// An alias colliding with an existing primary id is a duplicate too
	err = st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:id3",
		AliasID:      "urn:id1",
		Body:         []byte(`{}`),
	})
	assert.True(t, IsExists(err))

	// ...and a primary id colliding with an existing alias
	err = st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:alias1",
		Body:         []byte(`{}`),
	})
	assert.True(t, IsExists(err))

	// Another tenant is a separate namespace
	require.NoError(t, st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-2",
		CredentialID: "urn:id1",
		Body:         []byte(`{}`),
	}))

	// Lookup by alias resolves the primary record
	got, err := st.GetCredential(ctx, "tenant-1", "urn:alias1")
	require.NoError(t, err)
	assert.Equal(t, "urn:id1", got.CredentialID)
}

func TestMemoryStore_RoundTripBody(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	body := []byte(`{"@context":["https://www.w3.org/2018/credentials/v1"],"id":"urn:x","proof":{"v":"z1"}}`)
	require.NoError(t, st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:x",
		Body:         body,
		CID:          "c",
	}))

	got, err := st.GetCredential(ctx, "tenant-1", "urn:x")
	require.NoError(t, err)
	assert.Equal(t, body, got.Body)
}

func TestMemoryStore_FindCredentialByStatusRef(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.InsertCredential(ctx, &CredentialRecord{
		TenantID:     "tenant-1",
		CredentialID: "urn:ref",
		Body:         []byte(`{}`),
		StatusEntries: []StatusEntryRef{
			{Purpose: "revocation", Type: "BitstringStatusList", ListID: "list-9", Index: 41},
		},
	}))

	got, err := st.FindCredentialByStatusRef(ctx, "list-9", 41)
	require.NoError(t, err)
	assert.Equal(t, "urn:ref", got.CredentialID)

	_, err = st.FindCredentialByStatusRef(ctx, "list-9", 40)
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_RolloverAtomicity(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	set := &ListSetRecord{Key: key, BlockSize: 8, BlockCount: 1, ListCount: 2, ActiveList: "list-0", NextListIndex: 1}
	require.NoError(t, st.PutListSet(ctx, set, 0))
	list0 := &ListRecord{ListID: "list-0", Key: key, Index: 0, Status: ListStatusActive,
		ActiveBlocks: []byte{0x01}, FullBlocks: []byte{0x00}}
	require.NoError(t, st.PutList(ctx, list0, 0))

	retired := *list0
	retired.Status = ListStatusFull
	retired.ActiveBlocks = []byte{0x00}
	retired.FullBlocks = []byte{0x01}

	updatedSet := *set
	updatedSet.ActiveList = "list-1"
	updatedSet.NextListIndex = 2
	next := &ListRecord{ListID: "list-1", Key: key, Index: 1, Status: ListStatusActive,
		ActiveBlocks: []byte{0x01}, FullBlocks: []byte{0x00}}

	// Wrong list sequence: nothing changes
	err := st.Rollover(ctx, &retired, 7, &updatedSet, 1, next)
	assert.True(t, IsConflict(err))
	_, err = st.GetList(ctx, "list-1")
	assert.True(t, IsNotFound(err))
	gotSet, _ := st.GetListSet(ctx, key)
	assert.Equal(t, "list-0", gotSet.ActiveList)

	// Correct sequences: all three writes land
	require.NoError(t, st.Rollover(ctx, &retired, 1, &updatedSet, 1, next))
	gotList, err := st.GetList(ctx, "list-0")
	require.NoError(t, err)
	assert.Equal(t, ListStatusFull, gotList.Status)
	gotSet, err = st.GetListSet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "list-1", gotSet.ActiveList)
	_, err = st.GetList(ctx, "list-1")
	require.NoError(t, err)
}

func TestMemoryStore_SLCAndContexts(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.PutSLC(ctx, &SLCRecord{ListID: "list-1", Credential: []byte(`{}`), DataSequence: 3}, 0))
	rec, err := st.GetSLC(ctx, "list-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.DataSequence)

	err = st.PutSLC(ctx, rec, 5)
	assert.True(t, IsConflict(err))

	doc := &ContextDocument{TenantID: "tenant-1", ID: "https://example.com/ctx/v1", Document: []byte(`{"@context":{}}`)}
	require.NoError(t, st.PutContext(ctx, doc))
	got, err := st.GetContext(ctx, "tenant-1", "https://example.com/ctx/v1")
	require.NoError(t, err)
	assert.Equal(t, doc.Document, got.Document)

	docs, err := st.ListContexts(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestContentID(t *testing.T) {
	id1, err := ContentID([]byte(`{"a":1}`))
	require.NoError(t, err)
	id2, err := ContentID([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := ContentID([]byte(`{"a":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	require.NoError(t, ValidateContentID([]byte(`{"a":1}`), id1))
	assert.Error(t, ValidateContentID([]byte(`{"a":2}`), id1))

	_, err = ContentID(nil)
	assert.Error(t, err)
}

func TestMemorySnapshotArchive(t *testing.T) {
	archive := NewMemorySnapshotArchive()
	ctx := context.Background()

	id1, err := archive.Archive(ctx, "list-1", []byte(`{"v":1}`))
	require.NoError(t, err)
	id2, err := archive.Archive(ctx, "list-1", []byte(`{"v":2}`))
	require.NoError(t, err)

	// Re-archiving identical content is deduplicated
	id1again, err := archive.Archive(ctx, "list-1", []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, id1, id1again)

	snaps, err := archive.ListSnapshots(ctx, "list-1")
	require.NoError(t, err)
	assert.Equal(t, []string{id1, id2}, snaps)

	blob, err := archive.GetSnapshot(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":2}`), blob)
}
