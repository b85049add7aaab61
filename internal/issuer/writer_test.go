package issuer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/issuer/internal/statuslist"
	"github.com/ParichayaHQ/issuer/internal/vc"
)

func writerFixture(t *testing.T) (*fixture, *StatusListOption) {
	f := newFixture(t, time.Minute, nil)
	opt := &StatusListOption{
		Type:       statuslist.TypeBitstringStatusList,
		Purposes:   Purposes{statuslist.StatusPurposeRevocation},
		BlockSize:  8,
		BlockCount: 1,
		ListCount:  1,
	}
	return f, opt
}

func emptyCredential(t *testing.T) vc.Credential {
	cred, err := vc.ParseCredential([]byte(`{
		"@context": ["https://www.w3.org/2018/credentials/v1"],
		"type": ["VerifiableCredential"],
		"credentialSubject": {}
	}`))
	require.NoError(t, err)
	return cred
}

func TestCredentialStatusWriter_WriteEmbedsEntry(t *testing.T) {
	f, opt := writerFixture(t)
	w := NewCredentialStatusWriter(f.manager, "tenant-1", opt, statuslist.StatusPurposeRevocation, "n-1")
	cred := emptyCredential(t)

	require.NoError(t, w.Write(context.Background(), cred))
	require.NotNil(t, w.Reservation())

	entries := cred.StatusEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "revocation", entries[0]["statusPurpose"])

	// A second write on the same writer is a protocol violation
	err := w.Write(context.Background(), cred)
	require.Error(t, err)
}

func TestCredentialStatusWriter_FinishIdempotent(t *testing.T) {
	f, opt := writerFixture(t)
	ctx := context.Background()
	w := NewCredentialStatusWriter(f.manager, "tenant-1", opt, statuslist.StatusPurposeRevocation, "n-1")

	require.NoError(t, w.Write(ctx, emptyCredential(t)))
	require.NoError(t, w.Finish(ctx))
	require.NoError(t, w.Finish(ctx))

	// Cancel after finish must not release the committed position
	require.NoError(t, w.Cancel(ctx))

	res := w.Reservation()
	block, err := f.manager.Registry().ReadBlock(ctx, res.ListID, res.BlockID, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, block.AllocatedCount)
	assert.Empty(t, block.Pending)
}

func TestCredentialStatusWriter_CancelReleases(t *testing.T) {
	f, opt := writerFixture(t)
	ctx := context.Background()
	w := NewCredentialStatusWriter(f.manager, "tenant-1", opt, statuslist.StatusPurposeRevocation, "n-1")

	require.NoError(t, w.Write(ctx, emptyCredential(t)))
	res := w.Reservation()

	require.NoError(t, w.Cancel(ctx))
	require.NoError(t, w.Cancel(ctx))

	block, err := f.manager.Registry().ReadBlock(ctx, res.ListID, res.BlockID, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, block.AllocatedCount)
	assert.Empty(t, block.Pending)

	// Finish after cancel stays a no-op
	require.NoError(t, w.Finish(ctx))
	block, err = f.manager.Registry().ReadBlock(ctx, res.ListID, res.BlockID, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, block.AllocatedCount)
}
