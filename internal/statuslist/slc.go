package statuslist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ParichayaHQ/issuer/internal/logging"
	"github.com/ParichayaHQ/issuer/internal/store"
)

// SLCSigner produces the signed form of a status list credential for one
// tenant. The updater never interprets the signed bytes.
type SLCSigner interface {
	// Issuer is the controller identity written into the SLC
	Issuer() string

	// SignStatusCredential signs an unsigned SLC body
	SignStatusCredential(ctx context.Context, unsigned []byte) ([]byte, error)
}

// StatusClient publishes refreshed SLCs to the external status service
type StatusClient interface {
	Publish(ctx context.Context, listID string, slc []byte) error
}

// NoopStatusClient is used when no external status service is configured
type NoopStatusClient struct{}

// Publish implements StatusClient.Publish
func (NoopStatusClient) Publish(ctx context.Context, listID string, slc []byte) error {
	return nil
}

// defaultCacheSize bounds the in-process SLC cache
const defaultCacheSize = 256

type cachedSLC struct {
	data         []byte
	dataSequence int64
}

// StatusUpdater flips status bits and regenerates signed SLCs lazily: a
// signed SLC is rebuilt when its data sequence falls behind the bitmap, or
// on explicit refresh. Concurrent regeneration converges; later-sequence
// writes lose.
type StatusUpdater struct {
	registry *Registry
	slcs     store.SLCStore
	archive  store.SnapshotArchive
	client   StatusClient
	cache    *lru.Cache[string, cachedSLC]
	logger   *logging.Logger
}

// NewStatusUpdater creates a status updater. archive may be nil when no
// snapshot archive is configured; client defaults to a no-op.
func NewStatusUpdater(registry *Registry, slcs store.SLCStore, archive store.SnapshotArchive,
	client StatusClient, logger *logging.Logger) *StatusUpdater {
	if client == nil {
		client = NoopStatusClient{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	cache, _ := lru.New[string, cachedSLC](defaultCacheSize)
	return &StatusUpdater{
		registry: registry,
		slcs:     slcs,
		archive:  archive,
		client:   client,
		cache:    cache,
		logger:   logger.WithComponent("statuslist.updater"),
	}
}

// SetStatus flips one status bit under optimistic concurrency control
func (u *StatusUpdater) SetStatus(ctx context.Context, listID string, listLength, index int, value bool) error {
	if index < 0 || index >= listLength {
		return NewStatusListError(ErrorInvalidIndex, "status index out of range")
	}

	op := func() error {
		rec, err := u.registry.ReadStatusBits(ctx, listID, listLength)
		if err != nil {
			return backoff.Permanent(err)
		}

		bitmap := FromBytes(rec.Bitmap, listLength)
		if err := bitmap.Set(index, value); err != nil {
			return backoff.Permanent(err)
		}
		rec.Bitmap = bitmap.Bytes()

		if err := u.registry.WriteStatusBits(ctx, rec, rec.Sequence); err != nil {
			if store.IsConflict(err) || store.IsExists(err) {
				return err // retry
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		if store.IsConflict(err) || store.IsExists(err) {
			return NewStatusListErrorWithDetails(ErrorConflict, "status update retries exhausted", err.Error())
		}
		return err
	}

	u.cache.Remove(listID)
	return nil
}

// GetStatus reads one status bit
func (u *StatusUpdater) GetStatus(ctx context.Context, listID string, listLength, index int) (bool, error) {
	rec, err := u.registry.ReadStatusBits(ctx, listID, listLength)
	if err != nil {
		return false, err
	}
	return FromBytes(rec.Bitmap, listLength).Get(index)
}

// Refresh returns the signed SLC for listID, regenerating it when the
// bitmap sequence is ahead of the signed form or force is set.
func (u *StatusUpdater) Refresh(ctx context.Context, listID string, signer SLCSigner, force bool) ([]byte, error) {
	list, err := u.registry.ReadList(ctx, listID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, NewStatusListError(ErrorListNotFound, "unknown status list")
		}
		return nil, err
	}

	set, err := u.registry.GetSet(ctx, list.Key)
	if err != nil {
		return nil, err
	}
	listLength := set.BlockSize * set.BlockCount

	bits, err := u.registry.ReadStatusBits(ctx, listID, listLength)
	if err != nil {
		return nil, err
	}

	if !force {
		if cached, ok := u.cache.Get(listID); ok && cached.dataSequence >= bits.Sequence {
			return cached.data, nil
		}
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := u.slcs.GetSLC(ctx, listID)
		var currentSeq int64
		switch {
		case err == nil:
			currentSeq = current.Sequence
			if !force && current.DataSequence >= bits.Sequence {
				u.cache.Add(listID, cachedSLC{data: current.Credential, dataSequence: current.DataSequence})
				return current.Credential, nil
			}
		case store.IsNotFound(err):
			// First regeneration for this list
		default:
			return nil, err
		}

		signed, err := u.regenerate(ctx, list, StatusPurpose(list.Key.Purpose), ListType(list.Key.Type),
			bits, listLength, signer)
		if err != nil {
			return nil, err
		}

		rec := &store.SLCRecord{
			ListID:       listID,
			Credential:   signed,
			DataSequence: bits.Sequence,
			UpdatedAt:    time.Now().UTC(),
		}
		err = u.slcs.PutSLC(ctx, rec, currentSeq)
		if err == nil {
			u.cache.Add(listID, cachedSLC{data: signed, dataSequence: bits.Sequence})
			u.afterPublish(ctx, listID, signed)
			return signed, nil
		}
		if !store.IsConflict(err) && !store.IsExists(err) {
			return nil, err
		}

		// A concurrent regeneration won; accept it when it is at least as
		// fresh as the bitmap we read.
		stored, gerr := u.slcs.GetSLC(ctx, listID)
		if gerr == nil && stored.DataSequence >= bits.Sequence {
			u.cache.Add(listID, cachedSLC{data: stored.Credential, dataSequence: stored.DataSequence})
			return stored.Credential, nil
		}
	}

	return nil, NewStatusListError(ErrorConflict, "status list refresh retries exhausted")
}

// regenerate builds the unsigned SLC from the current bitmap and asks the
// tenant signer for the signed form
func (u *StatusUpdater) regenerate(ctx context.Context, list *store.ListRecord, purpose StatusPurpose,
	listType ListType, bits *store.StatusBitsRecord, listLength int, signer SLCSigner) ([]byte, error) {

	encoded, err := FromBytes(bits.Bitmap, listLength).EncodedList(listType)
	if err != nil {
		return nil, err
	}

	unsigned, err := buildUnsignedSLC(list.ListID, signer.Issuer(), purpose, listType, encoded)
	if err != nil {
		return nil, err
	}

	signed, err := signer.SignStatusCredential(ctx, unsigned)
	if err != nil {
		return nil, NewStatusListErrorWithDetails(ErrorSigningError, "failed to sign status list credential", err.Error())
	}
	return signed, nil
}

func (u *StatusUpdater) afterPublish(ctx context.Context, listID string, signed []byte) {
	if u.archive != nil {
		if _, err := u.archive.Archive(ctx, listID, signed); err != nil {
			u.logger.Warn("failed to archive SLC snapshot", map[string]interface{}{
				"list":  listID,
				"error": err.Error(),
			})
		}
	}
	if err := u.client.Publish(ctx, listID, signed); err != nil {
		u.logger.Warn("failed to publish SLC", map[string]interface{}{
			"list":  listID,
			"error": err.Error(),
		})
	}
}

// buildUnsignedSLC renders the unsigned status list credential in the
// shape its list type dictates
func buildUnsignedSLC(listID, issuer string, purpose StatusPurpose, listType ListType, encodedList string) ([]byte, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var body map[string]interface{}
	switch listType {
	case TypeBitstringStatusList, TypeTerseBitstringStatusList:
		body = map[string]interface{}{
			"@context":  []string{"https://www.w3.org/ns/credentials/v2"},
			"id":        listID,
			"type":      []string{"VerifiableCredential", "BitstringStatusListCredential"},
			"issuer":    issuer,
			"validFrom": now,
			"credentialSubject": map[string]interface{}{
				"id":            listID + "#list",
				"type":          "BitstringStatusList",
				"statusPurpose": string(purpose),
				"encodedList":   encodedList,
			},
		}
	case TypeStatusList2021:
		body = map[string]interface{}{
			"@context": []string{
				"https://www.w3.org/2018/credentials/v1",
				"https://w3id.org/vc/status-list/2021/v1",
			},
			"id":           listID,
			"type":         []string{"VerifiableCredential", "StatusList2021Credential"},
			"issuer":       issuer,
			"issuanceDate": now,
			"credentialSubject": map[string]interface{}{
				"id":            listID + "#list",
				"type":          "StatusList2021",
				"statusPurpose": string(purpose),
				"encodedList":   encodedList,
			},
		}
	case TypeRevocationList2020:
		body = map[string]interface{}{
			"@context": []string{
				"https://www.w3.org/2018/credentials/v1",
				"https://w3id.org/vc-revocation-list-2020/v1",
			},
			"id":           listID,
			"type":         []string{"VerifiableCredential", "RevocationList2020Credential"},
			"issuer":       issuer,
			"issuanceDate": now,
			"credentialSubject": map[string]interface{}{
				"id":          listID + "#list",
				"type":        "RevocationList2020",
				"encodedList": encodedList,
			},
		}
	default:
		return nil, NewStatusListError(ErrorInvalidType, "unknown status list type")
	}

	return json.Marshal(body)
}
