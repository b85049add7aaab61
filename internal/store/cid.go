package store

import (
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ContentID computes the CID of a stored payload. Credential bodies are
// content-addressed so the round-trip guarantee (fetched bytes equal issued
// bytes) is checkable without comparing full payloads.
func ContentID(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("cannot generate CID from empty data")
	}

	hash := sha256.Sum256(data)

	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("failed to create multihash: %w", err)
	}

	c := cid.NewCidV1(cid.DagJSON, mh)
	return c.String(), nil
}

// ValidateContentID checks data against an expected CID
func ValidateContentID(data []byte, expected string) error {
	actual, err := ContentID(data)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("content mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
