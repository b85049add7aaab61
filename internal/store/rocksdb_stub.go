//go:build !rocksdb
// +build !rocksdb

package store

import (
	"context"
	"fmt"
)

// RocksDBSnapshotArchive stub implementation when RocksDB is disabled
type RocksDBSnapshotArchive struct{}

func NewRocksDBSnapshotArchive(path string) (*RocksDBSnapshotArchive, error) {
	return nil, fmt.Errorf("RocksDB support not compiled in - use build tag 'rocksdb' to enable")
}

func (a *RocksDBSnapshotArchive) Archive(ctx context.Context, listID string, slc []byte) (string, error) {
	return "", fmt.Errorf("RocksDB not available")
}

func (a *RocksDBSnapshotArchive) GetSnapshot(ctx context.Context, cid string) ([]byte, error) {
	return nil, fmt.Errorf("RocksDB not available")
}

func (a *RocksDBSnapshotArchive) ListSnapshots(ctx context.Context, listID string) ([]string, error) {
	return nil, fmt.Errorf("RocksDB not available")
}

func (a *RocksDBSnapshotArchive) Close() error {
	return nil
}
