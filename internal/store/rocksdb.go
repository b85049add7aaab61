//go:build rocksdb
// +build rocksdb

package store

import (
	"context"
	"strings"
	"sync"

	"github.com/linxGnu/grocksdb"
)

// RocksDBSnapshotArchive implements SnapshotArchive on RocksDB. Snapshots
// land in a blob column family keyed by CID; a second family indexes CIDs
// per list in insertion order.
type RocksDBSnapshotArchive struct {
	db   *grocksdb.DB
	opts *grocksdb.Options

	// Column families
	cfs map[string]*grocksdb.ColumnFamilyHandle

	// Read/write options
	readOpts  *grocksdb.ReadOptions
	writeOpts *grocksdb.WriteOptions

	// Internal state
	mu     sync.RWMutex
	closed bool
}

// Column family names
const (
	cfDefault = "default"
	cfBlobs   = "blobs"
	cfIndex   = "index"
)

const indexSeparator = "\x00"

// NewRocksDBSnapshotArchive opens (or creates) the archive at path
func NewRocksDBSnapshotArchive(path string) (*RocksDBSnapshotArchive, error) {
	a := &RocksDBSnapshotArchive{
		cfs: make(map[string]*grocksdb.ColumnFamilyHandle),
	}

	a.opts = grocksdb.NewDefaultOptions()
	a.opts.SetCreateIfMissing(true)
	a.opts.SetCreateIfMissingColumnFamilies(true)

	cfNames := []string{cfDefault, cfBlobs, cfIndex}
	cfOpts := make([]*grocksdb.Options, len(cfNames))
	for i := range cfNames {
		cfOpts[i] = grocksdb.NewDefaultOptions()
	}

	db, cfHandles, err := grocksdb.OpenDbColumnFamilies(a.opts, path, cfNames, cfOpts)
	if err != nil {
		return nil, ErrDatabase("open", err)
	}

	a.db = db
	for i, name := range cfNames {
		a.cfs[name] = cfHandles[i]
	}

	a.readOpts = grocksdb.NewDefaultReadOptions()
	a.writeOpts = grocksdb.NewDefaultWriteOptions()

	return a, nil
}

// Archive implements SnapshotArchive.Archive
func (a *RocksDBSnapshotArchive) Archive(ctx context.Context, listID string, slc []byte) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return "", ErrClosed
	}

	id, err := ContentID(slc)
	if err != nil {
		return "", err
	}

	existing, err := a.db.GetCF(a.readOpts, a.cfs[cfBlobs], []byte(id))
	if err != nil {
		return "", ErrDatabase("archive", err)
	}
	defer existing.Free()
	if existing.Exists() {
		return id, nil
	}

	if err := a.db.PutCF(a.writeOpts, a.cfs[cfBlobs], []byte(id), slc); err != nil {
		return "", ErrDatabase("archive", err)
	}

	// Append the CID to the per-list index
	indexKey := []byte(listID)
	slice, err := a.db.GetCF(a.readOpts, a.cfs[cfIndex], indexKey)
	if err != nil {
		return "", ErrDatabase("archive", err)
	}
	var entries string
	if slice.Exists() {
		entries = string(slice.Data())
	}
	slice.Free()

	if entries == "" {
		entries = id
	} else {
		entries = entries + indexSeparator + id
	}
	if err := a.db.PutCF(a.writeOpts, a.cfs[cfIndex], indexKey, []byte(entries)); err != nil {
		return "", ErrDatabase("archive", err)
	}

	return id, nil
}

// GetSnapshot implements SnapshotArchive.GetSnapshot
func (a *RocksDBSnapshotArchive) GetSnapshot(ctx context.Context, cid string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}

	slice, err := a.db.GetCF(a.readOpts, a.cfs[cfBlobs], []byte(cid))
	if err != nil {
		return nil, ErrDatabase("getSnapshot", err)
	}
	defer slice.Free()

	if !slice.Exists() {
		return nil, &StoreError{Op: "get", Err: ErrNotFound, Key: cid}
	}

	out := make([]byte, len(slice.Data()))
	copy(out, slice.Data())
	return out, nil
}

// ListSnapshots implements SnapshotArchive.ListSnapshots
func (a *RocksDBSnapshotArchive) ListSnapshots(ctx context.Context, listID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}

	slice, err := a.db.GetCF(a.readOpts, a.cfs[cfIndex], []byte(listID))
	if err != nil {
		return nil, ErrDatabase("listSnapshots", err)
	}
	defer slice.Free()

	if !slice.Exists() || len(slice.Data()) == 0 {
		return nil, nil
	}
	return strings.Split(string(slice.Data()), indexSeparator), nil
}

// Close implements SnapshotArchive.Close
func (a *RocksDBSnapshotArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	for _, cf := range a.cfs {
		cf.Destroy()
	}
	a.readOpts.Destroy()
	a.writeOpts.Destroy()
	a.db.Close()
	a.opts.Destroy()
	return nil
}
