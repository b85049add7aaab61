package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database.
// Optimistic concurrency is carried by an integer sequence column; writes
// update rows conditioned on the expected sequence and treat zero affected
// rows as a concurrent modification.
type SQLiteStore struct {
	db *sql.DB

	// Internal state
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the issuer database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite serializes writers; one connection avoids busy errors under
	// the CAS retry loops above this layer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return store, nil
}

// initSchema creates the necessary tables
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS list_sets (
			tenant_id TEXT,
			purpose TEXT,
			list_type TEXT,
			index_allocator TEXT,
			block_size INTEGER,
			block_count INTEGER,
			list_count INTEGER,
			active_list TEXT,
			next_list_index INTEGER,
			created_at DATETIME,
			sequence INTEGER,
			PRIMARY KEY (tenant_id, purpose, list_type)
		);

		CREATE TABLE IF NOT EXISTS lists (
			list_id TEXT PRIMARY KEY,
			tenant_id TEXT,
			purpose TEXT,
			list_type TEXT,
			list_index INTEGER,
			status TEXT,
			active_blocks BLOB,
			full_blocks BLOB,
			created_at DATETIME,
			sequence INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_lists_set ON lists(tenant_id, purpose, list_type);

		CREATE TABLE IF NOT EXISTS blocks (
			list_id TEXT,
			block_id INTEGER,
			allocated_count INTEGER,
			bitmap BLOB,
			pending TEXT,
			sequence INTEGER,
			PRIMARY KEY (list_id, block_id)
		);

		CREATE TABLE IF NOT EXISTS status_bits (
			list_id TEXT PRIMARY KEY,
			bitmap BLOB,
			sequence INTEGER
		);

		CREATE TABLE IF NOT EXISTS credentials (
			tenant_id TEXT,
			credential_id TEXT,
			alias_id TEXT,
			body BLOB,
			cid TEXT,
			status_entries TEXT,
			created_at DATETIME,
			PRIMARY KEY (tenant_id, credential_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_alias
			ON credentials(tenant_id, alias_id) WHERE alias_id != '';

		CREATE TABLE IF NOT EXISTS credential_status_refs (
			list_id TEXT,
			list_index INTEGER,
			tenant_id TEXT,
			credential_id TEXT,
			PRIMARY KEY (list_id, list_index)
		);

		CREATE TABLE IF NOT EXISTS slcs (
			list_id TEXT PRIMARY KEY,
			credential BLOB,
			data_sequence INTEGER,
			updated_at DATETIME,
			sequence INTEGER
		);

		CREATE TABLE IF NOT EXISTS contexts (
			tenant_id TEXT,
			context_id TEXT,
			document BLOB,
			created_at DATETIME,
			PRIMARY KEY (tenant_id, context_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// casUpdate runs an UPDATE carrying a "sequence = ?" guard and maps zero
// affected rows to ErrConcurrentModification.
func (s *SQLiteStore) casUpdate(ctx context.Context, op string, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ErrDatabase(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ErrDatabase(op, err)
	}
	if n == 0 {
		return &StoreError{Op: op, Err: ErrConcurrentModification}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// GetListSet implements ListStore.GetListSet
func (s *SQLiteStore) GetListSet(ctx context.Context, key ListSetKey) (*ListSetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT index_allocator, block_size, block_count, list_count, active_list,
		next_list_index, created_at, sequence
		FROM list_sets WHERE tenant_id = ? AND purpose = ? AND list_type = ?`

	rec := &ListSetRecord{Key: key}
	err := s.db.QueryRowContext(ctx, query, key.TenantID, key.Purpose, key.Type).Scan(
		&rec.IndexAllocator,
		&rec.BlockSize,
		&rec.BlockCount,
		&rec.ListCount,
		&rec.ActiveList,
		&rec.NextListIndex,
		&rec.CreatedAt,
		&rec.Sequence,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "get", Err: ErrNotFound, TenantID: key.TenantID}
		}
		return nil, ErrDatabase("getListSet", err)
	}
	return rec, nil
}

// PutListSet implements ListStore.PutListSet
func (s *SQLiteStore) PutListSet(ctx context.Context, rec *ListSetRecord, expectSequence int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if expectSequence == 0 {
		query := `INSERT INTO list_sets (tenant_id, purpose, list_type, index_allocator,
			block_size, block_count, list_count, active_list, next_list_index, created_at, sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
		_, err := s.db.ExecContext(ctx, query,
			rec.Key.TenantID, rec.Key.Purpose, rec.Key.Type, rec.IndexAllocator,
			rec.BlockSize, rec.BlockCount, rec.ListCount, rec.ActiveList,
			rec.NextListIndex, rec.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &StoreError{Op: "putListSet", Err: ErrExists, TenantID: rec.Key.TenantID}
			}
			return ErrDatabase("putListSet", err)
		}
		return nil
	}

	query := `UPDATE list_sets SET index_allocator = ?, block_size = ?, block_count = ?,
		list_count = ?, active_list = ?, next_list_index = ?, sequence = ?
		WHERE tenant_id = ? AND purpose = ? AND list_type = ? AND sequence = ?`
	return s.casUpdate(ctx, "putListSet", query,
		rec.IndexAllocator, rec.BlockSize, rec.BlockCount, rec.ListCount,
		rec.ActiveList, rec.NextListIndex, expectSequence+1,
		rec.Key.TenantID, rec.Key.Purpose, rec.Key.Type, expectSequence)
}

func scanList(row interface{ Scan(...interface{}) error }) (*ListRecord, error) {
	rec := &ListRecord{}
	err := row.Scan(
		&rec.ListID,
		&rec.Key.TenantID,
		&rec.Key.Purpose,
		&rec.Key.Type,
		&rec.Index,
		&rec.Status,
		&rec.ActiveBlocks,
		&rec.FullBlocks,
		&rec.CreatedAt,
		&rec.Sequence,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

const listColumns = `list_id, tenant_id, purpose, list_type, list_index, status,
	active_blocks, full_blocks, created_at, sequence`

// GetList implements ListStore.GetList
func (s *SQLiteStore) GetList(ctx context.Context, listID string) (*ListRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, err := scanList(s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM lists WHERE list_id = ?`, listID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFoundList(listID)
		}
		return nil, ErrDatabase("getList", err)
	}
	return rec, nil
}

// PutList implements ListStore.PutList
func (s *SQLiteStore) PutList(ctx context.Context, rec *ListRecord, expectSequence int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if expectSequence == 0 {
		query := `INSERT INTO lists (` + listColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
		_, err := s.db.ExecContext(ctx, query,
			rec.ListID, rec.Key.TenantID, rec.Key.Purpose, rec.Key.Type,
			rec.Index, rec.Status, rec.ActiveBlocks, rec.FullBlocks, rec.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &StoreError{Op: "putList", Err: ErrExists, ListID: rec.ListID}
			}
			return ErrDatabase("putList", err)
		}
		return nil
	}

	query := `UPDATE lists SET status = ?, active_blocks = ?, full_blocks = ?, sequence = ?
		WHERE list_id = ? AND sequence = ?`
	return s.casUpdate(ctx, "putList", query,
		rec.Status, rec.ActiveBlocks, rec.FullBlocks, expectSequence+1,
		rec.ListID, expectSequence)
}

// ListLists implements ListStore.ListLists
func (s *SQLiteStore) ListLists(ctx context.Context, key ListSetKey) ([]*ListRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listColumns+` FROM lists
		WHERE tenant_id = ? AND purpose = ? AND list_type = ? ORDER BY list_index`,
		key.TenantID, key.Purpose, key.Type)
	if err != nil {
		return nil, ErrDatabase("listLists", err)
	}
	defer rows.Close()

	var result []*ListRecord
	for rows.Next() {
		rec, err := scanList(rows)
		if err != nil {
			return nil, ErrDatabase("listLists", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// GetBlock implements ListStore.GetBlock
func (s *SQLiteStore) GetBlock(ctx context.Context, listID string, blockID int) (*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec := &BlockRecord{ListID: listID, BlockID: blockID}
	var pendingJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT allocated_count, bitmap, pending, sequence FROM blocks
		WHERE list_id = ? AND block_id = ?`, listID, blockID).Scan(
		&rec.AllocatedCount,
		&rec.Bitmap,
		&pendingJSON,
		&rec.Sequence,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "get", Err: ErrNotFound, ListID: listID}
		}
		return nil, ErrDatabase("getBlock", err)
	}

	if pendingJSON != "" {
		if err := json.Unmarshal([]byte(pendingJSON), &rec.Pending); err != nil {
			return nil, ErrDatabase("getBlock", err)
		}
	}
	return rec, nil
}

// PutBlock implements ListStore.PutBlock
func (s *SQLiteStore) PutBlock(ctx context.Context, rec *BlockRecord, expectSequence int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	pendingJSON := ""
	if len(rec.Pending) > 0 {
		data, err := json.Marshal(rec.Pending)
		if err != nil {
			return ErrDatabase("putBlock", err)
		}
		pendingJSON = string(data)
	}

	if expectSequence == 0 {
		query := `INSERT INTO blocks (list_id, block_id, allocated_count, bitmap, pending, sequence)
			VALUES (?, ?, ?, ?, ?, 1)`
		_, err := s.db.ExecContext(ctx, query,
			rec.ListID, rec.BlockID, rec.AllocatedCount, rec.Bitmap, pendingJSON)
		if err != nil {
			if isUniqueViolation(err) {
				return &StoreError{Op: "putBlock", Err: ErrExists, ListID: rec.ListID}
			}
			return ErrDatabase("putBlock", err)
		}
		return nil
	}

	query := `UPDATE blocks SET allocated_count = ?, bitmap = ?, pending = ?, sequence = ?
		WHERE list_id = ? AND block_id = ? AND sequence = ?`
	return s.casUpdate(ctx, "putBlock", query,
		rec.AllocatedCount, rec.Bitmap, pendingJSON, expectSequence+1,
		rec.ListID, rec.BlockID, expectSequence)
}

// GetStatusBits implements ListStore.GetStatusBits
func (s *SQLiteStore) GetStatusBits(ctx context.Context, listID string) (*StatusBitsRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec := &StatusBitsRecord{ListID: listID}
	err := s.db.QueryRowContext(ctx,
		`SELECT bitmap, sequence FROM status_bits WHERE list_id = ?`, listID).Scan(
		&rec.Bitmap, &rec.Sequence)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFoundList(listID)
		}
		return nil, ErrDatabase("getStatusBits", err)
	}
	return rec, nil
}

// PutStatusBits implements ListStore.PutStatusBits
func (s *SQLiteStore) PutStatusBits(ctx context.Context, rec *StatusBitsRecord, expectSequence int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if expectSequence == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO status_bits (list_id, bitmap, sequence) VALUES (?, ?, 1)`,
			rec.ListID, rec.Bitmap)
		if err != nil {
			if isUniqueViolation(err) {
				return &StoreError{Op: "putStatusBits", Err: ErrExists, ListID: rec.ListID}
			}
			return ErrDatabase("putStatusBits", err)
		}
		return nil
	}

	return s.casUpdate(ctx, "putStatusBits",
		`UPDATE status_bits SET bitmap = ?, sequence = ? WHERE list_id = ? AND sequence = ?`,
		rec.Bitmap, expectSequence+1, rec.ListID, expectSequence)
}

// Rollover implements ListStore.Rollover
func (s *SQLiteStore) Rollover(ctx context.Context, fullList *ListRecord, expectListSeq int64,
	set *ListSetRecord, expectSetSeq int64, newList *ListRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrDatabase("rollover", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE lists SET status = ?, active_blocks = ?, full_blocks = ?, sequence = ?
		WHERE list_id = ? AND sequence = ?`,
		fullList.Status, fullList.ActiveBlocks, fullList.FullBlocks, expectListSeq+1,
		fullList.ListID, expectListSeq)
	if err != nil {
		return ErrDatabase("rollover", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict("rollover", fullList.ListID)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE list_sets SET active_list = ?, next_list_index = ?, sequence = ?
		WHERE tenant_id = ? AND purpose = ? AND list_type = ? AND sequence = ?`,
		set.ActiveList, set.NextListIndex, expectSetSeq+1,
		set.Key.TenantID, set.Key.Purpose, set.Key.Type, expectSetSeq)
	if err != nil {
		return ErrDatabase("rollover", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict("rollover", fullList.ListID)
	}

	if newList != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO lists (`+listColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			newList.ListID, newList.Key.TenantID, newList.Key.Purpose, newList.Key.Type,
			newList.Index, newList.Status, newList.ActiveBlocks, newList.FullBlocks,
			newList.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &StoreError{Op: "rollover", Err: ErrExists, ListID: newList.ListID}
			}
			return ErrDatabase("rollover", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ErrDatabase("rollover", err)
	}
	return nil
}

// InsertCredential implements CredentialStore.InsertCredential
func (s *SQLiteStore) InsertCredential(ctx context.Context, rec *CredentialRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	entriesJSON := ""
	if len(rec.StatusEntries) > 0 {
		data, err := json.Marshal(rec.StatusEntries)
		if err != nil {
			return ErrDatabase("insertCredential", err)
		}
		entriesJSON = string(data)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrDatabase("insertCredential", err)
	}
	defer tx.Rollback()

	// Primary ids and aliases share one uniqueness namespace per tenant;
	// the unique indices alone cannot catch an alias colliding with an
	// existing primary id.
	var clashes int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE tenant_id = ?
		AND (credential_id IN (?, ?) OR (alias_id != '' AND alias_id IN (?, ?)))`,
		rec.TenantID, rec.CredentialID, rec.AliasID, rec.CredentialID, rec.AliasID).Scan(&clashes)
	if err != nil {
		return ErrDatabase("insertCredential", err)
	}
	if clashes > 0 {
		return ErrDuplicateCredential(rec.TenantID, rec.CredentialID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, credential_id, alias_id, body, cid, status_entries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.CredentialID, rec.AliasID, rec.Body, rec.CID, entriesJSON, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCredential(rec.TenantID, rec.CredentialID)
		}
		return ErrDatabase("insertCredential", err)
	}

	for _, ref := range rec.StatusEntries {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credential_status_refs (list_id, list_index, tenant_id, credential_id)
			VALUES (?, ?, ?, ?)`,
			ref.ListID, ref.Index, rec.TenantID, rec.CredentialID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateCredential(rec.TenantID, rec.CredentialID)
			}
			return ErrDatabase("insertCredential", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ErrDatabase("insertCredential", err)
	}
	return nil
}

func (s *SQLiteStore) scanCredential(ctx context.Context, query string, args ...interface{}) (*CredentialRecord, error) {
	rec := &CredentialRecord{}
	var entriesJSON string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.TenantID,
		&rec.CredentialID,
		&rec.AliasID,
		&rec.Body,
		&rec.CID,
		&entriesJSON,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if entriesJSON != "" {
		if err := json.Unmarshal([]byte(entriesJSON), &rec.StatusEntries); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

const credentialColumns = `tenant_id, credential_id, alias_id, body, cid, status_entries, created_at`

// GetCredential implements CredentialStore.GetCredential
func (s *SQLiteStore) GetCredential(ctx context.Context, tenantID, credentialID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, err := s.scanCredential(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		WHERE tenant_id = ? AND (credential_id = ? OR alias_id = ?)`,
		tenantID, credentialID, credentialID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFoundCredential(tenantID, credentialID)
		}
		return nil, ErrDatabase("getCredential", err)
	}
	return rec, nil
}

// FindCredentialByStatusRef implements CredentialStore.FindCredentialByStatusRef
func (s *SQLiteStore) FindCredentialByStatusRef(ctx context.Context, listID string, index int) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var tenantID, credentialID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, credential_id FROM credential_status_refs
		WHERE list_id = ? AND list_index = ?`, listID, index).Scan(&tenantID, &credentialID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "find", Err: ErrNotFound, ListID: listID}
		}
		return nil, ErrDatabase("findCredentialByStatusRef", err)
	}

	rec, err := s.scanCredential(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE tenant_id = ? AND credential_id = ?`,
		tenantID, credentialID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "find", Err: ErrNotFound, ListID: listID}
		}
		return nil, ErrDatabase("findCredentialByStatusRef", err)
	}
	return rec, nil
}

// GetSLC implements SLCStore.GetSLC
func (s *SQLiteStore) GetSLC(ctx context.Context, listID string) (*SLCRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec := &SLCRecord{ListID: listID}
	err := s.db.QueryRowContext(ctx,
		`SELECT credential, data_sequence, updated_at, sequence FROM slcs WHERE list_id = ?`,
		listID).Scan(&rec.Credential, &rec.DataSequence, &rec.UpdatedAt, &rec.Sequence)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFoundList(listID)
		}
		return nil, ErrDatabase("getSLC", err)
	}
	return rec, nil
}

// PutSLC implements SLCStore.PutSLC
func (s *SQLiteStore) PutSLC(ctx context.Context, rec *SLCRecord, expectSequence int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if expectSequence == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO slcs (list_id, credential, data_sequence, updated_at, sequence)
			VALUES (?, ?, ?, ?, 1)`,
			rec.ListID, rec.Credential, rec.DataSequence, updatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &StoreError{Op: "putSLC", Err: ErrExists, ListID: rec.ListID}
			}
			return ErrDatabase("putSLC", err)
		}
		return nil
	}

	return s.casUpdate(ctx, "putSLC",
		`UPDATE slcs SET credential = ?, data_sequence = ?, updated_at = ?, sequence = ?
		WHERE list_id = ? AND sequence = ?`,
		rec.Credential, rec.DataSequence, updatedAt, expectSequence+1,
		rec.ListID, expectSequence)
}

// PutContext implements ContextStore.PutContext
func (s *SQLiteStore) PutContext(ctx context.Context, doc *ContextDocument) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contexts (tenant_id, context_id, document, created_at)
		VALUES (?, ?, ?, ?)`,
		doc.TenantID, doc.ID, doc.Document, createdAt)
	if err != nil {
		return ErrDatabase("putContext", err)
	}
	return nil
}

// GetContext implements ContextStore.GetContext
func (s *SQLiteStore) GetContext(ctx context.Context, tenantID, id string) (*ContextDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	doc := &ContextDocument{TenantID: tenantID, ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT document, created_at FROM contexts WHERE tenant_id = ? AND context_id = ?`,
		tenantID, id).Scan(&doc.Document, &doc.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "get", Err: ErrNotFound, TenantID: tenantID, Key: id}
		}
		return nil, ErrDatabase("getContext", err)
	}
	return doc, nil
}

// ListContexts implements ContextStore.ListContexts
func (s *SQLiteStore) ListContexts(ctx context.Context, tenantID string) ([]*ContextDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, document, created_at FROM contexts WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, ErrDatabase("listContexts", err)
	}
	defer rows.Close()

	var result []*ContextDocument
	for rows.Next() {
		doc := &ContextDocument{TenantID: tenantID}
		if err := rows.Scan(&doc.ID, &doc.Document, &doc.CreatedAt); err != nil {
			return nil, ErrDatabase("listContexts", err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

// Close implements Store.Close
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
