package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

var ErrDocNotFound = errors.New("document not found")

// Document is one versioned unit of account-scoped state. Version is
// monotonic per (account_id, doc_id); no two accepted writes share one.
type Document struct {
	AccountID string `db:"account_id" json:"account_id"`
	DocID     string `db:"doc_id" json:"doc_id"`
	// Payload is raw JSON so it round-trips over the wire the same way
	// it arrived, never base64.
	Payload         json.RawMessage `db:"payload" json:"payload"`
	Version         int64           `db:"version" json:"version"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	UpdatedByDevice string          `db:"updated_by_device" json:"updated_by_device"`
}

// Event is one row of the append-only change log.
type Event struct {
	ID        int64           `db:"id" json:"-"`
	AccountID string          `db:"account_id" json:"account_id"`
	DocID     string          `db:"doc_id" json:"doc_id"`
	Version   int64           `db:"version" json:"version"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	DeviceID  string          `db:"device_id" json:"device_id"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ConflictError reports a lost version race, carrying what the store
// currently holds so the caller can merge and retry.
type ConflictError struct {
	CurrentVersion int64           `json:"current_version"`
	CurrentPayload json.RawMessage `json:"current_payload"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: store is at %d", e.CurrentVersion)
}

// Store provides manual-SQL data access to the document tables.
type Store struct {
	DB *DB
}

func New(db *DB) *Store {
	return &Store{DB: db}
}

func (s *Store) ensureDB() (*sqlx.DB, error) {
	if s == nil || s.DB == nil || s.DB.DB == nil {
		return nil, fmt.Errorf("nil db")
	}
	return s.DB.DB, nil
}

// GetDocument fetches the current state of one document.
func (s *Store) GetDocument(ctx context.Context, accountID, docID string) (*Document, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	stmt := s.DB.Rebind("SELECT account_id, doc_id, payload, version, updated_at, updated_by_device FROM documents WHERE account_id = ? AND doc_id = ?")
	var doc Document
	if err := db.GetContext(ctx, &doc, stmt, accountID, docID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// ListDocuments returns every document of an account, the full-resync
// path a device takes when its watermark is too old to trust.
func (s *Store) ListDocuments(ctx context.Context, accountID string) ([]Document, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	stmt := s.DB.Rebind("SELECT account_id, doc_id, payload, version, updated_at, updated_by_device FROM documents WHERE account_id = ? ORDER BY doc_id")
	var docs []Document
	if err := db.SelectContext(ctx, &docs, stmt, accountID); err != nil {
		return nil, err
	}
	return docs, nil
}

// SubmitWrite is the optimistic-concurrency write path. The write is
// accepted only when baseVersion equals the stored version (0 for a
// document that does not exist yet); otherwise *ConflictError is
// returned and nothing changes. Safe to retry with the same
// baseVersion after an unknown-outcome timeout: a retry of an already
// applied write simply loses the compare and reports the conflict.
func (s *Store) SubmitWrite(ctx context.Context, accountID, docID string, baseVersion int64, payload json.RawMessage, deviceID string) (*Document, error) {
	if _, err := s.ensureDB(); err != nil {
		return nil, err
	}
	tx, err := s.DB.BeginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := getDocumentTx(ctx, tx, s.DB, accountID, docID)
	if err != nil && !errors.Is(err, ErrDocNotFound) {
		return nil, err
	}

	currentVersion := int64(0)
	if current != nil {
		currentVersion = current.Version
	}
	if baseVersion != currentVersion {
		return nil, &ConflictError{CurrentVersion: currentVersion, CurrentPayload: currentPayload(current)}
	}

	doc := &Document{
		AccountID:       accountID,
		DocID:           docID,
		Payload:         payload,
		Version:         currentVersion + 1,
		UpdatedAt:       time.Now().UTC(),
		UpdatedByDevice: deviceID,
	}
	if err := upsertDocumentTx(ctx, tx, s.DB, doc); err != nil {
		return nil, err
	}
	if err := insertEventTx(ctx, tx, s.DB, doc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return doc, nil
}

// ForceWrite is the last-writer-wins path: it ignores the version
// compare and applies the payload only when updatedAt is newer than the
// stored row. The version still bumps so readers never observe a
// version reuse.
func (s *Store) ForceWrite(ctx context.Context, accountID, docID string, payload json.RawMessage, updatedAt time.Time, deviceID string) (*Document, error) {
	if _, err := s.ensureDB(); err != nil {
		return nil, err
	}
	tx, err := s.DB.BeginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := getDocumentTx(ctx, tx, s.DB, accountID, docID)
	if err != nil && !errors.Is(err, ErrDocNotFound) {
		return nil, err
	}
	if current != nil && !updatedAt.After(current.UpdatedAt) {
		// The stored write is newer; the caller's write loses.
		return current, tx.Commit()
	}

	version := int64(1)
	if current != nil {
		version = current.Version + 1
	}
	doc := &Document{
		AccountID:       accountID,
		DocID:           docID,
		Payload:         payload,
		Version:         version,
		UpdatedAt:       updatedAt.UTC(),
		UpdatedByDevice: deviceID,
	}
	if err := upsertDocumentTx(ctx, tx, s.DB, doc); err != nil {
		return nil, err
	}
	if err := insertEventTx(ctx, tx, s.DB, doc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return doc, nil
}

func currentPayload(doc *Document) json.RawMessage {
	if doc == nil {
		return nil
	}
	return doc.Payload
}

func getDocumentTx(ctx context.Context, tx *sqlx.Tx, db *DB, accountID, docID string) (*Document, error) {
	stmt := db.Rebind("SELECT account_id, doc_id, payload, version, updated_at, updated_by_device FROM documents WHERE account_id = ? AND doc_id = ?")
	var doc Document
	if err := tx.GetContext(ctx, &doc, stmt, accountID, docID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func upsertDocumentTx(ctx context.Context, tx *sqlx.Tx, db *DB, doc *Document) error {
	stmt := db.Rebind(`INSERT INTO documents(account_id, doc_id, payload, version, updated_at, updated_by_device)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, doc_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at,
			updated_by_device = excluded.updated_by_device`)
	_, err := tx.ExecContext(ctx, stmt, doc.AccountID, doc.DocID, doc.Payload, doc.Version, doc.UpdatedAt, doc.UpdatedByDevice)
	return err
}

func insertEventTx(ctx context.Context, tx *sqlx.Tx, db *DB, doc *Document) error {
	stmt := db.Rebind("INSERT INTO document_events(account_id, doc_id, version, payload, device_id, created_at) VALUES(?, ?, ?, ?, ?, ?)")
	_, err := tx.ExecContext(ctx, stmt, doc.AccountID, doc.DocID, doc.Version, doc.Payload, doc.UpdatedByDevice, doc.UpdatedAt)
	return err
}

// ReplayNewerThan emits, for every document of the account, its current
// state when the provided watermark is behind it. Documents absent from
// the watermark map replay unconditionally. Replaying latest state
// rather than each intermediate event keeps resume cheap and still
// honors the per-doc non-decreasing version contract.
func (s *Store) ReplayNewerThan(ctx context.Context, accountID string, watermarks map[string]int64) ([]Document, error) {
	docs, err := s.ListDocuments(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, doc := range docs {
		if seen, ok := watermarks[doc.DocID]; ok && doc.Version <= seen {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// EventsAfter pages the raw change log, used by tests and the sweeper.
func (s *Store) EventsAfter(ctx context.Context, accountID string, afterID int64, limit int) ([]Event, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	stmt := s.DB.Rebind("SELECT id, account_id, doc_id, version, payload, device_id, created_at FROM document_events WHERE account_id = ? AND id > ? ORDER BY id LIMIT ?")
	var events []Event
	if err := db.SelectContext(ctx, &events, stmt, accountID, afterID, limit); err != nil {
		return nil, err
	}
	return events, nil
}

// SetWatermark records the highest version a device acknowledged for a
// document.
func (s *Store) SetWatermark(ctx context.Context, accountID, deviceID, docID string, version int64) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind(`INSERT INTO device_watermarks(account_id, device_id, doc_id, version, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(account_id, device_id, doc_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version > device_watermarks.version`)
	_, err = db.ExecContext(ctx, stmt, accountID, deviceID, docID, version, time.Now().UTC())
	return err
}

// GetWatermarks loads a device's acknowledged versions per document.
func (s *Store) GetWatermarks(ctx context.Context, accountID, deviceID string) (map[string]int64, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	stmt := s.DB.Rebind("SELECT doc_id, version FROM device_watermarks WHERE account_id = ? AND device_id = ?")
	rows, err := db.QueryxContext(ctx, stmt, accountID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	watermarks := map[string]int64{}
	for rows.Next() {
		var docID string
		var version int64
		if err := rows.Scan(&docID, &version); err != nil {
			return nil, err
		}
		watermarks[docID] = version
	}
	return watermarks, rows.Err()
}

// SweepEvents trims change-log rows past the retention window. The
// documents table keeps latest state forever, so a trimmed log only
// forces older devices onto the full-resync path.
func (s *Store) SweepEvents(ctx context.Context, retention time.Duration) (int64, error) {
	db, err := s.ensureDB()
	if err != nil {
		return 0, err
	}
	stmt := s.DB.Rebind("DELETE FROM document_events WHERE created_at < ?")
	result, err := db.ExecContext(ctx, stmt, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
