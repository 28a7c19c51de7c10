package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is one archived upstream response. Bodies are stored
// gzip-compressed and deduplicated by content hash, so an unchanged
// response refetched by the refresh loop costs one row, not many.
// Open-Meteo revises recent days, which makes the archive the only
// record of what a feed said at the time.
type RawPayload struct {
	ID                int64
	IngestRunID       sql.NullInt64
	FetchedAt         time.Time
	Source            string // "openmeteo" or "gsod"
	Endpoint          string
	Location          string
	PayloadCompressed []byte
	PayloadHash       string
	SchemaVersion     int
}

// StoreRawPayload archives one response body. runID 0 means the ingest
// run record could not be created; the payload is kept anyway. Returns
// 0 when the identical payload was already archived.
func (s *Store) StoreRawPayload(runID int64, source, endpoint, location string, payload []byte) (int64, error) {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	sum := sha256.Sum256(payload)

	var run sql.NullInt64
	if runID != 0 {
		run = sql.NullInt64{Int64: runID, Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO raw_payloads
			(ingest_run_id, fetched_at, source, endpoint, location,
			 payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(payload_hash) DO NOTHING`,
		run, time.Now().UTC(), source, endpoint, location,
		compressed, hex.EncodeToString(sum[:]))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// GetRawPayload returns the decompressed body of one archived response.
func (s *Store) GetRawPayload(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(
		`SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id,
	).Scan(&compressed)
	if err != nil {
		return nil, err
	}
	return gunzipBytes(compressed)
}

// GetRawPayloadByHash looks an archived response up by content hash,
// returning nil when the hash is unknown.
func (s *Store) GetRawPayloadByHash(hash string) (*RawPayload, error) {
	var p RawPayload
	err := s.db.QueryRow(`
		SELECT id, ingest_run_id, fetched_at, source, endpoint, location,
		       payload_compressed, payload_hash, schema_version
		FROM raw_payloads
		WHERE payload_hash = ?`, hash,
	).Scan(&p.ID, &p.IngestRunID, &p.FetchedAt, &p.Source, &p.Endpoint,
		&p.Location, &p.PayloadCompressed, &p.PayloadHash, &p.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RawPayloadStats summarizes the archive for the status API.
type RawPayloadStats struct {
	TotalCount      int
	TotalSizeBytes  int64
	OldestFetchedAt time.Time
	NewestFetchedAt time.Time
	CountBySource   map[string]int
}

// GetRawPayloadStats aggregates per source and folds the totals in Go.
// An empty archive yields zero counts and zero times.
func (s *Store) GetRawPayloadStats() (*RawPayloadStats, error) {
	rows, err := s.db.Query(`
		SELECT source, COUNT(*), SUM(LENGTH(payload_compressed))
		FROM raw_payloads
		GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &RawPayloadStats{CountBySource: make(map[string]int)}
	for rows.Next() {
		var (
			source string
			count  int
			size   int64
		)
		if err := rows.Scan(&source, &count, &size); err != nil {
			return nil, err
		}
		stats.CountBySource[source] = count
		stats.TotalCount += count
		stats.TotalSizeBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.TotalCount == 0 {
		return stats, nil
	}

	// MIN/MAX strip the declared column type the driver relies on to
	// hand DATETIME values back as time.Time, so the bounds are read
	// as plain columns.
	err = s.db.QueryRow(
		`SELECT fetched_at FROM raw_payloads ORDER BY fetched_at LIMIT 1`,
	).Scan(&stats.OldestFetchedAt)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(
		`SELECT fetched_at FROM raw_payloads ORDER BY fetched_at DESC LIMIT 1`,
	).Scan(&stats.NewestFetchedAt)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CleanupOldRawPayloads drops archived responses fetched more than
// retentionDays ago and reports how many went.
func (s *Store) CleanupOldRawPayloads(retentionDays int) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM raw_payloads
		WHERE fetched_at < DATE('now', '-' || ? || ' days')`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
