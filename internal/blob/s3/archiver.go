package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// Archiver uploads gzip-compressed NDJSON batches to S3 under a
// date-partitioned key. It has no knowledge of the domain stores it
// archives for; callers marshal their own batches and pass the raw
// payload in.
type Archiver struct {
	writer domain.BlobWriter
	prefix string
}

// NewArchiver creates an Archiver writing under the given key prefix.
// An empty prefix defaults to "archive".
func NewArchiver(writer domain.BlobWriter, prefix string) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{writer: writer, prefix: prefix}
}

// UploadGzipNDJSON gzip-compresses an already-marshaled NDJSON payload and
// uploads it, returning the object key:
//
//	{prefix}/{table}/YYYY/MM/DD/{table}-YYYYMMDDThhmmss.ndjson.gz
func (a *Archiver) UploadGzipNDJSON(ctx context.Context, table string, payload []byte, now time.Time) (string, error) {
	gz, err := gzipCompress(payload)
	if err != nil {
		return "", fmt.Errorf("s3blob: gzip %s batch: %w", table, err)
	}

	key := archivePath(a.prefix, table, now)
	if err := a.writer.Put(ctx, key, bytes.NewReader(gz), "application/x-ndjson", "gzip"); err != nil {
		return "", fmt.Errorf("s3blob: upload %s batch: %w", table, err)
	}
	return key, nil
}

// archivePath builds the S3 key for one archived batch, partitioned by the
// calendar date of now and disambiguated by a second-resolution timestamp:
//
//	bybit-algo-grid/archive/signals/2026/08/01/signals-20260801T120000.ndjson.gz
func archivePath(prefix, table string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s-%s.ndjson.gz",
		prefix, table,
		now.Year(), now.Month(), now.Day(),
		table, now.Format("20060102T150405"),
	)
}

func gzipCompress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalNDJSON serialises a slice of records as newline-delimited JSON.
// Each element is encoded as a single compact JSON line.
func MarshalNDJSON[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("s3blob: ndjson encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
