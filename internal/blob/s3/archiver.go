package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// EventSource lists committed events older than a cutoff, oldest first.
type EventSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error)
}

// EventArchiver implements domain.Archiver: it exports market events older
// than the cutoff as one JSONL object per cutoff and records the export in
// the audit log. Rows are not deleted from the source.
type EventArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	events    EventSource
	audit     domain.AuditStore
	multipart int64
}

// NewEventArchiver creates an EventArchiver. Payloads larger than
// multipartThreshold bytes are uploaded in parts; zero uses the S3 minimum
// part size.
func NewEventArchiver(writer domain.BlobWriter, reader domain.BlobReader, events EventSource, audit domain.AuditStore, multipartThreshold int64) *EventArchiver {
	if multipartThreshold <= 0 {
		multipartThreshold = minPartSize
	}
	return &EventArchiver{
		writer:    writer,
		reader:    reader,
		events:    events,
		audit:     audit,
		multipart: multipartThreshold,
	}
}

// ArchiveEvents uploads every event before the cutoff and returns how many
// were written. A cutoff that was already exported is skipped.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	path := archivePath("market_events", before)
	if a.reader != nil {
		done, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive events: %w", err)
		}
		if done {
			return 0, nil
		}
	}

	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}
	if int64(len(buf)) > a.multipart {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.multipart)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	count := int64(len(events))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.market_events", map[string]any{
			"path":   path,
			"count":  count,
			"bytes":  len(buf),
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive events audit: %w", err)
		}
	}
	return count, nil
}

// archivePath partitions archives by cutoff day:
//
//	archive/market_events/2026/10/2026-10-16T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	t := before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, t.Format("2006/01"), t.Format("2006-01-02T150405Z"))
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*EventArchiver)(nil)
