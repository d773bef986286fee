package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/collarlabs/collard/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying terminal records from
// the stores, serializing them to JSONL, and uploading the result to the
// configured bucket.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	offers    domain.RollOfferStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	positions domain.PositionStore,
	offers domain.RollOfferStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		offers:    offers,
		audit:     audit,
	}
}

// ArchivePositions exports fully withdrawn positions expired before the
// cutoff to archive/positions/YYYY-MM.jsonl and returns the record count.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListWithdrawnBefore(ctx, before, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))
	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return count, nil
}

// ArchiveRollOffers exports consumed and cancelled roll offers created
// before the cutoff to archive/roll_offers/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveRollOffers(ctx context.Context, before time.Time) (int64, error) {
	offers, err := a.offers.ListInactiveBefore(ctx, before, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive roll offers query: %w", err)
	}
	if len(offers) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(offers)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive roll offers marshal: %w", err)
	}

	path := archivePath("roll_offers", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive roll offers upload: %w", err)
	}

	count := int64(len(offers))
	if err := a.audit.Log(ctx, "archive.roll_offers", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive roll offers audit log: %w", err)
	}
	return count, nil
}

// ArchiveAudit exports audit entries up to the cutoff to
// archive/audit/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	return int64(len(entries)), nil
}

// marshalJSONL serializes a slice of records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath builds the object key for an archive run, bucketed by month.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
