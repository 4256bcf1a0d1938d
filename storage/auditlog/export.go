package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const exportPageSize = 500

type parquetEvent struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	EscrowID   int64  `parquet:"name=escrow_id, type=INT64"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN"`
	CreatedAt  string `parquet:"name=created_at, type=UTF8, encoding=PLAIN"`
	Digest     string `parquet:"name=digest, type=UTF8, encoding=PLAIN"`
}

// ExportParquet writes every event matching filter to w as a snappy
// compressed parquet file. filter.Limit and filter.AfterSequence are used
// only as the starting cursor. It returns the number of rows written.
func (s *Store) ExportParquet(ctx context.Context, w io.Writer, filter Filter) (int, error) {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetEvent), 1)
	if err != nil {
		return 0, fmt.Errorf("auditlog: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	page := filter
	page.Limit = exportPageSize
	for {
		records, err := s.List(ctx, page)
		if err != nil {
			pw.WriteStop()
			return written, err
		}
		for _, rec := range records {
			attrs, err := json.Marshal(rec.Attributes)
			if err != nil {
				pw.WriteStop()
				return written, err
			}
			row := &parquetEvent{
				Sequence:   rec.Sequence,
				Type:       rec.Type,
				EscrowID:   int64(rec.EscrowID),
				Attributes: string(attrs),
				CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
				Digest:     rec.Digest,
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				return written, fmt.Errorf("auditlog: parquet write: %w", err)
			}
			written++
			page.AfterSequence = rec.Sequence
		}
		if len(records) < exportPageSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		return written, fmt.Errorf("auditlog: parquet flush: %w", err)
	}
	return written, nil
}
