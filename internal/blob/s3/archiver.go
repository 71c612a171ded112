package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// Archive kinds, used as the second path segment.
const (
	KindTrades                = "trades"
	KindGraduationTransitions = "graduation_transitions"
)

// Archiver implements domain.Archiver. Records are partitioned by the UTC
// month they were created in and written to archive/<kind>/<yyyy-mm>.jsonl.
// A month whose object already exists is skipped, so reruns never overwrite.
type Archiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	trades      domain.TradeStore
	graduations domain.GraduationStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewArchiver creates an Archiver. reader is used to skip months that are
// already archived.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	trades domain.TradeStore,
	graduations domain.GraduationStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		reader:      reader,
		trades:      trades,
		graduations: graduations,
		audit:       audit,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades writes trades created before the cutoff to monthly objects.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (domain.ArchiveResult, error) {
	recs, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return domain.ArchiveResult{Kind: KindTrades}, fmt.Errorf("s3blob: list trades: %w", err)
	}
	return archive(ctx, a, KindTrades, before, recs, func(r domain.TradeRecord) time.Time { return r.CreatedAt })
}

// ArchiveGraduationTransitions writes transition log rows created before the
// cutoff to monthly objects.
func (a *Archiver) ArchiveGraduationTransitions(ctx context.Context, before time.Time) (domain.ArchiveResult, error) {
	recs, err := a.graduations.ListTransitionsBefore(ctx, before)
	if err != nil {
		return domain.ArchiveResult{Kind: KindGraduationTransitions}, fmt.Errorf("s3blob: list transitions: %w", err)
	}
	return archive(ctx, a, KindGraduationTransitions, before, recs, func(t domain.GraduationTransition) time.Time { return t.CreatedAt })
}

// RunAll archives every kind and returns the per-kind results.
func (a *Archiver) RunAll(ctx context.Context, before time.Time) ([]domain.ArchiveResult, error) {
	trades, err := a.ArchiveTrades(ctx, before)
	if err != nil {
		return nil, err
	}
	transitions, err := a.ArchiveGraduationTransitions(ctx, before)
	if err != nil {
		return []domain.ArchiveResult{trades}, err
	}
	return []domain.ArchiveResult{trades, transitions}, nil
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, recs []T, createdAt func(T) time.Time) (domain.ArchiveResult, error) {
	res := domain.ArchiveResult{Kind: kind}
	if len(recs) == 0 {
		return res, nil
	}

	byMonth := make(map[string][]T)
	for _, r := range recs {
		m := createdAt(r).UTC().Format("2006-01")
		byMonth[m] = append(byMonth[m], r)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	for _, month := range months {
		path := archivePath(kind, month)
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return res, err
		}
		if exists {
			a.logger.InfoContext(ctx, "archive object exists, skipping", slog.String("path", path))
			res.Skipped = append(res.Skipped, path)
			continue
		}

		buf, err := marshalJSONL(byMonth[month])
		if err != nil {
			return res, fmt.Errorf("s3blob: encode %s: %w", path, err)
		}
		if int64(len(buf)) > MinPartSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
		}
		if err != nil {
			return res, err
		}
		res.Written = append(res.Written, path)
		res.Records += int64(len(byMonth[month]))
	}

	a.logger.InfoContext(ctx, "archive pass complete",
		slog.String("kind", kind),
		slog.Int64("records", res.Records),
		slog.Int("written", len(res.Written)),
		slog.Int("skipped", len(res.Skipped)),
	)
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"before":  before.UTC().Format(time.RFC3339),
		"records": res.Records,
		"written": res.Written,
		"skipped": res.Skipped,
	}); err != nil {
		return res, fmt.Errorf("s3blob: audit %s: %w", kind, err)
	}
	return res, nil
}

func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

func marshalJSONL[T any](recs []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range recs {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
