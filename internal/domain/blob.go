package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks object storage for existing objects.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveResult summarises one archival pass over a record kind.
type ArchiveResult struct {
	Kind    string   `json:"kind"`
	Records int64    `json:"records"`
	Written []string `json:"written,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Archiver copies records older than a cutoff to cold storage. Rows are left
// in the primary store.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (ArchiveResult, error)
	ArchiveGraduationTransitions(ctx context.Context, before time.Time) (ArchiveResult, error)
}
