package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"docqa/internal/embeddings"
)

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusIndexed    DocumentStatus = "indexed"
	StatusFailed     DocumentStatus = "failed"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDimensionMismatch means a vector does not match the store's
	// dimensionality. A reset is required after changing embedding models.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// WriteError wraps a failed write. Writes are all-or-nothing per document.
type WriteError struct {
	Op         string
	DocumentID uuid.UUID
	Err        error
}

func (e *WriteError) Error() string {
	if e.DocumentID == uuid.Nil {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.DocumentID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type Document struct {
	ID            uuid.UUID      `json:"id"`
	Filename      string         `json:"filename"`
	Format        string         `json:"format"`
	Status        DocumentStatus `json:"status"`
	FragmentCount int            `json:"fragment_count"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Fragment is an immutable span of a document's text with its vector.
// Start and End are byte offsets into the normalized document text.
type Fragment struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID uuid.UUID         `json:"document_id"`
	Ordinal    int               `json:"ordinal"`
	Text       string            `json:"text"`
	TokenCount int               `json:"token_count"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Vector     embeddings.Vector `json:"-"`
}

type SearchResult struct {
	Fragment Fragment
	Filename string
	Score    float32

	seq int64 // document ingestion order, for tie-breaking
}

type Citation struct {
	FragmentID uuid.UUID `json:"fragment_id"`
	Score      float32   `json:"score"`
}

// QueryRecord is an append-only log entry of one answered query.
type QueryRecord struct {
	ID        uuid.UUID  `json:"id"`
	Query     string     `json:"query"`
	TopK      int        `json:"top_k"`
	Threshold float32    `json:"similarity_threshold"`
	Citations []Citation `json:"citations"`
	Answer    string     `json:"answer"`
	CreatedAt time.Time  `json:"created_at"`
}

type Stats struct {
	Documents  int                    `json:"documents"`
	Fragments  int                    `json:"fragments"`
	ByStatus   map[DocumentStatus]int `json:"by_status"`
	Dimensions int                    `json:"dimensions"`
	Queries    int                    `json:"queries"`
}

// Store persists documents, their fragments and the query log.
type Store interface {
	// CreateDocument registers an upload in status uploaded and keeps its raw
	// bytes until the document is indexed.
	CreateDocument(ctx context.Context, doc Document, content []byte) (Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	Content(ctx context.Context, id uuid.UUID) ([]byte, error)
	// SetStatus moves a document along uploaded -> processing -> failed.
	// reason is recorded for failures.
	SetStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, reason string) error
	// Upsert replaces the document's fragments and marks it indexed in one
	// step; searches see all of them or none. The document must be processing.
	Upsert(ctx context.Context, docID uuid.UUID, fragments []Fragment) error
	// Search returns fragments scoring at least threshold, best first, ties
	// broken by ingestion order, at most topK.
	Search(ctx context.Context, vector embeddings.Vector, topK int, threshold float32) ([]SearchResult, error)
	Fragments(ctx context.Context, docID uuid.UUID) ([]Fragment, error)
	// DeleteDocument removes a document and its fragments. Deleting an
	// unknown id is not an error.
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	// Reset empties the store.
	Reset(ctx context.Context) error
	// ListDocuments returns documents oldest first, fragment counts computed
	// from the stored fragments.
	ListDocuments(ctx context.Context) ([]Document, error)
	// FailStale fails uploaded or processing documents untouched since before.
	FailStale(ctx context.Context, before time.Time, reason string) (int, error)
	RecordQuery(ctx context.Context, rec QueryRecord) error
	// ListQueries returns up to limit records, newest first.
	ListQueries(ctx context.Context, limit int) ([]QueryRecord, error)
	// ClearQueries drops the query log and reports how many records it held.
	ClearQueries(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// CanTransition reports whether a document may move from one status to
// another through SetStatus. processing -> processing lets a redelivered job
// reclaim a document.
func CanTransition(from, to DocumentStatus) bool {
	switch from {
	case StatusUploaded:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusFailed
	}
	return false
}

func transitionError(id uuid.UUID, from, to DocumentStatus) error {
	return fmt.Errorf("%w: document %s %s -> %s", ErrInvalidTransition, id, from, to)
}

func checkFragments(fragments []Fragment, dims int) error {
	for _, f := range fragments {
		if len(f.Vector) != dims {
			return fmt.Errorf("%w: fragment %d has %d, store has %d", ErrDimensionMismatch, f.Ordinal, len(f.Vector), dims)
		}
	}
	return nil
}

// rank applies threshold, ordering and topK to brute-force scored results.
func rank(results []SearchResult, topK int, threshold float32) []SearchResult {
	kept := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	slices.SortStableFunc(kept, func(a, b SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.seq, b.seq); c != 0 {
			return c
		}
		return cmp.Compare(a.Fragment.Ordinal, b.Fragment.Ordinal)
	})
	if len(kept) > topK {
		kept = kept[:max(topK, 0)]
	}
	return kept
}

func newStats(dims int) Stats {
	return Stats{ByStatus: map[DocumentStatus]int{}, Dimensions: dims}
}
