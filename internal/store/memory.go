package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/internal/embeddings"
)

// MemoryStore keeps everything in process and searches by brute-force cosine
// similarity. A single RWMutex makes each write atomic and Reset exclusive.
type MemoryStore struct {
	mu      sync.RWMutex
	dims    int
	seq     int64
	docs    map[uuid.UUID]*memDoc
	queries []QueryRecord
	now     func() time.Time
}

type memDoc struct {
	doc       Document
	seq       int64
	content   []byte
	fragments []Fragment
}

func NewMemory(dims int) *MemoryStore {
	return &MemoryStore{
		dims: dims,
		docs: make(map[uuid.UUID]*memDoc),
		now:  time.Now,
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document, content []byte) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := s.now()
	doc.Status = StatusUploaded
	doc.FragmentCount = 0
	doc.Error = ""
	doc.CreatedAt, doc.UpdatedAt = now, now
	s.seq++
	s.docs[doc.ID] = &memDoc{doc: doc, seq: s.seq, content: slices.Clone(content)}
	return doc, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id uuid.UUID) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d.view(), nil
}

func (s *MemoryStore) Content(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(d.content), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status DocumentStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(d.doc.Status, status) {
		return transitionError(id, d.doc.Status, status)
	}
	d.doc.Status = status
	d.doc.Error = reason
	d.doc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, docID uuid.UUID, fragments []Fragment) error {
	if err := checkFragments(fragments, s.dims); err != nil {
		return &WriteError{Op: "upsert", DocumentID: docID, Err: err}
	}
	stored := make([]Fragment, len(fragments))
	for i, f := range fragments {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		f.DocumentID = docID
		f.Vector = slices.Clone(f.Vector)
		stored[i] = f
	}
	slices.SortFunc(stored, func(a, b Fragment) int { return cmp.Compare(a.Ordinal, b.Ordinal) })

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return &WriteError{Op: "upsert", DocumentID: docID, Err: ErrNotFound}
	}
	if d.doc.Status != StatusProcessing {
		return &WriteError{Op: "upsert", DocumentID: docID, Err: transitionError(docID, d.doc.Status, StatusIndexed)}
	}
	d.fragments = stored
	d.content = nil
	d.doc.Status = StatusIndexed
	d.doc.Error = ""
	d.doc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector embeddings.Vector, topK int, threshold float32) ([]SearchResult, error) {
	if len(vector) != s.dims {
		return nil, ErrDimensionMismatch
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []SearchResult
	for _, d := range s.docs {
		for _, f := range d.fragments {
			results = append(results, SearchResult{
				Fragment: f,
				Filename: d.doc.Filename,
				Score:    embeddings.Score(embeddings.CosineSimilarity(vector, f.Vector)),
				seq:      d.seq,
			})
		}
	}
	return rank(results, topK, threshold), nil
}

func (s *MemoryStore) Fragments(_ context.Context, docID uuid.UUID) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Fragment, len(d.fragments))
	for i, f := range d.fragments {
		f.Vector = nil
		out[i] = f
	}
	return out, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[uuid.UUID]*memDoc)
	s.queries = nil
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*memDoc, 0, len(s.docs))
	for _, d := range s.docs {
		entries = append(entries, d)
	}
	slices.SortFunc(entries, func(a, b *memDoc) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Document, len(entries))
	for i, d := range entries {
		out[i] = d.view()
	}
	return out, nil
}

func (s *MemoryStore) FailStale(_ context.Context, before time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.docs {
		if (d.doc.Status == StatusUploaded || d.doc.Status == StatusProcessing) && d.doc.UpdatedAt.Before(before) {
			d.doc.Status = StatusFailed
			d.doc.Error = reason
			d.doc.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordQuery(_ context.Context, rec QueryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Citations = slices.Clone(rec.Citations)
	s.queries = append(s.queries, rec)
	return nil
}

func (s *MemoryStore) ListQueries(_ context.Context, limit int) ([]QueryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QueryRecord, 0, min(max(limit, 0), len(s.queries)))
	for i := len(s.queries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.queries[i])
	}
	return out, nil
}

func (s *MemoryStore) ClearQueries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queries)
	s.queries = nil
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := newStats(s.dims)
	st.Documents = len(s.docs)
	st.Queries = len(s.queries)
	for _, d := range s.docs {
		st.Fragments += len(d.fragments)
		st.ByStatus[d.doc.Status]++
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

func (d *memDoc) view() Document {
	doc := d.doc
	doc.FragmentCount = len(d.fragments)
	return doc
}
