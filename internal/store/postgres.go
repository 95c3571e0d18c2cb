package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"docqa/internal/embeddings"
)

type PostgresStore struct {
	db    *sql.DB
	dims  int
	stale atomic.Bool
}

func NewPostgres(dsn string, dims int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db, dims: dims}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Serialize migrations across gateway and indexer processes.
	const lockID = 727_310_442

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	if _, err := conn.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			seq BIGSERIAL UNIQUE,
			id UUID PRIMARY KEY,
			filename TEXT NOT NULL,
			format TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			content BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fragments (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			ordinal INT NOT NULL,
			text TEXT NOT NULL,
			token_count INT NOT NULL,
			start_offset INT NOT NULL,
			end_offset INT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS fragments_document_idx ON fragments(document_id, ordinal)`,
		`CREATE TABLE IF NOT EXISTS queries (
			seq BIGSERIAL UNIQUE,
			id UUID PRIMARY KEY,
			query TEXT NOT NULL,
			top_k INT NOT NULL,
			threshold REAL NOT NULL,
			fragment_ids TEXT[] NOT NULL,
			scores DOUBLE PRECISION[] NOT NULL,
			answer TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	var stored string
	err = conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'dimensions'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.setDimensions(ctx, conn)
	case err != nil:
		return err
	}
	if stored != strconv.Itoa(s.dims) {
		// The vector column still has the old width; Reset rebuilds it.
		s.stale.Store(true)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) setDimensions(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES('dimensions', $1)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, strconv.Itoa(s.dims))
	return err
}

func (s *PostgresStore) checkStale() error {
	if s.stale.Load() {
		return fmt.Errorf("%w: stored vectors use another model; reset required", ErrDimensionMismatch)
	}
	return nil
}

const pgDocumentColumns = `d.id, d.filename, d.format, d.status, d.error, d.created_at, d.updated_at,
	(SELECT COUNT(*) FROM fragments f WHERE f.document_id = d.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		d      Document
		status string
	)
	err := row.Scan(&d.ID, &d.Filename, &d.Format, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt, &d.FragmentCount)
	d.Status = DocumentStatus(status)
	return d, err
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document, content []byte) (Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.Status = StatusUploaded
	doc.FragmentCount = 0
	doc.Error = ""
	doc.CreatedAt, doc.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents(id, filename, format, status, content, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$6)`,
		doc.ID, doc.Filename, doc.Format, string(doc.Status), content, now)
	if err != nil {
		return Document{}, &WriteError{Op: "create", DocumentID: doc.ID, Err: err}
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+pgDocumentColumns+` FROM documents d WHERE d.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) Content(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = $1`, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content %s: %w", id, err)
	}
	return content, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, reason string) error {
	wrap := func(err error) error { return &WriteError{Op: "set status", DocumentID: id, Err: err} }
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrap(err)
	}
	if !CanTransition(DocumentStatus(current), status) {
		return transitionError(id, DocumentStatus(current), status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status=$1, error=$2, updated_at=now() WHERE id=$3`,
		string(status), reason, id); err != nil {
		return wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, docID uuid.UUID, fragments []Fragment) error {
	wrap := func(err error) error { return &WriteError{Op: "upsert", DocumentID: docID, Err: err} }
	if err := s.checkStale(); err != nil {
		return wrap(err)
	}
	if err := checkFragments(fragments, s.dims); err != nil {
		return wrap(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	// The row lock orders concurrent upserts of one document across processes.
	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = $1 FOR UPDATE`, docID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return wrap(ErrNotFound)
	}
	if err != nil {
		return wrap(err)
	}
	if DocumentStatus(current) != StatusProcessing {
		return wrap(transitionError(docID, DocumentStatus(current), StatusIndexed))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE document_id = $1`, docID); err != nil {
		return wrap(err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fragments(id, document_id, ordinal, text, token_count, start_offset, end_offset, embedding)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`)
	if err != nil {
		return wrap(err)
	}
	defer stmt.Close()
	for _, f := range fragments {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, f.ID, docID, f.Ordinal, f.Text, f.TokenCount, f.Start, f.End,
			pgvector.NewVector(f.Vector)); err != nil {
			return wrap(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status=$1, error='', content=NULL, updated_at=now() WHERE id=$2`,
		string(StatusIndexed), docID); err != nil {
		return wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, vector embeddings.Vector, topK int, threshold float32) ([]SearchResult, error) {
	if err := s.checkStale(); err != nil {
		return nil, err
	}
	if len(vector) != s.dims {
		return nil, fmt.Errorf("%w: query has %d, store has %d", ErrDimensionMismatch, len(vector), s.dims)
	}
	if topK <= 0 {
		return nil, nil
	}

	// Exact scan ordered by score then ingestion order; an ANN index would
	// make ties and recall nondeterministic.
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.document_id, f.ordinal, f.text, f.token_count, f.start_offset, f.end_offset,
			d.filename, score
		FROM (
			SELECT *, GREATEST(0, 1 - (embedding <=> $1)) AS score FROM fragments
		) f
		JOIN documents d ON d.id = f.document_id
		WHERE f.score >= $2
		ORDER BY f.score DESC, d.seq, f.ordinal
		LIMIT $3
	`, pgvector.NewVector(vector), threshold, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r     SearchResult
			score float64
		)
		f := &r.Fragment
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.Ordinal, &f.Text, &f.TokenCount, &f.Start, &f.End,
			&r.Filename, &score); err != nil {
			return nil, err
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Fragments(ctx context.Context, docID uuid.UUID) ([]Fragment, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, ordinal, text, token_count, start_offset, end_offset
		FROM fragments WHERE document_id=$1 ORDER BY ordinal`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Fragment
	for rows.Next() {
		f := Fragment{DocumentID: docID}
		if err := rows.Scan(&f.ID, &f.Ordinal, &f.Text, &f.TokenCount, &f.Start, &f.End); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id); err != nil {
		return &WriteError{Op: "delete", DocumentID: id, Err: err}
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	wrap := func(err error) error { return &WriteError{Op: "reset", Err: err} }
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	// TRUNCATE takes an ACCESS EXCLUSIVE lock, so no reader sees a half-cleared store.
	if _, err := tx.ExecContext(ctx, `TRUNCATE fragments, documents, queries`); err != nil {
		return wrap(err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE fragments ALTER COLUMN embedding TYPE vector(%d)`, s.dims)); err != nil {
		return wrap(err)
	}
	if err := s.setDimensions(ctx, tx); err != nil {
		return wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	s.stale.Store(false)
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pgDocumentColumns+` FROM documents d ORDER BY d.seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FailStale(ctx context.Context, before time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status=$1, error=$2, updated_at=now()
		WHERE status IN ($3, $4) AND updated_at < $5`,
		string(StatusFailed), reason, string(StatusUploaded), string(StatusProcessing), before)
	if err != nil {
		return 0, &WriteError{Op: "fail stale", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) RecordQuery(ctx context.Context, rec QueryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ids := make([]string, len(rec.Citations))
	scores := make([]float64, len(rec.Citations))
	for i, c := range rec.Citations {
		ids[i] = c.FragmentID.String()
		scores[i] = float64(c.Score)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO queries(id, query, top_k, threshold, fragment_ids, scores, answer, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.Query, rec.TopK, rec.Threshold, pq.Array(ids), pq.Array(scores), rec.Answer, rec.CreatedAt)
	if err != nil {
		return &WriteError{Op: "record query", Err: err}
	}
	return nil
}

func (s *PostgresStore) ClearQueries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queries`)
	if err != nil {
		return 0, &WriteError{Op: "clear queries", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ListQueries(ctx context.Context, limit int) ([]QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, query, top_k, threshold, fragment_ids, scores, answer, created_at
		FROM queries ORDER BY seq DESC LIMIT $1`, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueryRecord
	for rows.Next() {
		var (
			rec    QueryRecord
			ids    []string
			scores []float64
		)
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.TopK, &rec.Threshold, pq.Array(&ids), pq.Array(&scores),
			&rec.Answer, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(ids) != len(scores) {
			return nil, fmt.Errorf("query %s: %d fragment ids but %d scores", rec.ID, len(ids), len(scores))
		}
		rec.Citations = make([]Citation, len(ids))
		for i := range ids {
			fid, err := uuid.Parse(ids[i])
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", rec.ID, err)
			}
			rec.Citations[i] = Citation{FragmentID: fid, Score: float32(scores[i])}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st := newStats(s.dims)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.ByStatus[DocumentStatus(status)] = n
		st.Documents += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM fragments), (SELECT COUNT(*) FROM queries)`).
		Scan(&st.Fragments, &st.Queries)
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
