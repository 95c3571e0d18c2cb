package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"docqa/internal/embeddings"
)

// SQLiteStore persists to a single database file under the data directory.
// Vectors are stored as little-endian float32 blobs and searched by brute
// force, which is adequate for the single-node document counts it serves.
type SQLiteStore struct {
	db    *sqlx.DB
	path  string
	dims  int
	stale atomic.Bool // stored vectors have another dimensionality
}

// NewSQLite opens (or creates) dataDir/docqa.db.
func NewSQLite(dataDir string, dims int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "docqa.db")
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath, dims: dims}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			filename TEXT NOT NULL,
			format TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			content BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			vector BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fragments_document_idx ON fragments(document_id, ordinal)`,
		`CREATE TABLE IF NOT EXISTS queries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			query TEXT NOT NULL,
			top_k INTEGER NOT NULL,
			threshold REAL NOT NULL,
			citations TEXT NOT NULL,
			answer TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	var stored string
	err := s.db.GetContext(ctx, &stored, `SELECT value FROM meta WHERE key = 'dimensions'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.setDimensions(ctx, s.db)
	case err != nil:
		return err
	}
	if stored == strconv.Itoa(s.dims) {
		return nil
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM fragments`); err != nil {
		return err
	}
	if n == 0 {
		return s.setDimensions(ctx, s.db)
	}
	s.stale.Store(true)
	return nil
}

func (s *SQLiteStore) setDimensions(ctx context.Context, ex sqlx.ExecerContext) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES('dimensions', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(s.dims))
	return err
}

func (s *SQLiteStore) checkStale() error {
	if s.stale.Load() {
		return fmt.Errorf("%w: stored vectors use another model; reset required", ErrDimensionMismatch)
	}
	return nil
}

type documentRow struct {
	Seq           int64  `db:"seq"`
	ID            string `db:"id"`
	Filename      string `db:"filename"`
	Format        string `db:"format"`
	Status        string `db:"status"`
	Error         string `db:"error"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
	FragmentCount int    `db:"fragment_count"`
}

func (r documentRow) document() (Document, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Document{}, fmt.Errorf("document id %q: %w", r.ID, err)
	}
	return Document{
		ID:            id,
		Filename:      r.Filename,
		Format:        r.Format,
		Status:        DocumentStatus(r.Status),
		FragmentCount: r.FragmentCount,
		Error:         r.Error,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:     time.Unix(0, r.UpdatedAt).UTC(),
	}, nil
}

const documentColumns = `d.seq, d.id, d.filename, d.format, d.status, d.error, d.created_at, d.updated_at,
	(SELECT COUNT(*) FROM fragments f WHERE f.document_id = d.id) AS fragment_count`

type fragmentRow struct {
	ID         string `db:"id"`
	DocumentID string `db:"document_id"`
	Ordinal    int    `db:"ordinal"`
	Text       string `db:"text"`
	TokenCount int    `db:"token_count"`
	Start      int    `db:"start_offset"`
	End        int    `db:"end_offset"`
	Vector     []byte `db:"vector"`
	Filename   string `db:"filename"`
	Seq        int64  `db:"seq"`
}

func (r fragmentRow) fragment() (Fragment, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Fragment{}, fmt.Errorf("fragment id %q: %w", r.ID, err)
	}
	docID, err := uuid.Parse(r.DocumentID)
	if err != nil {
		return Fragment{}, fmt.Errorf("document id %q: %w", r.DocumentID, err)
	}
	f := Fragment{
		ID:         id,
		DocumentID: docID,
		Ordinal:    r.Ordinal,
		Text:       r.Text,
		TokenCount: r.TokenCount,
		Start:      r.Start,
		End:        r.End,
	}
	if r.Vector != nil {
		if f.Vector, err = decodeVector(r.Vector); err != nil {
			return Fragment{}, err
		}
	}
	return f, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc Document, content []byte) (Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.Status = StatusUploaded
	doc.FragmentCount = 0
	doc.Error = ""
	doc.CreatedAt, doc.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents(id, filename, format, status, content, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.Filename, doc.Format, doc.Status, content, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Document{}, &WriteError{Op: "create", DocumentID: doc.ID, Err: err}
	}
	return doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+documentColumns+` FROM documents d WHERE d.id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return row.document()
}

func (s *SQLiteStore) Content(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var content []byte
	err := s.db.GetContext(ctx, &content, `SELECT content FROM documents WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}
	return content, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &WriteError{Op: "set status", DocumentID: id, Err: err}
	}
	defer tx.Rollback()

	var current string
	err = tx.GetContext(ctx, &current, `SELECT status FROM documents WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return &WriteError{Op: "set status", DocumentID: id, Err: err}
	}
	if !CanTransition(DocumentStatus(current), status) {
		return transitionError(id, DocumentStatus(current), status)
	}
	_, err = tx.ExecContext(ctx, `UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UnixNano(), id.String())
	if err != nil {
		return &WriteError{Op: "set status", DocumentID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Op: "set status", DocumentID: id, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, docID uuid.UUID, fragments []Fragment) error {
	if err := s.checkStale(); err != nil {
		return &WriteError{Op: "upsert", DocumentID: docID, Err: err}
	}
	if err := checkFragments(fragments, s.dims); err != nil {
		return &WriteError{Op: "upsert", DocumentID: docID, Err: err}
	}
	wrap := func(err error) error { return &WriteError{Op: "upsert", DocumentID: docID, Err: err} }

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	var current string
	err = tx.GetContext(ctx, &current, `SELECT status FROM documents WHERE id = ?`, docID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return wrap(ErrNotFound)
	}
	if err != nil {
		return wrap(err)
	}
	if DocumentStatus(current) != StatusProcessing {
		return wrap(transitionError(docID, DocumentStatus(current), StatusIndexed))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE document_id = ?`, docID.String()); err != nil {
		return wrap(err)
	}
	stmt, err := tx.PreparexContext(ctx, `INSERT INTO fragments(id, document_id, ordinal, text, token_count, start_offset, end_offset, vector)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrap(err)
	}
	defer stmt.Close()
	for _, f := range fragments {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		_, err := stmt.ExecContext(ctx, f.ID.String(), docID.String(), f.Ordinal, f.Text, f.TokenCount, f.Start, f.End, encodeVector(f.Vector))
		if err != nil {
			return wrap(err)
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE documents SET status = ?, error = '', content = NULL, updated_at = ? WHERE id = ?`,
		StatusIndexed, time.Now().UnixNano(), docID.String())
	if err != nil {
		return wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, vector embeddings.Vector, topK int, threshold float32) ([]SearchResult, error) {
	if err := s.checkStale(); err != nil {
		return nil, err
	}
	if len(vector) != s.dims {
		return nil, fmt.Errorf("%w: query has %d, store has %d", ErrDimensionMismatch, len(vector), s.dims)
	}
	rows, err := s.db.QueryxContext(ctx, `SELECT f.id, f.document_id, f.ordinal, f.text, f.token_count,
			f.start_offset, f.end_offset, f.vector, d.filename, d.seq
		FROM fragments f JOIN documents d ON d.id = f.document_id`)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var row fragmentRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		f, err := row.fragment()
		if err != nil {
			return nil, err
		}
		score := embeddings.Score(embeddings.CosineSimilarity(vector, f.Vector))
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{Fragment: f, Filename: row.Filename, Score: score, seq: row.Seq})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return rank(results, topK, threshold), nil
}

func (s *SQLiteStore) Fragments(ctx context.Context, docID uuid.UUID) ([]Fragment, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	var rows []fragmentRow
	err := s.db.SelectContext(ctx, &rows, `SELECT f.id, f.document_id, f.ordinal, f.text, f.token_count,
			f.start_offset, f.end_offset, NULL AS vector, d.filename, d.seq
		FROM fragments f JOIN documents d ON d.id = f.document_id
		WHERE f.document_id = ? ORDER BY f.ordinal`, docID.String())
	if err != nil {
		return nil, fmt.Errorf("list fragments %s: %w", docID, err)
	}
	out := make([]Fragment, 0, len(rows))
	for _, r := range rows {
		f, err := r.fragment()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	// Fragments go with the document through ON DELETE CASCADE.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id.String()); err != nil {
		return &WriteError{Op: "delete", DocumentID: id, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &WriteError{Op: "reset", Err: err}
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM fragments`, `DELETE FROM documents`, `DELETE FROM queries`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &WriteError{Op: "reset", Err: err}
		}
	}
	if err := s.setDimensions(ctx, tx); err != nil {
		return &WriteError{Op: "reset", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Op: "reset", Err: err}
	}
	s.stale.Store(false)
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+documentColumns+` FROM documents d ORDER BY d.seq`); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		d, err := r.document()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLiteStore) FailStale(ctx context.Context, before time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, error = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at < ?`,
		StatusFailed, reason, time.Now().UnixNano(), StatusUploaded, StatusProcessing, before.UnixNano())
	if err != nil {
		return 0, &WriteError{Op: "fail stale", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) RecordQuery(ctx context.Context, rec QueryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	citations, err := json.Marshal(rec.Citations)
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO queries(id, query, top_k, threshold, citations, answer, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Query, rec.TopK, rec.Threshold, string(citations), rec.Answer, rec.CreatedAt.UnixNano())
	if err != nil {
		return &WriteError{Op: "record query", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ClearQueries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queries`)
	if err != nil {
		return 0, &WriteError{Op: "clear queries", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type queryRow struct {
	ID        string  `db:"id"`
	Query     string  `db:"query"`
	TopK      int     `db:"top_k"`
	Threshold float32 `db:"threshold"`
	Citations string  `db:"citations"`
	Answer    string  `db:"answer"`
	CreatedAt int64   `db:"created_at"`
}

func (s *SQLiteStore) ListQueries(ctx context.Context, limit int) ([]QueryRecord, error) {
	var rows []queryRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, query, top_k, threshold, citations, answer, created_at
		FROM queries ORDER BY seq DESC LIMIT ?`, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	out := make([]QueryRecord, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("query id %q: %w", r.ID, err)
		}
		rec := QueryRecord{
			ID:        id,
			Query:     r.Query,
			TopK:      r.TopK,
			Threshold: r.Threshold,
			Answer:    r.Answer,
			CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		}
		if err := json.Unmarshal([]byte(r.Citations), &rec.Citations); err != nil {
			return nil, fmt.Errorf("decode citations: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := newStats(s.dims)
	var byStatus []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byStatus, `SELECT status, COUNT(*) AS n FROM documents GROUP BY status`); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	for _, r := range byStatus {
		st.ByStatus[DocumentStatus(r.Status)] = r.N
		st.Documents += r.N
	}
	if err := s.db.GetContext(ctx, &st.Fragments, `SELECT COUNT(*) FROM fragments`); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Queries, `SELECT COUNT(*) FROM queries`); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVector(vec embeddings.Vector) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) (embeddings.Vector, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector blob of %d bytes", len(buf))
	}
	vec := make(embeddings.Vector, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
