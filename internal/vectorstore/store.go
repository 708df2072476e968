// Package vectorstore persists every conversation turn as an embedded,
// retrievable record. Records live in a sqlite database at a configurable
// path; reopening the same path reconstructs the full set, so a new session
// can recall fragments of past conversations.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/convoctx/internal/provider"
)

// ErrEmbeddingUnavailable means the embedding provider call failed. The
// record is not written; the caller may retry the insert.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

const (
	queryCacheTTL     = time.Minute
	queryCacheCleanup = 5 * time.Minute

	dimensionMetaKey = "embedding_dimension"
)

// Record is one persisted, retrievable unit. Records are immutable once
// written.
type Record struct {
	ID        string
	Text      string
	Role      string
	Timestamp time.Time
	Metadata  map[string]string
	Embedding []float32

	// Similarity is populated by Retrieve; zero otherwise.
	Similarity float64
}

// Filter restricts retrieval by role and/or metadata equality. A zero filter
// matches everything.
type Filter struct {
	Role     string
	Metadata map[string]string
}

func (f *Filter) matches(r *Record) bool {
	if f == nil {
		return true
	}
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	for k, v := range f.Metadata {
		if r.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Store owns the on-disk index. Inserts are serialized through a single
// writer; retrieves may run concurrently and see every insert whose call has
// already returned.
type Store struct {
	db       *sql.DB
	embedder provider.Embedder

	writeMu sync.Mutex

	dimMu sync.Mutex
	dim   int // pinned embedding dimension, 0 until the first insert

	// queryCache memoizes query-text embeddings for a short window so a
	// burst of retrievals for the same text costs one provider call.
	queryCache *gocache.Cache
}

// Open opens (or creates) the store at path.
func Open(path string, embedder provider.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("open store: embedder is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("open store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: open sqlite: %w", err)
	}

	s := &Store{
		db:         db,
		embedder:   embedder,
		queryCache: gocache.New(queryCacheTTL, queryCacheCleanup),
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("store pragma %q: %w", p, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			ts INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_role ON records(role)`,
		`CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts)`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, dimensionMetaKey).Scan(&value)
	switch {
	case err == nil:
		dim, convErr := strconv.Atoi(value)
		if convErr != nil || dim <= 0 {
			return fmt.Errorf("init store: corrupt dimension metadata %q", value)
		}
		s.dim = dim
	case errors.Is(err, sql.ErrNoRows):
		// Fresh store; dimension pins on first insert.
	default:
		return fmt.Errorf("init store: read dimension: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkDimension pins the store's embedding width on first use and rejects
// vectors of any other width for the lifetime of the on-disk index.
func (s *Store) checkDimension(n int) (pinned bool, err error) {
	s.dimMu.Lock()
	defer s.dimMu.Unlock()
	if s.dim == 0 {
		s.dim = n
		return true, nil
	}
	if n != s.dim {
		return false, fmt.Errorf("embedding dimension mismatch: got %d, store uses %d", n, s.dim)
	}
	return false, nil
}

// Insert embeds text and persists the record, returning its id. The write is
// all-or-nothing: on any failure nothing is persisted.
func (s *Store) Insert(ctx context.Context, text, role string, ts time.Time, metadata map[string]string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("insert: empty text")
	}
	if role == "" {
		return "", fmt.Errorf("insert: empty role")
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	firstInsert, err := s.checkDimension(len(vector))
	if err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}

	blob, err := EncodeVector(vector)
	if err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("insert: marshal metadata: %w", err)
	}

	id := uuid.NewString()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("insert: begin: %w", err)
	}
	if firstInsert {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO store_meta (key, value) VALUES (?, ?)`,
			dimensionMetaKey, strconv.Itoa(len(vector))); err != nil {
			_ = tx.Rollback()
			return "", fmt.Errorf("insert: pin dimension: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO records (id, role, text, ts, metadata, embedding) VALUES (?, ?, ?, ?, ?, ?)`,
		id, role, text, ts.UnixNano(), string(metaJSON), blob); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("insert: commit: %w", err)
	}
	return id, nil
}

// Retrieve embeds queryText and returns the topK most similar records,
// ordered by descending cosine similarity with ties broken by most-recent
// timestamp, then id, so results are fully deterministic for a fixed store.
func (s *Store) Retrieve(ctx context.Context, queryText string, topK int, filter *Filter) ([]Record, error) {
	if queryText == "" {
		return nil, fmt.Errorf("retrieve: empty query")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("retrieve: top_k must be positive, got %d", topK)
	}

	queryVec, err := s.queryEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}

	candidates, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}

	scored := candidates[:0]
	for i := range candidates {
		sim, err := CosineSimilarity(queryVec, candidates[i].Embedding)
		if err != nil {
			// A record of another dimension cannot happen through Insert;
			// skip rather than fail the whole retrieval.
			continue
		}
		candidates[i].Similarity = sim
		scored = append(scored, candidates[i])
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if !scored[i].Timestamp.Equal(scored[j].Timestamp) {
			return scored[i].Timestamp.After(scored[j].Timestamp)
		}
		return scored[i].ID > scored[j].ID
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Recent returns the latest n records by timestamp, newest first, without
// touching the embedding provider.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("recent: n must be positive, got %d", n)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, ts, metadata, embedding FROM records ORDER BY ts DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of persisted records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) queryEmbedding(ctx context.Context, queryText string) ([]float32, error) {
	if cached, ok := s.queryCache.Get(queryText); ok {
		return cached.([]float32), nil
	}
	vector, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	s.queryCache.Set(queryText, vector, gocache.DefaultExpiration)
	return vector, nil
}

func (s *Store) scan(ctx context.Context, filter *Filter) ([]Record, error) {
	query := `SELECT id, role, text, ts, metadata, embedding FROM records`
	args := []any{}
	if filter != nil && filter.Role != "" {
		query += ` WHERE role = ?`
		args = append(args, filter.Role)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if filter == nil || len(filter.Metadata) == 0 {
		return records, nil
	}
	filtered := records[:0]
	for i := range records {
		if filter.matches(&records[i]) {
			filtered = append(filtered, records[i])
		}
	}
	return filtered, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			rec      Record
			ts       int64
			metaJSON string
			blob     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.Text, &ts, &metaJSON, &blob); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("scan record %s: metadata: %w", rec.ID, err)
		}
		vector, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("scan record %s: %w", rec.ID, err)
		}
		rec.Embedding = vector
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
