// Package vectorindex implements k-NN search over the embedding columns
// the store maintains on the functions and files tables (spec.md section
// 4.B). It is a pure-Go, in-process brute-force cosine scan rather than the
// cgo-only sqlite-vec extension the codenerd pack reaches for when available
// (see DESIGN.md); the project databases this engine works against are
// small enough (thousands of functions, not millions) that the scan cost is
// dominated by I/O, not the similarity math.
package vectorindex

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cascadehq/auditengine/internal/embedding"
)

// Column identifies one of the named embedding modalities a table carries.
type Column string

const (
	ColumnFunctionContent Column = "content_embedding"
	ColumnFunctionName    Column = "name_embedding"
	ColumnFunctionNatural Column = "natural_embedding"
	ColumnFileContent     Column = "content_embedding"
	ColumnFileNatural     Column = "natural_embedding"
)

// Table identifies which table a search or ingestion call targets.
type Table string

const (
	TableFunctions Table = "functions"
	TableFiles     Table = "files"
)

func idColumn(table Table) (string, error) {
	switch table {
	case TableFunctions:
		return "id", nil
	case TableFiles:
		return "relative_path", nil
	default:
		return "", fmt.Errorf("vectorindex: unknown table %q", table)
	}
}

// Match is one k-NN search result.
type Match struct {
	ID         string
	Similarity float64
}

// Index performs embedding ingestion and k-NN search against a project's
// sqlite database, sharing the same handle the project store opened
// (spec.md section 4.B: single DB file per project).
type Index struct {
	db       *sql.DB
	provider embedding.Provider
}

// New constructs an Index bound to db (the store's DB()) and provider.
func New(db *sql.DB, provider embedding.Provider) *Index {
	return &Index{db: db, provider: provider}
}

// EncodeVector serializes a float32 vector as a little-endian binary blob.
func EncodeVector(vec []float32) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(vec) * 4)
	// binary.Write never errors against a bytes.Buffer.
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

// DecodeVector deserializes a little-endian binary blob into a float32
// vector. Malformed blobs (length not a multiple of 4) decode to nil.
func DecodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}

// rowCount returns the embedding provider's expected row count for table,
// used to detect whether an embedding column needs a rebuild (spec.md
// section 4.B: row_count == source count, or rebuild).
func (idx *Index) rowCount(ctx context.Context, table Table) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// NeedsRebuild reports whether column's populated-row count diverges from
// the table's total row count, signalling a partial or stale embedding pass.
func (idx *Index) NeedsRebuild(ctx context.Context, table Table, column Column) (bool, error) {
	total, err := idx.rowCount(ctx, table)
	if err != nil {
		return false, fmt.Errorf("vectorindex: count rows in %s: %w", table, err)
	}

	var populated int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL", table, column)
	if err := idx.db.QueryRowContext(ctx, query).Scan(&populated); err != nil {
		return false, fmt.Errorf("vectorindex: count populated %s.%s: %w", table, column, err)
	}

	return populated != total, nil
}

// Upsert writes a single row's embedding for column.
func (idx *Index) Upsert(ctx context.Context, table Table, column Column, id string, vec []float32) error {
	idCol, err := idColumn(table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", table, column, idCol)
	res, err := idx.db.ExecContext(ctx, query, EncodeVector(vec), id)
	if err != nil {
		return fmt.Errorf("vectorindex: upsert %s.%s for %s: %w", table, column, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vectorindex: rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("vectorindex: no row %s in %s to embed", id, table)
	}
	return nil
}

// IngestionItem pairs a row id with the text to embed.
type IngestionItem struct {
	ID   string
	Text string
}

// Ingest embeds and writes column for every item, batching calls to the
// provider. Embedding generation for independent rows is trivially
// parallel, but the provider's own rate limiter (internal/ratelimit)
// already bounds concurrency, so Ingest issues one batched Embed call
// rather than spawning a worker per row.
func (idx *Index) Ingest(ctx context.Context, table Table, column Column, items []IngestionItem) error {
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
	}

	vectors, err := idx.provider.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("vectorindex: embed batch for %s.%s: %w", table, column, err)
	}
	if len(vectors) != len(items) {
		return fmt.Errorf("vectorindex: provider returned %d vectors for %d inputs", len(vectors), len(items))
	}

	for i, item := range items {
		if err := idx.Upsert(ctx, table, column, item.ID, vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the topK nearest rows to query text by cosine similarity
// over column, using a brute-force in-process scan (see package doc).
func (idx *Index) Search(ctx context.Context, table Table, column Column, query string, topK int) ([]Match, error) {
	vectors, err := idx.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}
	return idx.SearchByVector(ctx, table, column, vectors[0], topK)
}

// SearchByVector is Search for callers that already hold a query embedding
// (e.g. a function's own content vector, used for "similar functions" lookups).
func (idx *Index) SearchByVector(ctx context.Context, table Table, column Column, queryVec []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}

	idCol, err := idColumn(table)
	if err != nil {
		return nil, err
	}

	rows, err := idx.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s IS NOT NULL", idCol, column, table, column))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: scan %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("vectorindex: scan row: %w", err)
		}
		vec := DecodeVector(blob)
		if vec == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		matches = append(matches, Match{ID: id, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}
