package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/store"
)

// fakeProvider returns a deterministic unit vector derived from the text's
// length, letting tests control which inputs are "close" to each other.
type fakeProvider struct {
	dimension int
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dimension)
		vec[0] = float32(len(text))
		vec[1] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *fakeProvider) Dimensions() int { return f.dimension }
func (f *fakeProvider) Name() string    { return "fake" }

func openTestIndex(t *testing.T) (*store.Store, *Index) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "project.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, New(s.DB(), &fakeProvider{dimension: 4})
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.5, 3.25, 0}
	blob := EncodeVector(vec)
	decoded := DecodeVector(blob)
	assert.Equal(t, vec, decoded)
}

func TestDecodeVectorMalformedBlob(t *testing.T) {
	assert.Nil(t, DecodeVector([]byte{1, 2, 3}))
	assert.Nil(t, DecodeVector(nil))
}

func TestIngestAndSearch(t *testing.T) {
	s, idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFunctions(ctx, []model.Function{
		{ID: "A.foo", Name: "foo", RelativeFilePath: "a.sol", StartLine: 1},
		{ID: "B.bar", Name: "bar", RelativeFilePath: "b.sol", StartLine: 1},
	}))

	err := idx.Ingest(ctx, TableFunctions, ColumnFunctionContent, []IngestionItem{
		{ID: "A.foo", Text: "short"},
		{ID: "B.bar", Text: "a much longer function body than the other one"},
	})
	require.NoError(t, err)

	matches, err := idx.Search(ctx, TableFunctions, ColumnFunctionContent, "short", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "A.foo", matches[0].ID, "closer-length text should rank first")
}

func TestNeedsRebuildDetectsPartialEmbedding(t *testing.T) {
	s, idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFunctions(ctx, []model.Function{
		{ID: "A.foo", RelativeFilePath: "a.sol", StartLine: 1},
		{ID: "B.bar", RelativeFilePath: "b.sol", StartLine: 1},
	}))

	needs, err := idx.NeedsRebuild(ctx, TableFunctions, ColumnFunctionContent)
	require.NoError(t, err)
	assert.True(t, needs, "no embeddings populated yet, should need rebuild")

	require.NoError(t, idx.Ingest(ctx, TableFunctions, ColumnFunctionContent, []IngestionItem{
		{ID: "A.foo", Text: "x"},
		{ID: "B.bar", Text: "y"},
	}))

	needs, err = idx.NeedsRebuild(ctx, TableFunctions, ColumnFunctionContent)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestUpsertUnknownRowErrors(t *testing.T) {
	_, idx := openTestIndex(t)
	err := idx.Upsert(context.Background(), TableFunctions, ColumnFunctionContent, "missing", []float32{1, 2})
	require.Error(t, err)
}

func TestIngestEmptyItemsIsNoop(t *testing.T) {
	_, idx := openTestIndex(t)
	require.NoError(t, idx.Ingest(context.Background(), TableFunctions, ColumnFunctionContent, nil))
}
