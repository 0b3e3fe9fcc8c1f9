package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/models"
)

var embedder = embedding.NewHashEmbedder(256)

func records(t *testing.T, source string, texts ...string) []models.IndexRecord {
	t.Helper()
	vectors, err := embedder.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	out := make([]models.IndexRecord, len(texts))
	for i, text := range texts {
		out[i] = models.IndexRecord{
			ID:        fmt.Sprintf("%s-%d", source, i),
			Text:      text,
			Embedding: vectors[i],
			Metadata:  map[string]string{models.MetaSource: source, models.MetaChunkID: strconv.Itoa(i + 1)},
		}
	}
	return out
}

func queryVector(t *testing.T, text string) []float32 {
	t.Helper()
	v, err := embedder.EmbedBatch(context.Background(), []string{text})
	require.NoError(t, err)
	return v[0]
}

func open(t *testing.T, dir string) *VectorDBManager {
	t.Helper()
	m, err := NewVectorDBManager(Options{Path: dir, Collection: "rag_docs", Embedder: embedder})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewVectorDBManager_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "chroma_db")
	m := open(t, dir)

	assert.Equal(t, ModePersistent, m.Mode())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestQuery_EmptyIndexReturnsNoResults(t *testing.T) {
	m := open(t, t.TempDir())
	hits, err := m.Query(context.Background(), queryVector(t, "anything"), 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpsertAndQuery_RanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	m := open(t, t.TempDir())

	require.NoError(t, m.Upsert(ctx, records(t, "geo.txt",
		"paris is the capital of france",
		"berlin is the capital of germany",
		"bananas grow in tropical climates",
		"the moon orbits the earth",
	)))

	hits, err := m.Query(ctx, queryVector(t, "what is the capital of france"), 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "paris is the capital of france", hits[0].Record.Text)
	for i, h := range hits {
		assert.Equal(t, i+1, h.Rank)
		assert.Equal(t, "geo.txt", h.Record.Source())
		if i > 0 {
			assert.GreaterOrEqual(t, hits[i-1].Similarity, h.Similarity)
		}
	}

	hits, err = m.Query(ctx, queryVector(t, "capital"), 10)
	require.NoError(t, err)
	assert.Len(t, hits, 4, "fewer than k records returns all of them")
}

func TestUpsert_NoDeduplication(t *testing.T) {
	ctx := context.Background()
	m := open(t, t.TempDir())

	first := records(t, "a.txt", "one", "two")
	second := records(t, "a.txt", "one", "two")
	for i := range second {
		second[i].ID += "-again"
	}
	require.NoError(t, m.Upsert(ctx, first))
	require.NoError(t, m.Upsert(ctx, second))

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m := open(t, dir)
	require.NoError(t, m.Upsert(ctx, records(t, "doc.txt", "alpha beta", "gamma delta")))
	require.NoError(t, m.Close())

	reopened := open(t, dir)
	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 256, reopened.dim)
}

func TestDimensionInvariant(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := open(t, dir)
	require.NoError(t, m.Upsert(ctx, records(t, "doc.txt", "alpha")))

	bad := []models.IndexRecord{{ID: "x", Text: "x", Embedding: []float32{1, 0, 0}}}
	err := m.Upsert(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIndex))

	_, err = m.Query(ctx, []float32{1, 0, 0}, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIndex))

	mixed := records(t, "doc.txt", "beta")
	mixed = append(mixed, models.IndexRecord{ID: "y", Embedding: []float32{1}})
	assert.Error(t, m.Upsert(ctx, mixed))

	// the dimension survives a restart
	reopened := open(t, dir)
	assert.Error(t, reopened.Upsert(ctx, bad))
}

func corruptPersistentLayout(t *testing.T, dir string) {
	t.Helper()
	bad := filepath.Join(dir, "corrupt-collection")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "document.gob"), []byte("not a gob"), 0o644))
}

func TestFallsBackToSnapshotWhenPersistentOpenFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	corruptPersistentLayout(t, dir)

	m := open(t, dir)
	require.Equal(t, ModeSnapshot, m.Mode())
	require.NoError(t, m.Upsert(ctx, records(t, "doc.txt", "alpha", "beta", "gamma")))

	_, err := os.Stat(filepath.Join(dir, "rag_docs.gob"))
	require.NoError(t, err, "snapshot file should be written on upsert")

	reopened := open(t, dir)
	assert.Equal(t, ModeSnapshot, reopened.Mode())
	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	hits, err := reopened.Query(ctx, queryVector(t, "beta"), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beta", hits[0].Record.Text)
}

func TestSnapshotUpsert_RollsBackWhenExportFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	corruptPersistentLayout(t, dir)

	m := open(t, dir)
	require.Equal(t, ModeSnapshot, m.Mode())
	require.NoError(t, m.Upsert(ctx, records(t, "kept.txt", "alpha")))

	// A directory in place of the snapshot file makes every export fail.
	require.NoError(t, os.Remove(m.filePath))
	require.NoError(t, os.MkdirAll(m.filePath, 0o755))

	err := m.Upsert(ctx, records(t, "lost.txt", "beta", "gamma"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIndex))
	assert.Contains(t, err.Error(), "failed to export database")

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "records that were not exported must not stay queryable")

	hits, err := m.Query(ctx, queryVector(t, "beta"), 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "kept.txt", h.Record.Metadata[models.MetaSource])
	}
}

func TestInitErrorNamesLastCause(t *testing.T) {
	dir := t.TempDir()
	corruptPersistentLayout(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rag_docs.gob"), []byte("garbage"), 0o644))

	_, err := NewVectorDBManager(Options{Path: dir, Collection: "rag_docs"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIndexInit))
	assert.Contains(t, err.Error(), "failed to import database")
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	m := open(t, t.TempDir())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, source := range []string{"left.txt", "right.txt"} {
		texts := make([]string, 40)
		for i := range texts {
			texts[i] = fmt.Sprintf("%s chunk number %d", source, i)
		}
		recs := records(t, source, texts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Upsert(ctx, recs)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, count)

	hits, err := m.Query(ctx, queryVector(t, "left.txt chunk number 7"), 80)
	require.NoError(t, err)
	perSource := map[string]int{}
	for _, h := range hits {
		perSource[h.Record.Source()]++
		assert.Contains(t, h.Record.Text, h.Record.Source())
	}
	assert.Equal(t, map[string]int{"left.txt": 40, "right.txt": 40}, perSource)
}
