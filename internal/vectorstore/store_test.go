package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// fakeEmbedder returns canned vectors per text, falling back to a default.
type fakeEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

func openTestStore(t *testing.T, emb *fakeEmbedder) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "context.db")
	store, err := Open(path, emb)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestInsertAndRetrieve(t *testing.T) {
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"Paris is the capital of France": {1, 0, 0},
			"The weather today is sunny":     {0, 1, 0},
			"What is the capital of France?": {0.9, 0.1, 0},
		},
	}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()

	now := time.Now()
	if _, err := store.Insert(ctx, "Paris is the capital of France", "assistant", now, nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if _, err := store.Insert(ctx, "The weather today is sunny", "assistant", now.Add(time.Second), nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	results, err := store.Retrieve(ctx, "What is the capital of France?", 1, nil)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Text != "Paris is the capital of France" {
		t.Errorf("top result = %q", results[0].Text)
	}
	if results[0].Similarity <= 0 {
		t.Errorf("similarity = %f, want > 0", results[0].Similarity)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{0.5, 0.5}}
	path := filepath.Join(t.TempDir(), "context.db")

	store, err := Open(path, emb)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	ctx := context.Background()
	texts := []string{"first turn", "second turn", "third turn"}
	inserted := map[string]bool{}
	for i, text := range texts {
		id, err := store.Insert(ctx, text, "user", time.Now().Add(time.Duration(i)*time.Second), nil)
		if err != nil {
			t.Fatalf("Insert error: %v", err)
		}
		inserted[id] = true
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	reopened, err := Open(path, emb)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	results, err := reopened.Retrieve(ctx, "anything", len(texts), nil)
	if err != nil {
		t.Fatalf("Retrieve after reopen error: %v", err)
	}
	if len(results) != len(texts) {
		t.Fatalf("got %d records after reopen, want %d", len(results), len(texts))
	}
	for _, r := range results {
		if !inserted[r.ID] {
			t.Errorf("unexpected record id %s", r.ID)
		}
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"a": {1, 0}, "b": {0.8, 0.2}, "c": {0.6, 0.4}, "q": {1, 0},
		},
	}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		if _, err := store.Insert(ctx, text, "user", time.Now().Add(time.Duration(i)*time.Millisecond), nil); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	first, err := store.Retrieve(ctx, "q", 3, nil)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	second, err := store.Retrieve(ctx, "q", 3, nil)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("result lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("position %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestRetrieveTieBreakByTimestamp(t *testing.T) {
	// Identical embeddings force a similarity tie; the newer record wins.
	emb := &fakeEmbedder{fallback: []float32{1, 0}}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()

	base := time.Now()
	if _, err := store.Insert(ctx, "older", "user", base, nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if _, err := store.Insert(ctx, "newer", "user", base.Add(time.Minute), nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	results, err := store.Retrieve(ctx, "query", 2, nil)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if results[0].Text != "newer" || results[1].Text != "older" {
		t.Errorf("tie-break order wrong: %q, %q", results[0].Text, results[1].Text)
	}
}

func TestRetrieveFilters(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0}}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()
	now := time.Now()

	store.Insert(ctx, "user turn s1", "user", now, map[string]string{"session": "s1"})
	store.Insert(ctx, "assistant turn s1", "assistant", now, map[string]string{"session": "s1"})
	store.Insert(ctx, "user turn s2", "user", now, map[string]string{"session": "s2"})

	t.Run("role filter", func(t *testing.T) {
		results, err := store.Retrieve(ctx, "q", 10, &Filter{Role: "user"})
		if err != nil {
			t.Fatalf("Retrieve error: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		for _, r := range results {
			if r.Role != "user" {
				t.Errorf("role = %q, want user", r.Role)
			}
		}
	})

	t.Run("metadata filter", func(t *testing.T) {
		results, err := store.Retrieve(ctx, "q", 10, &Filter{Metadata: map[string]string{"session": "s1"}})
		if err != nil {
			t.Fatalf("Retrieve error: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
	})

	t.Run("combined", func(t *testing.T) {
		results, err := store.Retrieve(ctx, "q", 10, &Filter{Role: "user", Metadata: map[string]string{"session": "s1"}})
		if err != nil {
			t.Fatalf("Retrieve error: %v", err)
		}
		if len(results) != 1 || results[0].Text != "user turn s1" {
			t.Fatalf("unexpected results: %+v", results)
		}
	})
}

func TestInsertEmbeddingFailureWritesNothing(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0}}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()

	if _, err := store.Insert(ctx, "good", "user", time.Now(), nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	emb.err = errors.New("embedding endpoint down")
	_, err := store.Insert(ctx, "bad", "user", time.Now(), nil)
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 (failed insert must not be partially written)", n)
	}

	// Retry after the provider recovers.
	emb.err = nil
	if _, err := store.Insert(ctx, "bad", "user", time.Now(), nil); err != nil {
		t.Fatalf("retry Insert error: %v", err)
	}
}

func TestDimensionPinning(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store, path := openTestStore(t, emb)
	ctx := context.Background()

	if _, err := store.Insert(ctx, "three dims", "user", time.Now(), nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	emb.fallback = []float32{1, 0, 0, 0}
	if _, err := store.Insert(ctx, "four dims", "user", time.Now(), nil); err == nil {
		t.Fatal("expected dimension mismatch error")
	}

	// The pin survives reopen.
	store.Close()
	reopened, err := Open(path, emb)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Insert(ctx, "still four dims", "user", time.Now(), nil); err == nil {
		t.Fatal("expected dimension mismatch error after reopen")
	}
}

func TestQueryEmbeddingCache(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0}}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()

	if _, err := store.Insert(ctx, "a record", "user", time.Now(), nil); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	calls := emb.calls

	if _, err := store.Retrieve(ctx, "same query", 1, nil); err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if _, err := store.Retrieve(ctx, "same query", 1, nil); err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if got := emb.calls - calls; got != 1 {
		t.Errorf("embed calls for repeated query = %d, want 1", got)
	}
}

func TestRecent(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0}}
	store, _ := openTestStore(t, emb)
	ctx := context.Background()

	base := time.Now()
	for i, text := range []string{"one", "two", "three"} {
		if _, err := store.Insert(ctx, text, "user", base.Add(time.Duration(i)*time.Second), nil); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recent) != 2 || recent[0].Text != "three" || recent[1].Text != "two" {
		t.Errorf("unexpected recent records: %+v", recent)
	}
}

func TestRetrieveValidation(t *testing.T) {
	store, _ := openTestStore(t, &fakeEmbedder{fallback: []float32{1}})
	if _, err := store.Retrieve(context.Background(), "", 1, nil); err == nil {
		t.Error("expected error for empty query")
	}
	if _, err := store.Retrieve(context.Background(), "q", 0, nil); err == nil {
		t.Error("expected error for zero top_k")
	}
}
