// Tests in this package use the standard testing package with t.Errorf and
// t.Fatalf. Packages whose tests are written against testify (storage,
// similarity, answercache, conversation, auth, ingest, api, app) use
// assert and require throughout; a package does not mix the two.
package retrieval

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/kalambet/askd/internal/storage"
)

// openTestIndex opens a migrated in-memory database and saves one document
// the test passages can belong to.
func openTestIndex(t *testing.T) (*SQLiteStore, *storage.Store, storage.DocumentID) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	doc, err := st.SaveDocument(context.Background(), storage.Document{OwnerID: "u1", Title: "handbook", Source: "handbook", Content: "x"})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	return NewSQLiteStore(st.DB()), st, doc.ID
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

// unit returns a dim-length vector with a single 1 at position i.
func unit(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func TestInsertAndSearch(t *testing.T) {
	s, _, docID := openTestIndex(t)
	ctx := context.Background()

	vec := makeTestVector(768, 0.1)
	err := s.Insert(ctx, []Record{{
		ID:         "p1",
		DocumentID: docID,
		Source:     "handbook",
		Pages:      "3",
		Text:       "Refunds are issued within 30 days.",
		Embedding:  vec,
	}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	got := results[0]
	if got.ID != "p1" || got.DocumentID != docID || got.Source != "handbook" || got.Pages != "3" {
		t.Errorf("unexpected record: %+v", got.Record)
	}
	if math.Abs(float64(got.Score)-1) > 1e-5 {
		t.Errorf("score = %f, want ~1.0 for identical vectors", got.Score)
	}
}

func TestSearch_TopKOrdered(t *testing.T) {
	s, _, docID := openTestIndex(t)
	ctx := context.Background()

	var records []Record
	for i := 0; i < 8; i++ {
		records = append(records, Record{
			ID:         fmt.Sprintf("p%d", i),
			DocumentID: docID,
			Text:       fmt.Sprintf("passage %d", i),
			Embedding:  unit(8, i),
		})
	}
	if err := s.Insert(ctx, records); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Closest to p2, then p3, then p4.
	query := []float32{0, 0, 0.9, 0.6, 0.3, 0, 0, 0}
	results, err := s.Search(ctx, query, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"p2", "p3", "p4"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, id := range want {
		if results[i].ID != id {
			t.Errorf("results[%d] = %s, want %s", i, results[i].ID, id)
		}
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	s, _, _ := openTestIndex(t)

	results, err := s.Search(context.Background(), makeTestVector(8, 0.1), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_ZeroVectorOrTopK(t *testing.T) {
	s, _, docID := openTestIndex(t)
	ctx := context.Background()
	if err := s.Insert(ctx, []Record{{DocumentID: docID, Text: "x", Embedding: unit(4, 0)}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if res, err := s.Search(ctx, make([]float32, 4), 5); err != nil || res != nil {
		t.Errorf("zero vector: got %v, %v", res, err)
	}
	if res, err := s.Search(ctx, unit(4, 0), 0); err != nil || res != nil {
		t.Errorf("topK 0: got %v, %v", res, err)
	}
}

func TestDeleteByDocumentAndCount(t *testing.T) {
	s, st, docID := openTestIndex(t)
	ctx := context.Background()

	other, err := st.SaveDocument(ctx, storage.Document{OwnerID: "u1", Title: "other", Content: "y"})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	err = s.Insert(ctx, []Record{
		{DocumentID: docID, Text: "a", Embedding: unit(4, 0)},
		{DocumentID: docID, Text: "b", Embedding: unit(4, 1)},
		{DocumentID: other.ID, Text: "c", Embedding: unit(4, 2)},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if n, err := s.Count(ctx); err != nil || n != 3 {
		t.Fatalf("Count = %d, %v; want 3", n, err)
	}
	if err := s.DeleteByDocument(ctx, docID); err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}
	if n, err := s.Count(ctx); err != nil || n != 1 {
		t.Fatalf("Count after delete = %d, %v; want 1", n, err)
	}
}

func TestInsert_UnknownDocumentRejected(t *testing.T) {
	s, _, _ := openTestIndex(t)
	err := s.Insert(context.Background(), []Record{{DocumentID: "DOC_missing", Text: "x", Embedding: unit(2, 0)}})
	if err == nil {
		t.Fatal("expected foreign key error")
	}
	if n, _ := s.Count(context.Background()); n != 0 {
		t.Errorf("Count = %d, want 0 after failed insert", n)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, math.MaxFloat32}
	out, err := decodeFloat32sInto(nil, encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	bad := make([]byte, 6)
	binary.LittleEndian.PutUint32(bad, 1)
	if _, err := decodeFloat32sInto(nil, bad); err == nil {
		t.Error("expected error for truncated blob")
	}
}
