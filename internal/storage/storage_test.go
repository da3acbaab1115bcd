package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"hazard-ensemble/internal/history"
	"hazard-ensemble/internal/ml"
)

var _ history.Provider = (*Store)(nil)
var _ history.Sink = (*Store)(nil)
var _ ml.NamespaceStore = (*Store)(nil)

func testRounds(n int) []history.Round {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rounds := make([]history.Round, n)
	for i := range rounds {
		rounds[i] = history.Round{
			ID:        fmt.Sprintf("g%03d", i),
			Positions: []int{1 + i%25, 1 + (i+6)%25, 1 + (i+12)%25, 1 + (i+18)%25},
			PlayedAt:  base.Add(time.Duration(i) * time.Minute),
		}
	}
	return rounds
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	// Check if database file was created
	dbPath := filepath.Join(tempDir, "hazard-ensemble.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store in nested directory: %v", err)
	}
	defer store.Close()
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}

	// Test closing already closed store
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_AppendAndReadRounds(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	rounds := testRounds(5)
	added, err := store.AppendRounds(ctx, rounds[:3])
	if err != nil {
		t.Fatalf("AppendRounds failed: %v", err)
	}
	if added != 3 {
		t.Errorf("Expected 3 rounds added, got %d", added)
	}
	for _, r := range rounds[3:] {
		if err := store.AppendRound(ctx, r); err != nil {
			t.Fatalf("AppendRound failed: %v", err)
		}
	}

	got, err := store.Rounds(ctx)
	if err != nil {
		t.Fatalf("Rounds failed: %v", err)
	}
	if !reflect.DeepEqual(got, rounds) {
		t.Errorf("Rounds mismatch:\n got %+v\nwant %+v", got, rounds)
	}

	count, err := store.Count()
	if err != nil || count != 5 {
		t.Errorf("Expected count 5, got %d (err %v)", count, err)
	}

	last, err := store.LastRoundID(ctx)
	if err != nil || last != "g004" {
		t.Errorf("Expected last id g004, got %q (err %v)", last, err)
	}
}

func TestStore_DuplicateRoundsIgnored(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	rounds := testRounds(3)
	if _, err := store.AppendRounds(ctx, rounds); err != nil {
		t.Fatalf("AppendRounds failed: %v", err)
	}
	added, err := store.AppendRounds(ctx, testRounds(4))
	if err != nil {
		t.Fatalf("AppendRounds failed: %v", err)
	}
	if added != 1 {
		t.Errorf("Expected only the new round to be added, got %d", added)
	}

	if err := store.AppendRound(ctx, history.Round{Positions: []int{1, 2, 3, 4}}); err == nil {
		t.Error("Expected error for round without id")
	}
}

func TestStore_RoundsAfter(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if _, err := store.AppendRounds(ctx, testRounds(6)); err != nil {
		t.Fatalf("AppendRounds failed: %v", err)
	}

	tests := []struct {
		name  string
		after string
		first string
		count int
	}{
		{"empty id", "", "g000", 6},
		{"middle", "g002", "g003", 3},
		{"last", "g005", "", 0},
		{"unknown id", "missing", "g000", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.RoundsAfter(ctx, tt.after)
			if err != nil {
				t.Fatalf("RoundsAfter failed: %v", err)
			}
			if len(got) != tt.count {
				t.Fatalf("Expected %d rounds, got %d", tt.count, len(got))
			}
			if tt.count > 0 && got[0].ID != tt.first {
				t.Errorf("Expected first round %s, got %s", tt.first, got[0].ID)
			}
		})
	}
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := store.AppendRounds(ctx, testRounds(2)); err != nil {
		t.Fatalf("AppendRounds failed: %v", err)
	}
	if err := store.Namespace("ensemble").Put("state", map[string]int{"rounds": 2}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	store.Close()

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	count, _ := reopened.Count()
	if count != 2 {
		t.Errorf("Expected 2 rounds after reopen, got %d", count)
	}
	var state map[string]int
	ok, err := reopened.Namespace("ensemble").Get("state", &state)
	if err != nil || !ok || state["rounds"] != 2 {
		t.Errorf("Expected persisted state, got %v (ok %v, err %v)", state, ok, err)
	}
}

func TestNamespace_PutGet(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	type params struct {
		Weights []float64 `json:"weights"`
		Trained bool      `json:"trained"`
	}
	ns := store.Namespace("model/markov")

	var missing params
	ok, err := ns.Get("params", &missing)
	if err != nil || ok {
		t.Fatalf("Expected missing key, got ok=%v err=%v", ok, err)
	}

	want := params{Weights: []float64{0.1, 0.2, 0.7}, Trained: true}
	if err := ns.Put("params", want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	var got params
	ok, err = ns.Get("params", &got)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	// namespaces are isolated from each other
	ok, _ = store.Namespace("model/forest").Get("params", &got)
	if ok {
		t.Error("Expected namespaces to be isolated")
	}

	// a value that does not decode is reported as an error
	var wrong []string
	if _, err := ns.Get("params", &wrong); err == nil {
		t.Error("Expected decode error for mismatched type")
	}
}
