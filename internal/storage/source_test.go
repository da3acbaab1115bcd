package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"hazard-ensemble/internal/cfg"
	"hazard-ensemble/internal/common"
	"hazard-ensemble/internal/history"
)

func sourceSettings(dir string) *cfg.Settings {
	return &cfg.Settings{
		DataPath:    dir,
		GridRows:    5,
		GridCols:    5,
		Hazards:     4,
		HistoryFile: filepath.Join(dir, "rounds.csv"),
		RESTBaseURL: "http://127.0.0.1:1",
	}
}

func TestOpenSource_Bolt(t *testing.T) {
	dir := t.TempDir()
	settings := sourceSettings(dir)

	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	rounds := testRounds(3)
	rounds = append(rounds, history.Round{ID: "bad", Positions: []int{1, 2}})
	if _, err := store.AppendRounds(context.Background(), rounds); err != nil {
		t.Fatalf("Failed to append rounds: %v", err)
	}

	p, closeFn, err := OpenSource(settings, common.SourceBolt, store)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer closeFn()

	got, err := p.Rounds(context.Background())
	if err != nil {
		t.Fatalf("Rounds failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 valid rounds, got %d", len(got))
	}

	// the wrapper keeps the store's sink behaviour
	if _, ok := p.(history.Sink); !ok {
		t.Error("Bolt source should accept appended rounds")
	}
}

func TestOpenSource_BoltOpensStore(t *testing.T) {
	dir := t.TempDir()

	p, closeFn, err := OpenSource(sourceSettings(dir), common.SourceBolt, nil)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	if _, err := p.LastRoundID(context.Background()); err != nil {
		t.Errorf("LastRoundID failed: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, dbFile)); err != nil {
		t.Errorf("Database file was not created: %v", err)
	}
}

func TestOpenSource_File(t *testing.T) {
	dir := t.TempDir()
	settings := sourceSettings(dir)

	f, err := os.Create(settings.HistoryFile)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	if err := history.WriteCSV(f, testRounds(5)); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	f.Close()

	p, closeFn, err := OpenSource(settings, common.SourceFile, nil)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer closeFn()

	got, err := p.RoundsAfter(context.Background(), "g002")
	if err != nil {
		t.Fatalf("RoundsAfter failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "g003" {
		t.Errorf("Unexpected rounds after g002: %+v", got)
	}
}

func TestOpenSource_Unknown(t *testing.T) {
	if _, _, err := OpenSource(sourceSettings(t.TempDir()), "kafka", nil); err == nil {
		t.Error("Expected error for unknown source")
	}
}

func TestOpenSource_REST(t *testing.T) {
	p, closeFn, err := OpenSource(sourceSettings(t.TempDir()), common.SourceREST, nil)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer closeFn()

	v, ok := p.(history.Validated)
	if !ok {
		t.Fatalf("Expected a validated provider, got %T", p)
	}
	if _, ok := v.Provider.(*history.RESTProvider); !ok {
		t.Errorf("Expected REST provider, got %T", v.Provider)
	}
}
