package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"hazard-ensemble/internal/features"
	"hazard-ensemble/internal/ml"
	"hazard-ensemble/internal/storage"

	"github.com/dustin/go-humanize"
)

func main() {
	var (
		dataPath = flag.String("data", "./data", "Data directory path")
		last     = flag.Int("last", 10, "Number of recent rounds to print")
	)
	flag.Parse()

	fmt.Printf("Inspecting data in: %s\n", *dataPath)

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	rounds, err := store.Rounds(context.Background())
	if err != nil {
		log.Fatalf("Failed to read rounds: %v", err)
	}
	fmt.Printf("\nStored rounds: %s\n", humanize.Comma(int64(len(rounds))))

	grid := ml.DefaultGrid()
	freq := make([]int, grid.Cells())
	for _, r := range rounds {
		for _, p := range r.Positions {
			if p >= 1 && p <= grid.Cells() {
				freq[p-1]++
			}
		}
	}

	fmt.Printf("\nMost recent rounds:\n")
	for _, r := range rounds[max(0, len(rounds)-*last):] {
		fmt.Printf("  %s  %v  (%s)\n", r.ID, r.Positions, humanize.Time(r.PlayedAt))
	}

	if len(rounds) > 0 {
		fmt.Printf("\nHazard frequency per cell:\n")
		for row := 0; row < grid.Rows; row++ {
			cells := make([]string, grid.Cols)
			for col := range cells {
				i := grid.Index(row, col)
				cells[col] = fmt.Sprintf("%5.1f%%", 100*float64(freq[i])/float64(len(rounds)))
			}
			fmt.Printf("  %s\n", strings.Join(cells, " "))
		}
	}

	ens := ml.New(ml.DefaultConfig(), features.NewBuilder(grid), ml.WithStore(store))
	if err := ens.Load(); err != nil {
		fmt.Printf("\nEnsemble state: %v\n", err)
		return
	}
	st := ens.Status()
	fmt.Printf("\nEnsemble state:\n")
	fmt.Printf("  Trained: %v\n", st.Trained)
	fmt.Printf("  Rounds: %d (%d since retrain)\n", st.TotalRounds, st.RoundsSinceRetrain)
	if st.LastRunAt != nil {
		fmt.Printf("  Last run: %s (%s)\n", st.LastRunID, humanize.Time(*st.LastRunAt))
	}
	for _, m := range st.Models {
		fmt.Printf("  %-12s trained=%-5v weight=%.3f\n", m.Name, m.Trained, st.Weights[m.Name])
	}
}
