package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"time"

	"hazard-ensemble/internal/history"
	"hazard-ensemble/internal/storage"
)

func main() {
	var (
		dataPath   = flag.String("data", "data", "Data directory for the bbolt store")
		csvPath    = flag.String("csv", "", "Write a CSV file instead of the bbolt store")
		count      = flag.Int("n", 200, "Number of rounds to generate")
		pattern    = flag.String("pattern", "sticky", "Layout pattern: uniform, alternating or sticky")
		stickiness = flag.Float64("stickiness", 0.6, "Chance that a hazard stays put in the sticky pattern")
		cells      = flag.Int("cells", 25, "Number of cells on the board")
		hazards    = flag.Int("hazards", 4, "Hazards per round")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	)
	flag.Parse()

	if *hazards <= 0 || *hazards >= *cells {
		log.Fatalf("hazards must be in [1, %d), got %d", *cells, *hazards)
	}

	fmt.Printf("Generating %d %s rounds...\n", *count, *pattern)
	fmt.Printf("  Board: %d cells, %d hazards\n", *cells, *hazards)
	fmt.Printf("  Seed: %d\n", *seed)

	gen := &generator{
		rng:        rand.New(rand.NewSource(*seed)),
		cells:      *cells,
		hazards:    *hazards,
		stickiness: *stickiness,
	}
	rounds, err := gen.rounds(*pattern, *count)
	if err != nil {
		log.Fatalf("Failed to generate rounds: %v", err)
	}

	if *csvPath != "" {
		if err := writeCSV(*csvPath, rounds); err != nil {
			log.Fatalf("Failed to write CSV: %v", err)
		}
		fmt.Printf("✓ Wrote %d rounds to %s\n", len(rounds), *csvPath)
		return
	}

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	added, err := store.AppendRounds(context.Background(), rounds)
	if err != nil {
		log.Fatalf("Failed to store rounds: %v", err)
	}
	fmt.Printf("✓ Stored %d rounds in %s\n", added, *dataPath)
}

type generator struct {
	rng        *rand.Rand
	cells      int
	hazards    int
	stickiness float64
}

func (g *generator) rounds(pattern string, n int) ([]history.Round, error) {
	start := time.Now().UTC().Add(-time.Duration(n) * time.Minute).Truncate(time.Second)
	prefix := fmt.Sprintf("gen-%d", start.Unix())

	layoutA := g.uniform()
	layoutB := g.uniform()
	prev := layoutA

	out := make([]history.Round, n)
	for i := range out {
		var layout []int
		switch pattern {
		case "uniform":
			layout = g.uniform()
		case "alternating":
			layout = layoutA
			if i%2 == 1 {
				layout = layoutB
			}
		case "sticky":
			layout = g.sticky(prev)
		default:
			return nil, fmt.Errorf("unknown pattern %q", pattern)
		}
		prev = layout
		out[i] = history.Round{
			ID:        fmt.Sprintf("%s-%05d", prefix, i),
			Positions: append([]int(nil), layout...),
			PlayedAt:  start.Add(time.Duration(i) * time.Minute),
		}
	}
	return out, nil
}

// uniform draws distinct 1-based cells.
func (g *generator) uniform() []int {
	perm := g.rng.Perm(g.cells)[:g.hazards]
	out := make([]int, g.hazards)
	for i, p := range perm {
		out[i] = p + 1
	}
	sort.Ints(out)
	return out
}

// sticky keeps each previous hazard with probability stickiness and moves
// the others to free cells.
func (g *generator) sticky(prev []int) []int {
	taken := make(map[int]bool, g.hazards)
	out := make([]int, 0, g.hazards)
	for _, p := range prev {
		if g.rng.Float64() < g.stickiness {
			taken[p] = true
			out = append(out, p)
		}
	}
	for len(out) < g.hazards {
		p := g.rng.Intn(g.cells) + 1
		if taken[p] {
			continue
		}
		taken[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func writeCSV(path string, rounds []history.Round) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := history.WriteCSV(f, rounds); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
