package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FileProvider reads rounds from a CSV file (id,played_at,positions) or a
// JSON-lines file (.jsonl / .json). The file is re-read on every call so an
// external writer may keep appending to it.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (f *FileProvider) Rounds(ctx context.Context) ([]Round, error) {
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".json", ".jsonl":
		return f.loadJSON()
	default:
		return f.loadCSV()
	}
}

func (f *FileProvider) RoundsAfter(ctx context.Context, id string) ([]Round, error) {
	rounds, err := f.Rounds(ctx)
	if err != nil {
		return nil, err
	}
	return after(rounds, id), nil
}

func (f *FileProvider) LastRoundID(ctx context.Context) (string, error) {
	rounds, err := f.Rounds(ctx)
	if err != nil {
		return "", err
	}
	return lastID(rounds), nil
}

func (f *FileProvider) loadCSV() ([]Round, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	indices := make(map[string]int)
	for i, col := range header {
		indices[strings.TrimSpace(strings.ToLower(col))] = i
	}
	posIdx, ok := indices["positions"]
	if !ok {
		return nil, errors.New("CSV header has no positions column")
	}

	var rounds []Round
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if posIdx >= len(record) {
			continue
		}

		positions, err := parsePositions(record[posIdx])
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping CSV row")
			continue
		}
		r := Round{Positions: positions}
		if idx, ok := indices["id"]; ok && idx < len(record) {
			r.ID = record[idx]
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("line-%d", line)
		}
		if idx, ok := indices["played_at"]; ok && idx < len(record) && record[idx] != "" {
			if ts, err := time.Parse(time.RFC3339, record[idx]); err == nil {
				r.PlayedAt = ts
			}
		}
		rounds = append(rounds, r)
	}

	sortChronological(rounds)
	log.Debug().Str("file", f.path).Int("rounds", len(rounds)).Msg("CSV rounds loaded")
	return rounds, nil
}

func (f *FileProvider) loadJSON() ([]Round, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	var rounds []Round
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var r Round
		if err := decoder.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode round %d: %w", len(rounds)+1, err)
		}
		rounds = append(rounds, r)
	}

	sortChronological(rounds)
	log.Debug().Str("file", f.path).Int("rounds", len(rounds)).Msg("JSON rounds loaded")
	return rounds, nil
}

// WriteCSV writes rounds in the format read by FileProvider.
func WriteCSV(w io.Writer, rounds []Round) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"id", "played_at", "positions"}); err != nil {
		return err
	}
	for _, r := range rounds {
		parts := make([]string, len(r.Positions))
		for i, p := range r.Positions {
			parts[i] = strconv.Itoa(p)
		}
		row := []string{r.ID, r.PlayedAt.UTC().Format(time.RFC3339), strings.Join(parts, " ")}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// parsePositions accepts positions separated by spaces, semicolons or commas.
func parsePositions(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ';' || r == ','
	})
	out := make([]int, 0, len(fields))
	for _, field := range fields {
		p, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid position %q: %w", field, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// sortChronological orders rounds by play time; rounds without a timestamp
// keep their file order.
func sortChronological(rounds []Round) {
	sort.SliceStable(rounds, func(i, j int) bool {
		a, b := rounds[i].PlayedAt, rounds[j].PlayedAt
		if a.IsZero() || b.IsZero() {
			return false
		}
		return a.Before(b)
	})
}
