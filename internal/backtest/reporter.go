package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const (
	summaryFile = "walkforward_summary.txt"
	roundsFile  = "walkforward_rounds.csv"
	reportFile  = "walkforward_results.json"
)

// Reporter generates walk-forward reports
type Reporter struct {
	results    *Results
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes the summary, the per-round CSV and the JSON report.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}

	if err := r.generateRoundLog(); err != nil {
		return err
	}

	return r.generateJSONReport()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, summaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	res := r.results

	fmt.Fprintf(w, "WALK-FORWARD RESULTS SUMMARY\n")
	fmt.Fprintf(w, "============================\n\n")

	fmt.Fprintf(w, "Mode: %s\n", res.Mode)
	fmt.Fprintf(w, "Started: %s\n", res.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n\n", res.Duration().Round(time.Millisecond))

	fmt.Fprintf(w, "ROUNDS\n")
	fmt.Fprintf(w, "------\n")
	fmt.Fprintf(w, "Loaded: %s\n", humanize.Comma(int64(res.Rounds)))
	fmt.Fprintf(w, "Evaluated: %s\n", humanize.Comma(int64(res.Evaluated)))
	fmt.Fprintf(w, "Skipped: %d\n", res.Skipped)
	fmt.Fprintf(w, "Trainings: %d\n\n", res.Retrains)

	fmt.Fprintf(w, "ACCURACY\n")
	fmt.Fprintf(w, "--------\n")
	fmt.Fprintf(w, "Avg Hazards Found: %.2f\n", res.AvgFound)
	fmt.Fprintf(w, "Identification Rate: %.2f%%\n", res.IdentificationRate*100)
	fmt.Fprintf(w, "Mean Squared Error: %.4f\n", res.MSE)
	fmt.Fprintf(w, "Suggestion Hit Rate: %.2f%%\n", res.SuggestionHitRate*100)
	for _, cut := range sortedCuts(res.Recall) {
		fmt.Fprintf(w, "Recall@%d: %.3f  Precision@%d: %.3f\n", cut, res.Recall[cut], cut, res.Precision[cut])
	}

	if len(res.FinalWeights) > 0 {
		fmt.Fprintf(w, "\nFINAL WEIGHTS\n")
		fmt.Fprintf(w, "-------------\n")
		for _, name := range sortedKeys(res.FinalWeights) {
			fmt.Fprintf(w, "%s: %.3f (score %.3f)\n", name, res.FinalWeights[name], res.ModelScores[name])
		}
	}

	if res.Train != nil && res.Train.Validation != nil {
		v := res.Train.Validation
		fmt.Fprintf(w, "\nLAST TRAINING\n")
		fmt.Fprintf(w, "-------------\n")
		fmt.Fprintf(w, "Rounds: %d (train %d, validation %d, test %d)\n",
			res.Train.Rounds, res.Train.TrainRounds, res.Train.ValidationRounds, res.Train.TestRounds)
		fmt.Fprintf(w, "Test Identification Rate: %.2f%%\n", v.IdentificationRate*100)
		if len(res.Train.Failed) > 0 {
			fmt.Fprintf(w, "Failed Models: %s\n", strings.Join(res.Train.Failed, ", "))
		}
		for _, pe := range v.ProblematicPositions {
			fmt.Fprintf(w, "Problematic cell %d: %d misses (%.1f%%)\n", pe.Position, pe.Count, pe.Rate*100)
		}
	}
}

// generateRoundLog writes one CSV row per evaluated round together with the
// running identification rate.
func (r *Reporter) generateRoundLog() error {
	csvPath := filepath.Join(r.outputPath, roundsFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create round log: %w", err)
	}
	defer file.Close()

	if err := r.writeRoundLog(file); err != nil {
		return err
	}

	log.Info().Str("file", csvPath).Msg("Round log generated")
	return nil
}

func (r *Reporter) writeRoundLog(w io.Writer) error {
	writer := csv.NewWriter(w)

	cuts := sortedCuts(r.results.Recall)
	header := []string{"Index", "Round", "Played At", "Predicted", "Actual", "Found", "MSE"}
	for _, cut := range cuts {
		header = append(header, fmt.Sprintf("Recall@%d", cut))
	}
	header = append(header, "Suggestion", "Suggestion Safe", "Retrained", "Cumulative Rate")
	if err := writer.Write(header); err != nil {
		return err
	}

	hazards := 0
	found := 0
	for _, rr := range r.results.RoundResults {
		found += rr.Found
		hazards += len(rr.Actual)
		cumulative := 0.0
		if hazards > 0 {
			cumulative = float64(found) / float64(hazards)
		}

		playedAt := ""
		if !rr.PlayedAt.IsZero() {
			playedAt = rr.PlayedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			strconv.Itoa(rr.Index),
			rr.RoundID,
			playedAt,
			joinInts(rr.Predicted),
			joinInts(rr.Actual),
			strconv.Itoa(rr.Found),
			fmt.Sprintf("%.4f", rr.MSE),
		}
		for _, cut := range cuts {
			record = append(record, fmt.Sprintf("%.3f", rr.Recall[cut]))
		}
		record = append(record,
			strconv.Itoa(rr.Suggestion),
			strconv.FormatBool(rr.SuggestionSafe),
			strconv.FormatBool(rr.Retrained),
			fmt.Sprintf("%.4f", cumulative),
		)
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, reportFile)

	report := map[string]interface{}{
		"results":      r.results,
		"generated_at": time.Now(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// PrintSummary prints a summary to console
func (r *Reporter) PrintSummary() {
	res := r.results
	fmt.Println("\n=== WALK-FORWARD RESULTS ===")
	fmt.Printf("Mode: %s\n", res.Mode)
	fmt.Printf("Rounds: %s loaded, %s evaluated, %d skipped\n",
		humanize.Comma(int64(res.Rounds)), humanize.Comma(int64(res.Evaluated)), res.Skipped)
	fmt.Printf("Identification Rate: %.2f%%\n", res.IdentificationRate*100)
	fmt.Printf("Avg Hazards Found: %.2f\n", res.AvgFound)
	fmt.Printf("Suggestion Hit Rate: %.2f%%\n", res.SuggestionHitRate*100)
	fmt.Printf("MSE: %.4f\n", res.MSE)
	fmt.Printf("Trainings: %d\n", res.Retrains)
	fmt.Println("============================")
}

func sortedCuts(m map[int]float64) []int {
	cuts := make([]int, 0, len(m))
	for cut := range m {
		cuts = append(cuts, cut)
	}
	sort.Ints(cuts)
	return cuts
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, " ")
}
