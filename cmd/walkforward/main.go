package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hazard-ensemble/internal/backtest"
	"hazard-ensemble/internal/cfg"
	"hazard-ensemble/internal/features"
	"hazard-ensemble/internal/ml"
	"hazard-ensemble/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		source     = flag.String("source", "", "History source: file, sqlite, bolt or rest (default from config)")
		filePath   = flag.String("file", "", "Rounds file for -source file (CSV or JSON lines)")
		sqlitePath = flag.String("sqlite", "", "Game database for -source sqlite")
		restURL    = flag.String("rest", "", "Export API base URL for -source rest")
		dataPath   = flag.String("data", "", "Data directory holding the bbolt store for -source bolt")
		outputPath = flag.String("out", "", "Output directory for reports (default: walkforward_<timestamp>)")
		replay     = flag.Bool("replay", false, "Replay rounds through the online path instead of a single training")
		last       = flag.Int("last", 0, "Only evaluate the last N rounds")
		startDate  = flag.String("start", "", "Skip rounds played before this date (YYYY-MM-DD)")
		endDate    = flag.String("end", "", "Skip rounds played after this date (YYYY-MM-DD)")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()
	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Override config with command line arguments
	if *source != "" {
		config.HistorySource = *source
	}
	if *filePath != "" {
		config.HistoryFile = *filePath
	}
	if *sqlitePath != "" {
		config.SQLitePath = *sqlitePath
	}
	if *restURL != "" {
		config.RESTBaseURL = *restURL
	}
	if *dataPath != "" {
		config.DataPath = *dataPath
	}
	if *outputPath == "" {
		*outputPath = filepath.Join(".", "walkforward_"+time.Now().Format("20060102_150405"))
	}

	from, err := parseDate(*startDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid start date format")
	}
	to, err := parseDate(*endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid end date format")
	}
	if !to.IsZero() {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}

	mode := backtest.ModeTrain
	if *replay {
		mode = backtest.ModeReplay
	}

	fmt.Println("=== Walk-Forward Configuration ===")
	fmt.Printf("Source: %s\n", config.HistorySource)
	fmt.Printf("Mode: %s\n", mode)
	fmt.Printf("Output Directory: %s\n", *outputPath)
	fmt.Printf("Grid: %dx%d, %d hazards\n", config.GridRows, config.GridCols, config.Hazards)
	fmt.Println("==================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, closeSource, err := storage.OpenSource(&config, config.HistorySource, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history source")
	}
	defer closeSource()

	loader := backtest.NewDataLoader()
	if err := loader.Load(ctx, provider, from, to); err != nil {
		log.Fatal().Err(err).Msg("Failed to load rounds")
	}
	loader.Tail(*last)

	mlc := ml.ConfigFromSettings(&config)
	engine := backtest.NewEngine(mlc, features.NewBuilder(mlc.Grid), loader.Rounds())

	results, err := engine.Run(ctx, mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Walk-forward evaluation failed")
	}

	reporter := backtest.NewReporter(results, *outputPath)
	if err := reporter.GenerateReport(); err != nil {
		log.Error().Err(err).Msg("Failed to generate reports")
	}
	reporter.PrintSummary()

	log.Info().
		Str("output", *outputPath).
		Msg("Walk-forward evaluation completed successfully")
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}
