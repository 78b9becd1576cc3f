// Imports a baseline excursion history CSV into the rolling window and
// rebuilds the percentile table, seeding the risk engine before any
// live sessions have run.
//
// Usage:
//
//	import-baseline -csv data/baseline.csv [-predictor claude_haiku_45]
//
// Expected columns:
//
//	pair,session_id,session_time,direction,correct,mfe_pips,mae_pips
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	csvPath := flag.String("csv", "", "baseline CSV file (required)")
	predictorID := flag.String("predictor", "claude_haiku_45", "predictor the rows belong to")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	st, err := store.New(cfg.DatabaseURL, cfg.StartingBalance, cfg.CommissionPerLot, cfg.RollingWindowMonths)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	records, err := readBaseline(*csvPath, *predictorID)
	if err != nil {
		log.Fatal().Err(err).Str("csv", *csvPath).Msg("Failed to read baseline")
	}
	log.Info().Int("rows", len(records)).Msg("Baseline loaded")

	if err := st.ReplaceWindow(*predictorID, records); err != nil {
		log.Fatal().Err(err).Msg("Window import failed")
	}
	if err := st.RefreshStats(); err != nil {
		log.Fatal().Err(err).Msg("Percentile refresh failed")
	}

	stats, err := st.AllStats()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read back percentiles")
	}
	log.Info().
		Int("rows", len(records)).
		Int("groups", len(stats)).
		Msg("Baseline imported, percentiles rebuilt")
}

func readBaseline(path, predictorID string) ([]store.WindowRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"pair", "session_id", "session_time", "direction", "correct", "mfe_pips", "mae_pips"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var records []store.WindowRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		sessionTime, err := time.Parse(time.RFC3339, row[col["session_time"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: session_time: %w", line, err)
		}
		direction, err := parseDirection(row[col["direction"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		correct, err := strconv.ParseBool(row[col["correct"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: correct: %w", line, err)
		}
		mfe, err := strconv.ParseFloat(row[col["mfe_pips"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: mfe_pips: %w", line, err)
		}
		mae, err := strconv.ParseFloat(row[col["mae_pips"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: mae_pips: %w", line, err)
		}

		records = append(records, store.WindowRecord{
			Pair:        row[col["pair"]],
			SessionID:   row[col["session_id"]],
			SessionTime: sessionTime.UTC(),
			PredictorID: predictorID,
			Direction:   direction,
			Correct:     correct,
			MFEPips:     mfe,
			MAEPips:     mae,
		})
	}
	return records, nil
}

func parseDirection(s string) (store.Direction, error) {
	switch s {
	case "LONG", "long", "Bullish", "bullish", "BULLISH":
		return store.Long, nil
	case "SHORT", "short", "Bearish", "bearish", "BEARISH":
		return store.Short, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}
