package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendExcursion upserts a verified prediction into the rolling window.
// Re-appending the same (pair, session, session time, predictor) key
// overwrites the excursion fields.
func (s *Store) AppendExcursion(rec *WindowRecord) error {
	rec.InWindow = true
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "pair"}, {Name: "session_id"}, {Name: "session_time"}, {Name: "predictor_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"direction", "correct", "mfe_pips", "mae_pips", "in_window", "updated_at",
		}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("append excursion: %w", err)
	}
	return nil
}

// ExpireOld flags records older than the configured window as out of
// window. Rows are kept so the window can be re-materialized later with
// different bounds.
func (s *Store) ExpireOld(now time.Time) (int64, error) {
	cutoff := now.UTC().AddDate(0, -s.windowMonths, 0)
	res := s.db.Model(&WindowRecord{}).
		Where("in_window = ? AND session_time < ?", true, cutoff).
		Update("in_window", false)
	if res.Error != nil {
		return 0, fmt.Errorf("expire window: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Int64("rows", res.RowsAffected).Time("cutoff", cutoff).Msg("expired window records")
	}
	return res.RowsAffected, nil
}

// RefreshStats rebuilds the percentile materialization from in-window rows.
// The rebuild happens inside one transaction so readers observe either the
// old or the new snapshot, never a partial one.
func (s *Store) RefreshStats() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var records []WindowRecord
		if err := tx.Where("in_window = ?", true).Find(&records).Error; err != nil {
			return fmt.Errorf("load window: %w", err)
		}

		type group struct {
			mfe     []float64
			mae     []float64
			correct int
		}
		type key struct{ pair, sessionID, predictorID string }

		groups := make(map[key]*group)
		for _, r := range records {
			k := key{r.Pair, r.SessionID, r.PredictorID}
			g := groups[k]
			if g == nil {
				g = &group{}
				groups[k] = g
			}
			g.mfe = append(g.mfe, r.MFEPips)
			g.mae = append(g.mae, r.MAEPips)
			if r.Correct {
				g.correct++
			}
		}

		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&PercentileStat{}).Error; err != nil {
			return fmt.Errorf("clear stats: %w", err)
		}

		now := time.Now().UTC()
		for k, g := range groups {
			n := len(g.mfe)
			stat := PercentileStat{
				Pair:        k.pair,
				SessionID:   k.sessionID,
				PredictorID: k.predictorID,
				SampleCount: n,
				AccuracyPct: float64(g.correct) / float64(n) * 100,
				MFEP25:      percentile(g.mfe, 0.25),
				MFEP50:      percentile(g.mfe, 0.50),
				MFEP75:      percentile(g.mfe, 0.75),
				MAEP25:      percentile(g.mae, 0.25),
				MAEP50:      percentile(g.mae, 0.50),
				MAEP75:      percentile(g.mae, 0.75),
				UpdatedAt:   now,
			}
			if err := tx.Create(&stat).Error; err != nil {
				return fmt.Errorf("write stats: %w", err)
			}
		}

		log.Info().Int("groups", len(groups)).Int("records", len(records)).Msg("refreshed percentile stats")
		return nil
	})
}

// GetStats returns the materialized distribution for one key, or
// gorm.ErrRecordNotFound when the group has never been materialized.
func (s *Store) GetStats(pair, sessionID, predictorID string) (*PercentileStat, error) {
	var stat PercentileStat
	err := s.db.Where("pair = ? AND session_id = ? AND predictor_id = ?",
		pair, sessionID, predictorID).First(&stat).Error
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

// AllStats returns the whole materialization for the dashboard.
func (s *Store) AllStats() ([]PercentileStat, error) {
	var stats []PercentileStat
	err := s.db.Order("pair ASC, session_id ASC").Find(&stats).Error
	return stats, err
}

// ReplaceWindow deletes every record for a predictor and inserts the given
// batch, then leaves the materialization to a RefreshStats call. Used by
// the baseline importer.
func (s *Store) ReplaceWindow(predictorID string, records []WindowRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("predictor_id = ?", predictorID).Delete(&WindowRecord{}).Error; err != nil {
			return fmt.Errorf("clear window: %w", err)
		}
		for i := range records {
			records[i].ID = 0
			records[i].PredictorID = predictorID
			records[i].InWindow = true
			if err := tx.Create(&records[i]).Error; err != nil {
				return fmt.Errorf("insert record %d: %w", i, err)
			}
		}
		return nil
	})
}

// percentile computes a linearly interpolated percentile the way
// PERCENTILE_CONT does: rank p*(n-1) between the sorted neighbors.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
