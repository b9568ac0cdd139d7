package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Settings is the persisted operator setpoint record. There is at most one
// row. Enable flags are deliberately absent: a restarted machine always comes
// up with regulation and the puller switched off.
type Settings struct {
	TargetDiameterMM       float64 `json:"target_diameter_mm"`
	LowerToleranceMM       float64 `json:"lower_tolerance_mm"`
	HigherToleranceMM      float64 `json:"higher_tolerance_mm"`
	MinMaxTimeframeMinutes uint64  `json:"min_max_timeframe_minutes"`
	Strategy               string  `json:"strategy"`
	SpeedScale             float64 `json:"speed_scale"`
	TightToleranceMM       float64 `json:"tight_tolerance_mm"`
	LooseToleranceMM       float64 `json:"loose_tolerance_mm"`
	PullerTargetSpeedMPM   float64 `json:"puller_target_speed_mpm"`
	PullerMode             string  `json:"puller_mode"`
	PullerForward          bool    `json:"puller_forward"`
	ExtruderRPM            float64 `json:"extruder_rpm"`
	UpdatedAt              int64   `json:"updated_at"`
}

// GetSettings returns the stored settings, or nil if none were saved yet.
func (db *DB) GetSettings() (*Settings, error) {
	query := `SELECT target_diameter_mm, lower_tolerance_mm, higher_tolerance_mm, min_max_timeframe_minutes,
	                 strategy, speed_scale, tight_tolerance_mm, loose_tolerance_mm,
	                 puller_target_speed_mpm, puller_mode, puller_forward, extruder_rpm, updated_at
	          FROM machine_settings
	          WHERE id = 1`

	var s Settings
	var forward int
	err := db.QueryRow(query).Scan(&s.TargetDiameterMM, &s.LowerToleranceMM, &s.HigherToleranceMM,
		&s.MinMaxTimeframeMinutes, &s.Strategy, &s.SpeedScale, &s.TightToleranceMM, &s.LooseToleranceMM,
		&s.PullerTargetSpeedMPM, &s.PullerMode, &forward, &s.ExtruderRPM, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	s.PullerForward = forward == 1
	return &s, nil
}

// SaveSettings replaces the stored settings and stamps UpdatedAt.
func (db *DB) SaveSettings(s *Settings) error {
	query := `INSERT INTO machine_settings (id, target_diameter_mm, lower_tolerance_mm, higher_tolerance_mm,
	              min_max_timeframe_minutes, strategy, speed_scale, tight_tolerance_mm, loose_tolerance_mm,
	              puller_target_speed_mpm, puller_mode, puller_forward, extruder_rpm, updated_at)
	          VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              target_diameter_mm = excluded.target_diameter_mm,
	              lower_tolerance_mm = excluded.lower_tolerance_mm,
	              higher_tolerance_mm = excluded.higher_tolerance_mm,
	              min_max_timeframe_minutes = excluded.min_max_timeframe_minutes,
	              strategy = excluded.strategy,
	              speed_scale = excluded.speed_scale,
	              tight_tolerance_mm = excluded.tight_tolerance_mm,
	              loose_tolerance_mm = excluded.loose_tolerance_mm,
	              puller_target_speed_mpm = excluded.puller_target_speed_mpm,
	              puller_mode = excluded.puller_mode,
	              puller_forward = excluded.puller_forward,
	              extruder_rpm = excluded.extruder_rpm,
	              updated_at = excluded.updated_at`

	forward := 0
	if s.PullerForward {
		forward = 1
	}
	s.UpdatedAt = time.Now().Unix()

	_, err := db.Exec(query, s.TargetDiameterMM, s.LowerToleranceMM, s.HigherToleranceMM,
		s.MinMaxTimeframeMinutes, s.Strategy, s.SpeedScale, s.TightToleranceMM, s.LooseToleranceMM,
		s.PullerTargetSpeedMPM, s.PullerMode, forward, s.ExtruderRPM, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SettingChange is one entry in the operator change log.
type SettingChange struct {
	ChangeID  string `json:"change_id"`
	SessionID string `json:"session_id"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	ChangedAt int64  `json:"changed_at"`
}

// RecordChange appends to the change log. sessionID identifies the process
// run that made the change.
func (db *DB) RecordChange(sessionID, field, value string, at time.Time) error {
	_, err := db.Exec(`INSERT INTO setting_changes (change_id, session_id, field, value, changed_at)
	                   VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, field, value, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record setting change: %w", err)
	}
	return nil
}

// RecentChanges returns up to limit change log entries, newest first.
func (db *DB) RecentChanges(limit int) ([]SettingChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT change_id, session_id, field, value, changed_at
	                       FROM setting_changes
	                       ORDER BY changed_at DESC, rowid DESC
	                       LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query setting changes: %w", err)
	}
	defer rows.Close()

	var changes []SettingChange
	for rows.Next() {
		var c SettingChange
		if err := rows.Scan(&c.ChangeID, &c.SessionID, &c.Field, &c.Value, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
