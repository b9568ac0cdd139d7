package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "settings.db")
	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// Running again is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestNewDB_Reopen(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "settings.db")
	db, err := NewDB(fname)
	require.NoError(t, err)
	require.NoError(t, db.SaveSettings(&Settings{TargetDiameterMM: 2.85, Strategy: "balanced", PullerMode: "speed"}))
	require.NoError(t, db.Close())

	db, err = NewDB(fname)
	require.NoError(t, err)
	defer db.Close()

	s, err := db.GetSettings()
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 2.85, s.TargetDiameterMM)
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.RecentChanges(10)
	assert.Error(t, err, "setting_changes should be gone")

	require.NoError(t, db.MigrateUp())
	_, err = db.RecentChanges(10)
	assert.NoError(t, err)
}

func TestSettings_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetSettings()
	require.NoError(t, err)
	assert.Nil(t, got, "no settings before the first save")

	want := &Settings{
		TargetDiameterMM:       1.75,
		LowerToleranceMM:       0.04,
		HigherToleranceMM:      0.06,
		MinMaxTimeframeMinutes: 45,
		Strategy:               "extruder_only",
		SpeedScale:             1.5,
		TightToleranceMM:       0.02,
		LooseToleranceMM:       0.05,
		PullerTargetSpeedMPM:   7.5,
		PullerMode:             "diameter",
		PullerForward:          false,
		ExtruderRPM:            42,
	}
	require.NoError(t, db.SaveSettings(want))
	assert.NotZero(t, want.UpdatedAt)

	got, err = db.GetSettings()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *want, *got)

	want.PullerForward = true
	want.TargetDiameterMM = 2.85
	require.NoError(t, db.SaveSettings(want))

	got, err = db.GetSettings()
	require.NoError(t, err)
	assert.True(t, got.PullerForward)
	assert.Equal(t, 2.85, got.TargetDiameterMM)

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM machine_settings").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestRecordChange(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordChange("s1", "target_diameter_mm", "1.75", base))
	require.NoError(t, db.RecordChange("s1", "strategy", "balanced", base.Add(time.Second)))
	require.NoError(t, db.RecordChange("s1", "speed_scale", "1.2", base.Add(2*time.Second)))

	changes, err := db.RecentChanges(2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "speed_scale", changes[0].Field)
	assert.Equal(t, "strategy", changes[1].Field)
	assert.Equal(t, "s1", changes[0].SessionID)
	assert.NotEmpty(t, changes[0].ChangeID)
	assert.NotEqual(t, changes[0].ChangeID, changes[1].ChangeID)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), changes[0].ChangedAt)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.SaveSettings(&Settings{TargetDiameterMM: 1.75, Strategy: "balanced", PullerMode: "speed"}))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}
