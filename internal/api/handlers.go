package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/extrusion.control/internal/diameter"
	"github.com/banshee-data/extrusion.control/internal/machine"
	"github.com/banshee-data/extrusion.control/internal/puller"
	"github.com/banshee-data/extrusion.control/internal/regulator"
	"github.com/banshee-data/extrusion.control/internal/units"
)

const maxBodyBytes = 64 * 1024

// StatusResponse is machine.Status with puller speeds in the requested units.
type StatusResponse struct {
	machine.Status
	SpeedUnits       string   `json:"speed_units"`
	PullerSpeed      float64  `json:"puller_speed"`
	PullerTarget     float64  `json:"puller_target_speed"`
	SpoolSpeed       *float64 `json:"spool_speed"`
	ExpectedDiameter float64  `json:"expected_diameter_mm"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	u, ok := s.speedUnits(r)
	if !ok {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid units: must be one of "+units.GetValidSpeedUnitsString())
		return
	}

	status := s.m.Status()
	resp := StatusResponse{
		Status:           status,
		SpeedUnits:       u,
		PullerSpeed:      units.ConvertSpeed(status.Puller.LastSpeedMPM, u),
		PullerTarget:     units.ConvertSpeed(status.Puller.TargetSpeedMPM, u),
		ExpectedDiameter: s.m.ExpectedDiameter(),
	}
	if status.SpoolSpeedMPM != nil {
		v := units.ConvertSpeed(*status.SpoolSpeedMPM, u)
		resp.SpoolSpeed = &v
	}
	s.writeJSON(w, resp)
}

// decodeUpdate reads a JSON body into v. Unknown fields are rejected so a
// typo does not silently do nothing.
func decodeUpdate(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// applyError maps machine errors onto HTTP status codes.
func (s *Server) applyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, diameter.ErrConfigOutOfRange),
		errors.Is(err, regulator.ErrInvalidTolerance),
		errors.Is(err, machine.ErrInvalidSetpoint):
		s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

type laserUpdate struct {
	TargetDiameterMM       *float64 `json:"target_diameter_mm"`
	LowerToleranceMM       *float64 `json:"lower_tolerance_mm"`
	HigherToleranceMM      *float64 `json:"higher_tolerance_mm"`
	MinMaxTimeframeMinutes *uint64  `json:"min_max_timeframe_minutes"`
}

func (s *Server) updateLaser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req laserUpdate
	if err := decodeUpdate(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	apply(s, w, machine.LaserUpdate{
		TargetDiameter:   req.TargetDiameterMM,
		LowerTolerance:   req.LowerToleranceMM,
		HigherTolerance:  req.HigherToleranceMM,
		TimeframeMinutes: req.MinMaxTimeframeMinutes,
	}, s.m.UpdateLaser)
}

type regulatorUpdate struct {
	Enabled          *bool    `json:"enabled"`
	Strategy         *string  `json:"strategy"`
	SpeedScale       *float64 `json:"speed_scale"`
	TightToleranceMM *float64 `json:"tight_tolerance_mm"`
	LooseToleranceMM *float64 `json:"loose_tolerance_mm"`
}

func (s *Server) updateRegulator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req regulatorUpdate
	if err := decodeUpdate(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	u := machine.RegulatorUpdate{
		Enabled:        req.Enabled,
		SpeedScale:     req.SpeedScale,
		TightTolerance: req.TightToleranceMM,
		LooseTolerance: req.LooseToleranceMM,
	}
	if req.Strategy != nil {
		strategy, err := regulator.ParseStrategy(*req.Strategy)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		u.Strategy = &strategy
	}
	if (req.TightToleranceMM == nil) != (req.LooseToleranceMM == nil) {
		s.writeJSONError(w, http.StatusBadRequest, "tight_tolerance_mm and loose_tolerance_mm must be set together")
		return
	}
	apply(s, w, u, s.m.UpdateRegulator)
}

type pullerUpdate struct {
	Enabled     *bool    `json:"enabled"`
	TargetSpeed *float64 `json:"target_speed"`
	Mode        *string  `json:"mode"`
	Forward     *bool    `json:"forward"`
}

func (s *Server) updatePuller(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	u, ok := s.speedUnits(r)
	if !ok {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid units: must be one of "+units.GetValidSpeedUnitsString())
		return
	}
	var req pullerUpdate
	if err := decodeUpdate(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	upd := machine.PullerUpdate{
		Enabled: req.Enabled,
		Forward: req.Forward,
	}
	if req.Mode != nil {
		mode, err := puller.ParseRegulationMode(*req.Mode)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.Mode = &mode
	}
	if req.TargetSpeed != nil {
		mpm := *req.TargetSpeed / units.ConvertSpeed(1, u)
		upd.TargetSpeed = &mpm
	}
	apply(s, w, upd, s.m.UpdatePuller)
}

type extruderUpdate struct {
	RPM *float64 `json:"rpm"`
}

func (s *Server) updateExtruder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req extruderUpdate
	if err := decodeUpdate(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RPM == nil {
		s.writeJSONError(w, http.StatusBadRequest, "rpm is required")
		return
	}
	if err := s.m.SetExtruderRPM(*req.RPM); err != nil {
		s.applyError(w, err)
		return
	}
	s.writeJSON(w, s.m.Status())
}

type update interface{ Empty() bool }

// apply hands a grouped update to the machine, which checks every field
// before changing any. The response is the resulting machine status.
func apply[U update](s *Server, w http.ResponseWriter, u U, op func(U) error) {
	if u.Empty() {
		s.writeJSONError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	if err := op(u); err != nil {
		s.applyError(w, err)
		return
	}
	s.writeJSON(w, s.m.Status())
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.changes == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "settings store not configured")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 1000 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	changes, err := s.changes.RecentChanges(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve changes: %v", err))
		return
	}
	s.writeJSON(w, changes)
}
