package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

// defaultChartPoints bounds the chart payload; a 30 minute window at 60Hz
// holds ~100k samples.
const defaultChartPoints = 4000

// AttachAdminRoutes mounts debug pages under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("diameter-chart", "Diameter over the min/max window", s.handleDiameterChart)
}

// handleDiameterChart renders the sliding window with the tolerance band.
// Query params:
//   - max_points (optional; default 4000) to reduce payload size
func (s *Server) handleDiameterChart(w http.ResponseWriter, r *http.Request) {
	maxPoints := defaultChartPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v >= 10 && v <= 50000 {
			maxPoints = v
		}
	}

	samples := s.m.Samples()
	laser := s.m.Status().Laser

	stride := 1
	if len(samples) > maxPoints {
		stride = (len(samples) + maxPoints - 1) / maxPoints
	}

	n := len(samples)/stride + 1
	xs := make([]string, 0, n)
	measured := make([]opts.LineData, 0, n)
	upper := make([]opts.LineData, 0, n)
	lower := make([]opts.LineData, 0, n)
	hi := laser.TargetDiameterMM + laser.HigherToleranceMM
	lo := laser.TargetDiameterMM - laser.LowerToleranceMM
	for i := 0; i < len(samples); i += stride {
		sample := samples[i]
		xs = append(xs, sample.T.Format("15:04:05.000"))
		measured = append(measured, opts.LineData{Value: sample.D})
		upper = append(upper, opts.LineData{Value: hi})
		lower = append(lower, opts.LineData{Value: lo})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Filament diameter", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Filament diameter",
			Subtitle: fmt.Sprintf("target=%.3fmm window=%dmin points=%d stride=%d", laser.TargetDiameterMM, laser.MinMaxTimeframeMinutes, len(measured), stride),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "d (mm)", Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(xs).
		AddSeries("measured", measured).
		AddSeries("upper", upper).
		AddSeries("lower", lower)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
