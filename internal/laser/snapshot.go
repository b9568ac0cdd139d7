// Package laser adapts a laser micrometer attached over serial into the
// snapshot reader consumed by the diameter aggregator.
package laser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseable is returned for lines that carry no diameter reading.
var ErrUnparseable = errors.New("unparseable laser line")

// Snapshot is the most recent reading from the device. X and Y are nil on
// single-axis gauges.
type Snapshot struct {
	Diameter   float64   `json:"d"`
	X          *float64  `json:"x,omitempty"`
	Y          *float64  `json:"y,omitempty"`
	Seq        uint64    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// ParseLine decodes one line emitted by the gauge. Three forms are accepted:
//
//	D=1.752 X=1.749 Y=1.756   (key=value, space or comma separated)
//	1.752                     (bare diameter)
//	{"d":1.752,"x":1.749}     (JSON)
//
// Keys are case-insensitive; unknown keys are ignored.
func ParseLine(line string) (Snapshot, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Snapshot{}, ErrUnparseable
	}

	if strings.HasPrefix(line, "{") {
		var raw struct {
			D *float64 `json:"d"`
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		if raw.D == nil {
			return Snapshot{}, fmt.Errorf("%w: missing d in %q", ErrUnparseable, line)
		}
		return validate(Snapshot{Diameter: *raw.D, X: raw.X, Y: raw.Y}, line)
	}

	if v, err := strconv.ParseFloat(line, 64); err == nil {
		return validate(Snapshot{Diameter: v}, line)
	}

	var snap Snapshot
	haveD := false
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ',' || r == ';' || r == '\t' })
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: bad value for %s in %q", ErrUnparseable, key, line)
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "D":
			snap.Diameter = v
			haveD = true
		case "X":
			snap.X = &v
		case "Y":
			snap.Y = &v
		}
	}
	if !haveD {
		return Snapshot{}, fmt.Errorf("%w: missing D in %q", ErrUnparseable, line)
	}
	return validate(snap, line)
}

func validate(s Snapshot, line string) (Snapshot, error) {
	for _, v := range []*float64{&s.Diameter, s.X, s.Y} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			return Snapshot{}, fmt.Errorf("%w: out of range value in %q", ErrUnparseable, line)
		}
	}
	return s, nil
}
