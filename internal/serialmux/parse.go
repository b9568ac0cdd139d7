package serialmux

import "strings"

const (
	LineTypeMeasurement = "measurement"
	LineTypeAck         = "ack"
	LineTypeError       = "error"
	LineTypeUnknown     = "unknown"
)

// ClassifyLine sorts a raw device line into a coarse type so that readers can
// skip command echoes and acknowledgements without parsing them.
func ClassifyLine(line string) string {
	trimmed := strings.TrimSpace(line)
	upper := strings.ToUpper(trimmed)
	switch {
	case trimmed == "":
		return LineTypeUnknown
	case upper == "OK" || strings.HasPrefix(upper, "OK "):
		return LineTypeAck
	case strings.HasPrefix(upper, "ERR"):
		return LineTypeError
	case strings.HasPrefix(trimmed, "{"),
		strings.HasPrefix(upper, "D="),
		strings.HasPrefix(upper, "D:"):
		return LineTypeMeasurement
	}
	if c := trimmed[0]; (c >= '0' && c <= '9') || c == '.' {
		return LineTypeMeasurement
	}
	return LineTypeUnknown
}
