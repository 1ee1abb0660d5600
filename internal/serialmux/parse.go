package serialmux

import "strings"

const (
	LineTypeReading = "reading"
	LineTypeLog     = "log"
	LineTypeEmpty   = "empty"
)

// ClassifyLine inspects a device line. The firmware prints one JSON object
// per reading; everything else is boot chatter or debug output.
func ClassifyLine(line string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return LineTypeEmpty
	case strings.HasPrefix(trimmed, "{"):
		return LineTypeReading
	default:
		return LineTypeLog
	}
}
