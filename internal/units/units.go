// Package units provides the display units for water quality sensors
package units

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/water.report/internal/reading"
)

// Unit constants
const (
	None       = ""
	MGPerL     = "mg/L"
	MicroSPerC = "µS/cm"
	NTU        = "NTU"
)

var sensorUnits = [reading.NumSensors]string{
	reading.PH:           None,
	reading.Sulphate:     MGPerL,
	reading.Hardness:     MGPerL,
	reading.Conductivity: MicroSPerC,
	reading.TDS:          MGPerL,
	reading.Turbidity:    NTU,
}

// For returns the display unit of a sensor. pH is dimensionless.
func For(s reading.Sensor) string {
	if s < 0 || int(s) >= reading.NumSensors {
		return None
	}
	return sensorUnits[s]
}

// Format renders a sensor value with two decimals and its unit.
func Format(s reading.Sensor, v float64) string {
	num := strconv.FormatFloat(v, 'f', 2, 64)
	if u := For(s); u != None {
		return num + " " + u
	}
	return num
}

// FormatRange renders an inclusive safe band, e.g. "100-400 mg/L".
func FormatRange(s reading.Sensor, min, max float64) string {
	r := fmt.Sprintf("%g-%g", min, max)
	if u := For(s); u != None {
		return r + " " + u
	}
	return r
}
