// Package classify maps a sensor reading to its safety classification.
// It is the single classification authority: both the ingest path and
// any on-the-fly reclassification go through Classify, so a stored
// status can never drift from what a fresh classification would yield.
package classify

import "github.com/firewatch-iot/firewatch/pkg/models"

// Threshold constants, taken from the sensor node's calibration. A value
// exactly at a threshold counts as having crossed it.
const (
	// SmokeWarn is the MQ-2 ADC level at which smoke becomes a warning.
	SmokeWarn = 200
	// SmokeDanger is the MQ-2 ADC level treated as an active fire signal.
	SmokeDanger = 400
	// TempWarn is the temperature (°C) at which heat becomes a warning.
	TempWarn = 45.0
	// TempDanger is the temperature (°C) treated as an active fire signal.
	TempDanger = 55.0
)

// Classify returns the safety status for r. Pure and deterministic:
// no clock, no I/O, no state. Ties at a threshold resolve toward the
// more severe class.
func Classify(r models.Reading) models.Status {
	if r.Smoke >= SmokeDanger || r.Temperature >= TempDanger {
		return models.StatusDanger
	}
	if r.Smoke >= SmokeWarn || r.Temperature >= TempWarn {
		return models.StatusWarning
	}
	return models.StatusSafe
}

// Apply returns r with its derived status and level attached.
func Apply(r models.Reading) models.ClassifiedReading {
	status := Classify(r)
	return models.ClassifiedReading{
		Reading: r,
		Status:  status,
		Level:   status.Level(),
	}
}
