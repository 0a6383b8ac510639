package vad

import "time"

// Default calibration values in dBFS.
const (
	DefaultFixedThreshold = -45.0
	DefaultAdaptiveOffset = -8.0
	DefaultAdaptiveFloor  = -50.0
)

// Calibration is the amplitude threshold state of the current recording.
type Calibration struct {
	// Calibrated reports whether Threshold may be used for classification.
	Calibrated bool

	// MaxLevel is the loudest metering value observed so far, in dBFS.
	MaxLevel float64

	// WindowStart and WindowEnd bound the calibration window.
	WindowStart time.Time
	WindowEnd   time.Time

	// Threshold is the level in dBFS above which a sample counts as speech.
	Threshold float64
}

// IsSpeech reports whether level classifies as speech under c.
func (c Calibration) IsSpeech(level float64) bool {
	return c.Calibrated && level > c.Threshold
}

// AmplitudeCalibrator derives the speech threshold for a recording. A
// calibrator is chosen once per session and reused for every recording.
//
// Implementations are called only from the recorder's sampling callback and
// need not be safe for concurrent use.
type AmplitudeCalibrator interface {
	// Reset discards previous state at the start of a recording.
	Reset(start time.Time)

	// Observe feeds one metering sample and returns the updated calibration.
	Observe(at time.Time, level float64) Calibration
}

// Fixed is an [AmplitudeCalibrator] with a constant threshold. It is
// calibrated from the first sample on.
type Fixed struct {
	Threshold float64

	cal Calibration
}

// NewFixed returns a Fixed calibrator with the given threshold in dBFS.
func NewFixed(threshold float64) *Fixed {
	return &Fixed{Threshold: threshold}
}

// Reset implements [AmplitudeCalibrator].
func (f *Fixed) Reset(start time.Time) {
	f.cal = Calibration{
		WindowStart: start,
		WindowEnd:   start,
		MaxLevel:    minLevel,
		Threshold:   f.Threshold,
	}
}

// Observe implements [AmplitudeCalibrator].
func (f *Fixed) Observe(_ time.Time, level float64) Calibration {
	f.cal.Calibrated = true
	f.cal.MaxLevel = max(f.cal.MaxLevel, level)
	return f.cal
}

// Adaptive is an [AmplitudeCalibrator] for inputs whose metering drifts
// between devices. It spends the first Window of every recording observing
// ambient noise and then sets the threshold to max(peak − Offset, Floor).
//
// Offset is signed: the default of −8 dB puts the threshold 8 dB above the
// loudest ambient sample. Samples inside the window are never speech.
type Adaptive struct {
	Window time.Duration
	Offset float64
	Floor  float64

	cal Calibration
}

// NewAdaptive returns an Adaptive calibrator observing the given window with
// the default offset and floor.
func NewAdaptive(window time.Duration) *Adaptive {
	return &Adaptive{
		Window: window,
		Offset: DefaultAdaptiveOffset,
		Floor:  DefaultAdaptiveFloor,
	}
}

// Reset implements [AmplitudeCalibrator].
func (a *Adaptive) Reset(start time.Time) {
	a.cal = Calibration{
		WindowStart: start,
		WindowEnd:   start.Add(a.Window),
		MaxLevel:    minLevel,
	}
}

// Observe implements [AmplitudeCalibrator].
func (a *Adaptive) Observe(at time.Time, level float64) Calibration {
	if a.cal.Calibrated {
		a.cal.MaxLevel = max(a.cal.MaxLevel, level)
		return a.cal
	}
	if at.Before(a.cal.WindowEnd) {
		a.cal.MaxLevel = max(a.cal.MaxLevel, level)
		return a.cal
	}
	peak := a.cal.MaxLevel
	if peak == minLevel {
		// Nothing observed inside the window: calibrate on this sample.
		peak = level
	}
	a.cal.Threshold = max(peak-a.Offset, a.Floor)
	a.cal.Calibrated = true
	a.cal.MaxLevel = max(a.cal.MaxLevel, level)
	return a.cal
}

// minLevel is below any metering value a device reports.
const minLevel = -1000.0

var (
	_ AmplitudeCalibrator = (*Fixed)(nil)
	_ AmplitudeCalibrator = (*Adaptive)(nil)
)
