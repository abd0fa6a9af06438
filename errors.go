package ensenso

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceNotFound is reported when no camera matches the requested
	// serial number, or no stereo camera is connected at all.
	ErrDeviceNotFound = errors.New("no matching stereo camera found")

	// ErrNoMonocular is reported by operations that require the linked
	// monocular camera when none is attached.
	ErrNoMonocular = errors.New("no monocular camera attached")

	// ErrAcquisitionTimeout is reported when the device did not deliver
	// image data within the capture timeout.
	ErrAcquisitionTimeout = errors.New("image acquisition timed out")

	// ErrNoPatternDetected is reported when pose estimation ran but found
	// no calibration pattern in the recorded data.
	ErrNoPatternDetected = errors.New("no calibration pattern detected")
)

// AcquisitionError wraps a device-side failure during image acquisition
// that was not a timeout.
type AcquisitionError struct {
	cause error
}

func (e *AcquisitionError) Error() string {
	return "image acquisition failed: " + e.cause.Error()
}

func (e *AcquisitionError) Unwrap() error { return e.cause }

// CalibrationCaptureError wraps a failure in the record-pattern sequence.
// Illumination and exposure settings are restored best effort before it is
// returned; callers that need a known device state afterwards should
// re-apply their settings.
type CalibrationCaptureError struct {
	cause error
}

func (e *CalibrationCaptureError) Error() string {
	return "recording calibration pattern failed: " + e.cause.Error()
}

func (e *CalibrationCaptureError) Unwrap() error { return e.cause }

// InsufficientSamplesError is reported when hand-eye calibration is
// attempted with too few robot poses to constrain the solve.
type InsufficientSamplesError struct {
	Samples int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("hand-eye calibration needs at least %d robot poses, got %d", minCalibrationPoses, e.Samples)
}

// CalibrationSolverError wraps a solver failure, carrying the device's
// diagnostic. Previously recorded patterns are left in place so individual
// steps can be retried.
type CalibrationSolverError struct {
	cause error
}

func (e *CalibrationSolverError) Error() string {
	return "hand-eye calibration failed: " + e.cause.Error()
}

func (e *CalibrationSolverError) Unwrap() error { return e.cause }
