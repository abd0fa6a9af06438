package ensenso

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/drobotics/ensenso/nxlib"
)

// minCalibrationPoses is the smallest robot pose set that constrains the
// hand-eye solve; fewer poses are rejected before the solver runs.
const minCalibrationPoses = 3

// CalibrationResult is the outcome of one hand-eye calibration solve.
// Immutable after creation.
type CalibrationResult struct {
	// CameraPose is the calibration target relative to the camera: the
	// robot hand for a moving camera, the named workspace frame for a
	// fixed one. Translation in meters.
	CameraPose spatialmath.Pose

	// PatternPose is the solved calibration pattern pose, meters.
	PatternPose spatialmath.Pose

	// Iterations is the solver's reported iteration count.
	Iterations int

	// ReprojectionError is the solver's residual, in pixels.
	ReprojectionError float64
}

// DiscardPatterns clears all calibration pattern observations stored on
// the device.
func (e *Ensenso) DiscardPatterns(ctx context.Context) error {
	_, err := e.client.Execute(ctx, nxlib.CmdDiscardPatterns, nil)
	return errors.Wrap(err, "discarding patterns")
}

// withFlexViewDisabled saves the multi-shot capture level, disables the
// feature while fn runs, and restores the saved level afterwards. The
// restore is best effort: a restore failure is logged, not returned, so it
// cannot mask fn's own error.
func (e *Ensenso) withFlexViewDisabled(ctx context.Context, fn func() error) error {
	level, err := e.FlexView(ctx)
	if err != nil {
		return err
	}
	if level > 0 {
		if err := e.SetFlexView(ctx, 0); err != nil {
			return err
		}
		defer goutils.UncheckedErrorFunc(func() error {
			return e.SetFlexView(ctx, level)
		})
	}
	return fn()
}

// RecordCalibrationPattern captures one stereo image under uniform front
// illumination and appends the detected calibration pattern to the
// device's stored observations. Multi-shot capture is disabled for the
// duration; pattern detection is unreliable under it. The projector and
// front light are returned to their depth-capture states before pattern
// detection runs.
func (e *Ensenso) RecordCalibrationPattern(ctx context.Context) error {
	err := e.withFlexViewDisabled(ctx, func() error {
		if err := e.SetProjector(ctx, false); err != nil {
			return err
		}
		if err := e.SetFrontLight(ctx, true); err != nil {
			return err
		}

		ok, captureErr := e.Capture(ctx, CaptureRequest{Stereo: true, Trigger: true, Timeout: DefaultCaptureTimeout})
		if captureErr == nil && !ok {
			captureErr = errors.New("stereo camera reported no new data")
		}

		// Restore depth-capture illumination whether or not the capture
		// succeeded.
		captureErr = multierr.Append(captureErr, e.SetFrontLight(ctx, false))
		captureErr = multierr.Append(captureErr, e.SetProjector(ctx, true))
		if captureErr != nil {
			return captureErr
		}

		_, err := e.client.Execute(ctx, nxlib.CmdCollectPattern, map[string]interface{}{
			nxlib.ItemCameras:    e.camera.Serial,
			nxlib.ItemDecodeData: true,
		})
		return err
	})
	if err != nil {
		return &CalibrationCaptureError{cause: err}
	}
	return nil
}

// DetectCalibrationPattern discards stored patterns, records the given
// number of fresh observations, and estimates the pattern pose relative to
// the camera. With compensateWorkspace and an active workspace
// calibration, the pose is returned in the workspace frame instead.
func (e *Ensenso) DetectCalibrationPattern(ctx context.Context, samples int, compensateWorkspace bool) (spatialmath.Pose, error) {
	if samples < 1 {
		return nil, errors.Errorf("need at least one sample, got %d", samples)
	}
	if err := e.DiscardPatterns(ctx); err != nil {
		return nil, err
	}
	for i := 0; i < samples; i++ {
		if err := e.RecordCalibrationPattern(ctx); err != nil {
			return nil, err
		}
	}

	// Pose estimation is itself sensitive to multi-shot capture, so the
	// level is saved and restored around it independently of recording.
	var pose spatialmath.Pose
	err := e.withFlexViewDisabled(ctx, func() error {
		result, err := e.client.Execute(ctx, nxlib.CmdEstimatePatternPose, nil)
		if err != nil {
			return errors.Wrap(err, "estimating pattern pose")
		}
		raw, ok := nxlib.Lookup(result, nxlib.Join(nxlib.ItemPatterns, "0", nxlib.ItemPatternPose))
		if !ok {
			return ErrNoPatternDetected
		}
		estimated, err := poseFromTree(raw)
		if err != nil {
			return err
		}
		pose = poseToMeters(estimated)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if compensateWorkspace {
		workspace, err := e.Workspace(ctx)
		if err != nil {
			return nil, err
		}
		if workspace != nil {
			pose = spatialmath.Compose(workspace.Transform, pose)
		}
	}
	return pose, nil
}

// ComputeCalibration runs the hand-eye solver against previously recorded
// pattern observations and the robot poses at which they were recorded;
// robotPoses must match the recorded observations in count and order.
// moving selects the camera-on-hand setup over camera-fixed-in-world.
// cameraGuess and patternGuess may be nil; a non-empty target names the
// coordinate frame to calibrate to.
func (e *Ensenso) ComputeCalibration(
	ctx context.Context,
	robotPoses []spatialmath.Pose,
	moving bool,
	cameraGuess, patternGuess spatialmath.Pose,
	target string,
) (*CalibrationResult, error) {
	if len(robotPoses) < minCalibrationPoses {
		return nil, &InsufficientSamplesError{Samples: len(robotPoses)}
	}

	params := map[string]interface{}{}
	if cameraGuess != nil {
		params[nxlib.ItemLink] = poseToTree(poseToMillimeters(cameraGuess))
	}
	if patternGuess != nil {
		params[nxlib.ItemPatternPose] = poseToTree(poseToMillimeters(patternGuess))
	}
	setup := nxlib.ValFixed
	if moving {
		setup = nxlib.ValMoving
	}
	params[nxlib.ItemSetup] = setup
	if target != "" {
		params[nxlib.ItemTarget] = target
	}
	transformations := make([]interface{}, len(robotPoses))
	for i, pose := range robotPoses {
		transformations[i] = poseToTree(poseToMillimeters(pose))
	}
	params[nxlib.ItemTransformations] = transformations

	result, err := e.client.Execute(ctx, nxlib.CmdCalibrateHandEye, params)
	if err != nil {
		return nil, &CalibrationSolverError{cause: err}
	}

	// The solver persists the camera pose as the device link, which is
	// camera relative to target; the public contract is target relative to
	// camera, so invert.
	linkRaw, err := e.client.GetValue(ctx, e.camera.path(nxlib.ItemLink))
	if err != nil {
		return nil, errors.Wrap(err, "reading solved camera link")
	}
	link, err := poseFromTree(linkRaw)
	if err != nil {
		return nil, errors.Wrap(err, "reading solved camera link")
	}
	patternRaw, ok := nxlib.Lookup(result, nxlib.ItemPatternPose)
	if !ok {
		return nil, errors.New("solver result is missing the pattern pose")
	}
	patternPose, err := poseFromTree(patternRaw)
	if err != nil {
		return nil, errors.Wrap(err, "reading solved pattern pose")
	}
	iterations, err := nxlib.LookupInt(result, nxlib.ItemIterations)
	if err != nil {
		return nil, err
	}
	reprojectionError, err := nxlib.LookupFloat(result, nxlib.ItemReprojectionError)
	if err != nil {
		return nil, err
	}

	return &CalibrationResult{
		CameraPose:        poseToMeters(spatialmath.PoseInverse(link)),
		PatternPose:       poseToMeters(patternPose),
		Iterations:        iterations,
		ReprojectionError: reprojectionError,
	}, nil
}
