package ensenso

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/drobotics/ensenso/nxlib"
)

// WorkspaceCalibration pairs the camera-to-workspace transform with the
// name of the workspace frame it maps into.
type WorkspaceCalibration struct {
	FrameName string
	Transform spatialmath.Pose // meters
}

// clearedFrameName is the sentinel stored as the link target when no
// workspace calibration is active. The persisted representation has no
// notion of a missing frame name, so cleared state is an explicit value.
func (e *Ensenso) clearedFrameName() string {
	return e.camera.Serial + "_frame"
}

// WorkspaceFrame returns the frame name stored as the camera's link
// target. An absent link target reads as empty; that is not an error.
func (e *Ensenso) WorkspaceFrame(ctx context.Context) (string, error) {
	v, err := e.client.GetValue(ctx, e.camera.path(nxlib.ItemLink, nxlib.ItemTarget))
	if errors.Is(err, nxlib.ErrPropertyMissing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	frame, _ := v.(string)
	return frame, nil
}

// workspaceActive reports whether a workspace calibration is in effect: a
// frame name that is neither empty nor the cleared sentinel.
func (e *Ensenso) workspaceActive(ctx context.Context) (bool, string, error) {
	frame, err := e.WorkspaceFrame(ctx)
	if err != nil {
		return false, "", err
	}
	return frame != "" && frame != e.clearedFrameName(), frame, nil
}

// Workspace returns the active workspace calibration, or nil when none is
// set.
func (e *Ensenso) Workspace(ctx context.Context) (*WorkspaceCalibration, error) {
	active, frame, err := e.workspaceActive(ctx)
	if err != nil || !active {
		return nil, err
	}
	linkRaw, err := e.client.GetValue(ctx, e.camera.path(nxlib.ItemLink))
	if err != nil {
		return nil, errors.Wrap(err, "reading workspace link")
	}
	link, err := poseFromTree(linkRaw)
	if err != nil {
		return nil, errors.Wrap(err, "reading workspace link")
	}
	return &WorkspaceCalibration{FrameName: frame, Transform: poseToMeters(link)}, nil
}

// SetWorkspace establishes the camera-to-workspace calibration from an
// observed pattern pose (workspaceTransform) and the pose that pattern is
// defined to have in the workspace frame (definedPose). Both are given in
// meters. A non-empty frameID names the workspace frame; store persists
// the calibration to non-volatile device storage.
func (e *Ensenso) SetWorkspace(
	ctx context.Context,
	workspaceTransform spatialmath.Pose,
	frameID string,
	definedPose spatialmath.Pose,
	store bool,
) error {
	params := map[string]interface{}{
		nxlib.ItemCameras:     []interface{}{e.camera.Serial},
		nxlib.ItemPatternPose: poseToTree(poseToMillimeters(workspaceTransform)),
		nxlib.ItemDefinedPose: poseToTree(poseToMillimeters(definedPose)),
	}
	if frameID != "" {
		params[nxlib.ItemTarget] = frameID
	}
	if _, err := e.client.Execute(ctx, nxlib.CmdCalibrateWorkspace, params); err != nil {
		return errors.Wrap(err, "calibrating workspace")
	}
	if store {
		return e.StoreWorkspaceCalibration(ctx)
	}
	return nil
}

// ClearWorkspace removes the workspace calibration. It is a no-op when
// none is active: no command is issued. store persists the cleared state.
func (e *Ensenso) ClearWorkspace(ctx context.Context, store bool) error {
	active, _, err := e.workspaceActive(ctx)
	if err != nil || !active {
		return err
	}

	// Calling CalibrateWorkspace with no pattern pose and an empty target
	// clears the calibration geometry.
	if _, err := e.client.Execute(ctx, nxlib.CmdCalibrateWorkspace, map[string]interface{}{
		nxlib.ItemCameras: []interface{}{e.camera.Serial},
		nxlib.ItemTarget:  "",
	}); err != nil {
		return errors.Wrap(err, "clearing workspace calibration")
	}

	// The clear command does not reset the stored frame name; write the
	// sentinel explicitly. Possibly redundant with the empty target above,
	// but removing it is unverified against real devices.
	if err := e.client.SetValue(ctx, e.camera.path(nxlib.ItemLink, nxlib.ItemTarget), e.clearedFrameName()); err != nil {
		return errors.Wrap(err, "resetting frame name")
	}

	if store {
		return e.StoreWorkspaceCalibration(ctx)
	}
	return nil
}

// StoreWorkspaceCalibration persists the calibration geometry and the
// target frame link to non-volatile device storage, overwriting any
// previously stored values.
func (e *Ensenso) StoreWorkspaceCalibration(ctx context.Context) error {
	_, err := e.client.Execute(ctx, nxlib.CmdStoreCalibration, map[string]interface{}{
		nxlib.ItemCameras:     []interface{}{e.camera.Serial},
		nxlib.ItemCalibration: []interface{}{true},
		nxlib.ItemLink:        []interface{}{true},
	})
	return errors.Wrap(err, "storing calibration")
}
