package ensenso

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/drobotics/ensenso/nxlib"
	"github.com/drobotics/ensenso/nxlib/fake"
)

func TestWorkspaceInactiveByDefault(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{})
	workspace, err := session.Workspace(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, workspace, test.ShouldBeNil)
}

func TestClearWorkspaceIsNoOpWhenInactive(t *testing.T) {
	session, device := newTestSession(t, fake.Options{}, Config{})
	device.ClearCommands()
	test.That(t, session.ClearWorkspace(context.Background(), true), test.ShouldBeNil)
	test.That(t, device.Commands(), test.ShouldBeEmpty)
}

func TestSetWorkspace(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	observed := spatialmath.NewPose(
		r3.Vector{X: 0.1, Y: -0.05, Z: 0.6},
		&spatialmath.R4AA{Theta: 0.3, RX: 1},
	)
	defined := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.2, Y: 0.0, Z: 0.0})

	test.That(t, session.SetWorkspace(ctx, observed, "table", defined, false), test.ShouldBeNil)

	workspace, err := session.Workspace(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, workspace, test.ShouldNotBeNil)
	test.That(t, workspace.FrameName, test.ShouldEqual, "table")
	want := spatialmath.Compose(defined, spatialmath.PoseInverse(observed))
	test.That(t, spatialmath.PoseAlmostEqualEps(workspace.Transform, want, 1e-6), test.ShouldBeTrue)
}

func TestSetWorkspaceDefaultFrameName(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	observed := spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: 0.5})
	test.That(t, session.SetWorkspace(ctx, observed, "", spatialmath.NewZeroPose(), false), test.ShouldBeNil)

	workspace, err := session.Workspace(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, workspace, test.ShouldNotBeNil)
	test.That(t, workspace.FrameName, test.ShouldEqual, "Workspace")
}

func TestSetThenClearWorkspace(t *testing.T) {
	session, device := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	observed := spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: 0.5})
	test.That(t, session.SetWorkspace(ctx, observed, "table", spatialmath.NewZeroPose(), false), test.ShouldBeNil)

	test.That(t, session.ClearWorkspace(ctx, true), test.ShouldBeNil)

	// The cleared state reads back as no active calibration even though the
	// device still stores a frame name.
	workspace, err := session.Workspace(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, workspace, test.ShouldBeNil)
	frame, err := session.WorkspaceFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame, test.ShouldEqual, session.SerialNumber()+"_frame")

	// The cleared state was persisted.
	stored, ok := device.StoredLinkTarget()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, stored, test.ShouldEqual, session.SerialNumber()+"_frame")

	// Clearing again is a no-op.
	device.ClearCommands()
	test.That(t, session.ClearWorkspace(ctx, false), test.ShouldBeNil)
	test.That(t, device.Commands(), test.ShouldBeEmpty)
}

func TestSetWorkspaceStores(t *testing.T) {
	session, device := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	observed := spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: 0.5})
	test.That(t, session.SetWorkspace(ctx, observed, "table", spatialmath.NewZeroPose(), true), test.ShouldBeNil)
	test.That(t, device.Commands(), test.ShouldContain, nxlib.CmdStoreCalibration)
	stored, ok := device.StoredLinkTarget()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, stored, test.ShouldEqual, "table")
}

func TestDetectCalibrationPatternWorkspaceCompensation(t *testing.T) {
	session, device := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	pattern := testPatternPose()
	device.SetPatternPose(pattern)
	test.That(t, session.SetWorkspace(ctx, pattern, "table", spatialmath.NewZeroPose(), false), test.ShouldBeNil)

	// The workspace was defined from this very pattern, so the compensated
	// pose is the pattern's defined pose: the origin.
	pose, err := session.DetectCalibrationPattern(ctx, 3, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, spatialmath.NewZeroPose(), 1e-6), test.ShouldBeTrue)

	// Without compensation the raw camera-frame pose is returned.
	raw, err := session.DetectCalibrationPattern(ctx, 3, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqualEps(raw, pattern, 1e-6), test.ShouldBeTrue)
}
