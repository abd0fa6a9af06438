package fake

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/drobotics/ensenso/nxlib"
)

func newTestDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	return New(opts, logging.NewTestLogger(t))
}

func TestTreeBasics(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{})

	serial, err := nxlib.Get[string](ctx, device,
		nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, DefaultStereoSerial, nxlib.ItemSerialNumber))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, serial, test.ShouldEqual, DefaultStereoSerial)

	// Setting creates intermediate nodes; erasing a missing path is fine.
	test.That(t, device.SetValue(ctx, "A/B/C", 3), test.ShouldBeNil)
	ok, err := device.Exists(ctx, "A/B")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, device.Erase(ctx, "A/B"), test.ShouldBeNil)
	test.That(t, device.Erase(ctx, "A/B"), test.ShouldBeNil)
	ok, err = device.Exists(ctx, "A/B/C")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeFalse)

	_, err = device.GetValue(ctx, "A/B/C")
	test.That(t, errors.Is(err, nxlib.ErrPropertyMissing), test.ShouldBeTrue)
}

func TestGetValueReturnsCopies(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{})
	path := nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, DefaultStereoSerial, nxlib.ItemParameters)

	v, err := device.GetValue(ctx, path)
	test.That(t, err, test.ShouldBeNil)
	node := v.(map[string]interface{})
	node[nxlib.ItemCapture] = "clobbered"

	again, err := device.GetValue(ctx, nxlib.Join(path, nxlib.ItemCapture, nxlib.ItemProjector))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldEqual, true)
}

func TestListSorted(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{Monocular: true, StereoSerial: "222", MonocularSerial: "111"})
	names, err := device.List(ctx, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldResemble, []string{"111", "222"})
}

func TestLoadJSONMergesWithoutClobbering(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{})
	path := nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, DefaultStereoSerial, nxlib.ItemParameters)

	file := filepath.Join(t.TempDir(), "params.json")
	doc := `{"Capture": {"FlexView": 4}, "Extra": "kept"}`
	test.That(t, os.WriteFile(file, []byte(doc), 0o644), test.ShouldBeNil)
	test.That(t, device.LoadJSON(ctx, path, file), test.ShouldBeNil)

	level, err := nxlib.Get[int](ctx, device, nxlib.Join(path, nxlib.ItemCapture, nxlib.ItemFlexView))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, 4)
	// Siblings of the merged keys survive.
	projector, err := nxlib.Get[bool](ctx, device, nxlib.Join(path, nxlib.ItemCapture, nxlib.ItemProjector))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, projector, test.ShouldBeTrue)

	out, err := device.JSON(ctx, path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, `"Extra": "kept"`)
}

func TestExecuteUnknownCommand(t *testing.T) {
	device := newTestDevice(t, Options{})
	_, err := device.Execute(context.Background(), "Bogus", nil)
	var cmdErr *nxlib.CommandError
	test.That(t, errors.As(err, &cmdErr), test.ShouldBeTrue)
	test.That(t, cmdErr.Command, test.ShouldEqual, "Bogus")
}

func TestFailNextIsOneShot(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{})
	injected := errors.New("boom")
	device.FailNext(nxlib.CmdDiscardPatterns, injected)

	_, err := device.Execute(ctx, nxlib.CmdDiscardPatterns, nil)
	test.That(t, errors.Is(err, injected), test.ShouldBeTrue)
	_, err = device.Execute(ctx, nxlib.CmdDiscardPatterns, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, device.Commands(), test.ShouldResemble,
		[]string{nxlib.CmdDiscardPatterns, nxlib.CmdDiscardPatterns})
	device.ClearCommands()
	test.That(t, device.Commands(), test.ShouldBeEmpty)
}

func TestLastParamsRecordsCopies(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{})

	_, executed := device.LastParams(nxlib.CmdCapture)
	test.That(t, executed, test.ShouldBeFalse)

	sent := map[string]interface{}{nxlib.ItemCameras: []interface{}{DefaultStereoSerial}}
	_, err := device.Execute(ctx, nxlib.CmdCapture, sent)
	test.That(t, err, test.ShouldBeNil)

	params, executed := device.LastParams(nxlib.CmdCapture)
	test.That(t, executed, test.ShouldBeTrue)
	test.That(t, params[nxlib.ItemCameras], test.ShouldResemble, []interface{}{DefaultStereoSerial})

	// Mutating the returned tree must not touch the recorded one.
	params[nxlib.ItemCameras] = nil
	again, _ := device.LastParams(nxlib.CmdCapture)
	test.That(t, again[nxlib.ItemCameras], test.ShouldResemble, []interface{}{DefaultStereoSerial})

	device.ClearCommands()
	_, executed = device.LastParams(nxlib.CmdCapture)
	test.That(t, executed, test.ShouldBeFalse)
}

func TestOpenCloseBookkeeping(t *testing.T) {
	ctx := context.Background()
	device := newTestDevice(t, Options{})
	params := map[string]interface{}{nxlib.ItemCameras: []interface{}{DefaultStereoSerial}}

	_, err := device.Execute(ctx, nxlib.CmdOpen, params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, device.OpenCount(), test.ShouldEqual, 1)

	// Double-open and closing a closed camera are device-side errors.
	_, err = device.Execute(ctx, nxlib.CmdOpen, params)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = device.Execute(ctx, nxlib.CmdClose, params)
	test.That(t, err, test.ShouldBeNil)
	_, err = device.Execute(ctx, nxlib.CmdClose, params)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, device.OpenCount(), test.ShouldEqual, 0)
}

func TestAveragePose(t *testing.T) {
	a := spatialmath.NewPose(r3.Vector{X: 1, Y: 0, Z: 0}, &spatialmath.R4AA{Theta: 0.1, RZ: 1})
	b := spatialmath.NewPose(r3.Vector{X: 3, Y: 0, Z: 0}, &spatialmath.R4AA{Theta: 0.3, RZ: 1})

	avg := averagePose([]spatialmath.Pose{a, b})
	want := spatialmath.NewPose(r3.Vector{X: 2, Y: 0, Z: 0}, &spatialmath.R4AA{Theta: 0.2, RZ: 1})
	test.That(t, spatialmath.PoseAlmostEqualEps(avg, want, 1e-4), test.ShouldBeTrue)

	// Averaging identical poses is exact regardless of quaternion sign.
	c := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, &spatialmath.R4AA{Theta: 2.9, RX: 1})
	avg = averagePose([]spatialmath.Pose{c, c, c})
	test.That(t, spatialmath.PoseAlmostEqualEps(avg, c, 1e-9), test.ShouldBeTrue)
}

func TestPoseDistance(t *testing.T) {
	a := spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: 0})
	b := spatialmath.NewPoseFromPoint(r3.Vector{X: 3, Y: 4, Z: 0})
	test.That(t, poseDistance(a, b), test.ShouldAlmostEqual, 5, 1e-9)
	test.That(t, poseDistance(a, a), test.ShouldAlmostEqual, 0, 1e-9)

	rotated := spatialmath.NewPose(r3.Vector{}, &spatialmath.R4AA{Theta: 0.5, RY: 1})
	test.That(t, poseDistance(a, rotated), test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestPoseTreeMillimetersRoundTrip(t *testing.T) {
	p := spatialmath.NewPose(
		r3.Vector{X: 0.1, Y: -0.2, Z: 0.45},
		&spatialmath.R4AA{Theta: 1.2, RX: 0.3, RY: 0.9, RZ: 0.1},
	)
	node := poseTreeMillimeters(p)
	back, err := poseFromTreeMillimeters(node)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqualEps(back, p, 1e-9), test.ShouldBeTrue)

	_, err = poseFromTreeMillimeters("not a tree")
	test.That(t, err, test.ShouldNotBeNil)
}
