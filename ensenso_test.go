package ensenso

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/drobotics/ensenso/nxlib"
	"github.com/drobotics/ensenso/nxlib/fake"
)

func newTestSession(t *testing.T, opts fake.Options, conf Config) (*Ensenso, *fake.Device) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	device := fake.New(opts, logger)
	session, err := New(context.Background(), conf, device, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, session.Close(context.Background()), test.ShouldBeNil)
	})
	return session, device
}

func TestNewFindsFirstStereoCamera(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{})
	test.That(t, session.SerialNumber(), test.ShouldEqual, fake.DefaultStereoSerial)
	test.That(t, session.HasMonocular(), test.ShouldBeFalse)
	test.That(t, session.MonocularSerialNumber(), test.ShouldEqual, "")
}

func TestNewBySerial(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{StereoSerial: "210099"}, Config{Serial: "210099"})
	test.That(t, session.SerialNumber(), test.ShouldEqual, "210099")
}

func TestNewUnknownSerial(t *testing.T) {
	logger := logging.NewTestLogger(t)
	device := fake.New(fake.Options{}, logger)
	_, err := New(context.Background(), Config{Serial: "999999"}, device, logger)
	test.That(t, errors.Is(err, ErrDeviceNotFound), test.ShouldBeTrue)
	test.That(t, device.InitRefs(), test.ShouldEqual, 0)
	test.That(t, device.OpenCount(), test.ShouldEqual, 0)
}

func TestNewWithMonocular(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{Monocular: true}, Config{ConnectMonocular: true})
	test.That(t, session.HasMonocular(), test.ShouldBeTrue)
	test.That(t, session.MonocularSerialNumber(), test.ShouldEqual, fake.DefaultMonocularSerial)
}

func TestMonocularAbsenceIsNotAnError(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{ConnectMonocular: true})
	test.That(t, session.HasMonocular(), test.ShouldBeFalse)
}

func TestCloseReleasesEverything(t *testing.T) {
	logger := logging.NewTestLogger(t)
	device := fake.New(fake.Options{Monocular: true}, logger)
	session, err := New(context.Background(), Config{ConnectMonocular: true}, device, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, device.OpenCount(), test.ShouldEqual, 2)
	test.That(t, device.InitRefs(), test.ShouldEqual, 1)

	test.That(t, session.Close(context.Background()), test.ShouldBeNil)
	test.That(t, device.OpenCount(), test.ShouldEqual, 0)
	test.That(t, device.InitRefs(), test.ShouldEqual, 0)

	// Closing again is a no-op.
	test.That(t, session.Close(context.Background()), test.ShouldBeNil)
	test.That(t, device.InitRefs(), test.ShouldEqual, 0)
}

func TestConstructorUnwindOnOpenFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	device := fake.New(fake.Options{}, logger)
	device.FailNext(nxlib.CmdOpen, errors.New("usb fell out"))
	_, err := New(context.Background(), Config{}, device, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, device.InitRefs(), test.ShouldEqual, 0)
	test.That(t, device.OpenCount(), test.ShouldEqual, 0)
}

func TestConstructorUnwindOnParameterFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	device := fake.New(fake.Options{Monocular: true}, logger)
	conf := Config{ConnectMonocular: true, ParametersFile: filepath.Join(t.TempDir(), "missing.json")}
	_, err := New(context.Background(), conf, device, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, device.InitRefs(), test.ShouldEqual, 0)
	test.That(t, device.OpenCount(), test.ShouldEqual, 0)
}

func TestConfigValidate(t *testing.T) {
	conf := Config{MonocularParametersFile: "mono.json"}
	_, err := conf.Validate("")
	test.That(t, err, test.ShouldNotBeNil)

	conf = Config{ConnectMonocular: true, MonocularParametersFile: "mono.json"}
	_, err = conf.Validate("")
	test.That(t, err, test.ShouldBeNil)
}

func TestFlexViewSentinel(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	// The feature starts switched off; the node holds false, not a level.
	level, err := session.FlexView(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, -1)

	test.That(t, session.SetFlexView(ctx, 8), test.ShouldBeNil)
	level, err = session.FlexView(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, 8)
}

func TestLoadParameters(t *testing.T) {
	t.Chdir(t.TempDir())
	session, device := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	file := "camera.json"
	params := map[string]interface{}{
		"Capture": map[string]interface{}{"Exposure": 4.2},
	}
	data, err := json.Marshal(params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(file, data, 0o644), test.ShouldBeNil)

	test.That(t, session.LoadParameters(ctx, file), test.ShouldBeNil)

	exposure, err := nxlib.Get[float64](ctx, device,
		nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, session.SerialNumber(), nxlib.ItemParameters, "Capture", "Exposure"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, exposure, test.ShouldEqual, 4.2)

	// Merging must not clobber sibling settings.
	projector, err := nxlib.Get[bool](ctx, device,
		nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, session.SerialNumber(), nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemProjector))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, projector, test.ShouldBeTrue)

	// The merged parameters are always dumped for diagnostics.
	dumped, err := os.ReadFile("params.json")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(dumped), test.ShouldContainSubstring, "Exposure")
}

func TestLoadMonocularParametersRequireMonocular(t *testing.T) {
	session, _ := newTestSession(t, fake.Options{}, Config{})
	ctx := context.Background()

	err := session.LoadMonocularParameters(ctx, "mono.json")
	test.That(t, errors.Is(err, ErrNoMonocular), test.ShouldBeTrue)
	err = session.LoadMonocularUEyeParameters(ctx, "mono.ini")
	test.That(t, errors.Is(err, ErrNoMonocular), test.ShouldBeTrue)
}

func TestLoadMonocularUEyeParameters(t *testing.T) {
	session, device := newTestSession(t, fake.Options{Monocular: true}, Config{ConnectMonocular: true})
	err := session.LoadMonocularUEyeParameters(context.Background(), "mono.ini")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, device.UEyeParameterFile(), test.ShouldEqual, "mono.ini")
}
