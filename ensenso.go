// Package ensenso drives an Ensenso-style stereo depth camera, optionally
// paired with a rigidly-linked monocular camera, through capture and
// calibration workflows: synchronized acquisition, disparity and point
// cloud extraction, hand-eye calibration against a robot, and workspace
// calibration to a fixed frame.
//
// All device access goes through an injected nxlib.Client; no vendor SDK
// code lives in this package. Public poses carry translations in meters.
//
// Operations are synchronous and must not be invoked concurrently against
// the same session: device commands mutate shared device-resident state
// (illumination, exposure mode, area of interest) that later commands read
// back. Callers wrapping a session in a concurrent service must serialize
// per device.
package ensenso

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/drobotics/ensenso/nxlib"
)

// diagnosticParametersFile receives a dump of the merged camera parameters
// after every LoadParameters call. Operational tooling reads this file;
// the write is unconditional.
const diagnosticParametersFile = "params.json"

// flexViewDisabled is the sentinel level reported when the multi-shot
// capture feature is switched off and its level is absent from the tree.
const flexViewDisabled = -1

// Config describes which cameras to open and which parameter files to
// apply at session start.
type Config struct {
	// Serial selects the stereo camera. Empty means the first connected
	// stereo camera.
	Serial string `json:"serial,omitempty"`

	// ConnectMonocular opens the monocular camera rigidly linked to the
	// stereo camera, when one is present. Absence is not an error.
	ConnectMonocular bool `json:"connect_monocular,omitempty"`

	// ParametersFile, when set, is merged into the stereo camera's
	// parameter tree at session start.
	ParametersFile string `json:"parameters_file,omitempty"`

	// MonocularParametersFile and MonocularUeyeParametersFile are applied
	// to the monocular camera; both require ConnectMonocular.
	MonocularParametersFile     string `json:"monocular_parameters_file,omitempty"`
	MonocularUeyeParametersFile string `json:"monocular_ueye_parameters_file,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, error) {
	if !conf.ConnectMonocular && (conf.MonocularParametersFile != "" || conf.MonocularUeyeParametersFile != "") {
		return nil, errors.New("monocular parameter files require connect_monocular")
	}
	return nil, nil
}

// DeviceHandle identifies one physical sensor node by serial number.
type DeviceHandle struct {
	Serial  string
	Present bool
}

func (h DeviceHandle) path(parts ...string) string {
	return nxlib.Join(append([]string{nxlib.ItemCameras, nxlib.ItemBySerialNo, h.Serial}, parts...)...)
}

// Ensenso is one exclusive session with a stereo camera and its optional
// linked monocular camera. Create with New, release with Close.
type Ensenso struct {
	client    nxlib.Client
	logger    logging.Logger
	camera    DeviceHandle
	monocular DeviceHandle
	closed    bool
}

// The camera subsystem is initialized once per process and finalized when
// the last session closes, so tests can open and close sessions repeatedly
// without double-initializing the backend.
var subsystem struct {
	mu   sync.Mutex
	refs int
}

func acquireSubsystem(ctx context.Context, client nxlib.Client) error {
	subsystem.mu.Lock()
	defer subsystem.mu.Unlock()
	if subsystem.refs == 0 {
		if err := client.Initialize(ctx); err != nil {
			return errors.Wrap(err, "initializing camera subsystem")
		}
	}
	subsystem.refs++
	return nil
}

func releaseSubsystem(ctx context.Context, client nxlib.Client) error {
	subsystem.mu.Lock()
	defer subsystem.mu.Unlock()
	if subsystem.refs == 0 {
		return nil
	}
	subsystem.refs--
	if subsystem.refs == 0 {
		return client.Finalize(ctx)
	}
	return nil
}

// New opens a session. If the config names no serial, the first connected
// stereo camera is used; ErrDeviceNotFound is reported when nothing
// matches. A failure partway through construction releases everything
// already acquired, so no half-initialized session is observable.
func New(ctx context.Context, conf Config, client nxlib.Client, logger logging.Logger) (*Ensenso, error) {
	if _, err := conf.Validate(""); err != nil {
		return nil, err
	}
	if err := acquireSubsystem(ctx, client); err != nil {
		return nil, err
	}

	e := &Ensenso{client: client, logger: logger}

	serial, err := findStereo(ctx, client, conf.Serial)
	if err != nil {
		return nil, multierr.Append(err, releaseSubsystem(ctx, client))
	}
	e.camera = DeviceHandle{Serial: serial, Present: true}
	if err := e.openDevice(ctx, e.camera); err != nil {
		return nil, multierr.Append(err, releaseSubsystem(ctx, client))
	}

	if conf.ConnectMonocular {
		monoSerial, err := findLinked(ctx, client, serial)
		if err != nil {
			return nil, multierr.Combine(err, e.closeDevice(ctx, e.camera), releaseSubsystem(ctx, client))
		}
		if monoSerial != "" {
			e.monocular = DeviceHandle{Serial: monoSerial, Present: true}
			if err := e.openDevice(ctx, e.monocular); err != nil {
				return nil, multierr.Combine(err, e.closeDevice(ctx, e.camera), releaseSubsystem(ctx, client))
			}
		}
	}

	if err := e.applyParameterFiles(ctx, conf); err != nil {
		closeErr := e.Close(ctx)
		return nil, multierr.Append(err, closeErr)
	}

	logger.Infow("opened ensenso session", "serial", e.camera.Serial, "monocular", e.monocular.Serial)
	return e, nil
}

// Close releases both cameras and the subsystem reference. Each opened
// device is released exactly once; Close is idempotent.
func (e *Ensenso) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.monocular.Present {
		err = multierr.Append(err, e.closeDevice(ctx, e.monocular))
	}
	err = multierr.Append(err, e.closeDevice(ctx, e.camera))
	return multierr.Append(err, releaseSubsystem(ctx, e.client))
}

// SerialNumber returns the serial of the stereo camera.
func (e *Ensenso) SerialNumber() string { return e.camera.Serial }

// MonocularSerialNumber returns the serial of the linked monocular camera,
// or an empty string if there is none.
func (e *Ensenso) MonocularSerialNumber() string { return e.monocular.Serial }

// HasMonocular reports whether a linked monocular camera was opened.
func (e *Ensenso) HasMonocular() bool { return e.monocular.Present }

func (e *Ensenso) openDevice(ctx context.Context, h DeviceHandle) error {
	_, err := e.client.Execute(ctx, nxlib.CmdOpen, map[string]interface{}{
		nxlib.ItemCameras: []interface{}{h.Serial},
	})
	return errors.Wrapf(err, "opening camera %s", h.Serial)
}

func (e *Ensenso) closeDevice(ctx context.Context, h DeviceHandle) error {
	_, err := e.client.Execute(ctx, nxlib.CmdClose, map[string]interface{}{
		nxlib.ItemCameras: []interface{}{h.Serial},
	})
	return errors.Wrapf(err, "closing camera %s", h.Serial)
}

// findStereo resolves the stereo camera serial: a requested serial must
// exist and be a stereo camera; otherwise the first stereo camera wins.
func findStereo(ctx context.Context, client nxlib.Client, serial string) (string, error) {
	if serial != "" {
		exists, err := client.Exists(ctx, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, serial))
		if err != nil {
			return "", err
		}
		if !exists {
			return "", errors.Wrapf(ErrDeviceNotFound, "serial %s", serial)
		}
		return serial, nil
	}
	serials, err := client.List(ctx, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo))
	if err != nil {
		return "", err
	}
	for _, s := range serials {
		typ, err := nxlib.Get[string](ctx, client, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, s, nxlib.ItemType))
		if err != nil {
			return "", err
		}
		if typ == nxlib.ValStereo {
			return s, nil
		}
	}
	return "", ErrDeviceNotFound
}

// findLinked resolves the monocular camera rigidly linked to the given
// stereo serial. An empty return with nil error means none is attached.
func findLinked(ctx context.Context, client nxlib.Client, primary string) (string, error) {
	serials, err := client.List(ctx, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo))
	if err != nil {
		return "", err
	}
	for _, s := range serials {
		if s == primary {
			continue
		}
		typ, err := nxlib.Get[string](ctx, client, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, s, nxlib.ItemType))
		if err != nil {
			return "", err
		}
		if typ != nxlib.ValMonocular {
			continue
		}
		target, err := nxlib.Get[string](ctx, client, nxlib.Join(nxlib.ItemCameras, nxlib.ItemBySerialNo, s, nxlib.ItemLink, nxlib.ItemTarget))
		if err != nil && !errors.Is(err, nxlib.ErrPropertyMissing) {
			return "", err
		}
		if target == primary {
			return s, nil
		}
	}
	return "", nil
}

func (e *Ensenso) applyParameterFiles(ctx context.Context, conf Config) error {
	if conf.ParametersFile != "" {
		if err := e.LoadParameters(ctx, conf.ParametersFile); err != nil {
			return err
		}
	}
	if conf.MonocularParametersFile != "" {
		if err := e.LoadMonocularParameters(ctx, conf.MonocularParametersFile); err != nil {
			return err
		}
	}
	if conf.MonocularUeyeParametersFile != "" {
		if err := e.LoadMonocularUEyeParameters(ctx, conf.MonocularUeyeParametersFile); err != nil {
			return err
		}
	}
	return nil
}

// LoadParameters merges a JSON parameter file into the stereo camera's
// parameter tree, then dumps the merged tree to params.json for
// diagnostics. The dump is unconditional.
func (e *Ensenso) LoadParameters(ctx context.Context, file string) error {
	paramsPath := e.camera.path(nxlib.ItemParameters)
	if err := e.client.LoadJSON(ctx, paramsPath, file); err != nil {
		return errors.Wrapf(err, "loading parameters from %s", file)
	}
	merged, err := e.client.JSON(ctx, paramsPath)
	if err != nil {
		return errors.Wrap(err, "serializing merged parameters")
	}
	if err := os.WriteFile(diagnosticParametersFile, []byte(merged), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", diagnosticParametersFile)
	}
	return nil
}

// LoadMonocularParameters merges a JSON parameter file into the monocular
// camera's parameter tree.
func (e *Ensenso) LoadMonocularParameters(ctx context.Context, file string) error {
	if !e.monocular.Present {
		return errors.Wrap(ErrNoMonocular, "can not load monocular camera parameters")
	}
	return errors.Wrapf(
		e.client.LoadJSON(ctx, e.monocular.path(nxlib.ItemParameters), file),
		"loading monocular parameters from %s", file,
	)
}

// LoadMonocularUEyeParameters applies a uEye INI parameter set to the
// monocular camera.
func (e *Ensenso) LoadMonocularUEyeParameters(ctx context.Context, file string) error {
	if !e.monocular.Present {
		return errors.Wrap(ErrNoMonocular, "can not load monocular camera uEye parameters")
	}
	_, err := e.client.Execute(ctx, nxlib.CmdLoadUEyeParameterSet, map[string]interface{}{
		nxlib.ItemFilename: file,
	})
	return errors.Wrapf(err, "loading uEye parameters from %s", file)
}

// FlexView returns the multi-shot capture level, or -1 when the feature is
// disabled and no level is stored. The absent-level case is absorbed here;
// it is not an error.
func (e *Ensenso) FlexView(ctx context.Context) (int, error) {
	v, err := e.client.GetValue(ctx, e.camera.path(nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemFlexView))
	if errors.Is(err, nxlib.ErrPropertyMissing) {
		return flexViewDisabled, nil
	}
	if err != nil {
		return 0, err
	}
	switch level := v.(type) {
	case int:
		return level, nil
	case float64:
		return int(level), nil
	default:
		// When the feature is switched off the node holds false.
		return flexViewDisabled, nil
	}
}

// SetFlexView sets the multi-shot capture level. Zero disables multi-shot
// capture.
func (e *Ensenso) SetFlexView(ctx context.Context, level int) error {
	return e.client.SetValue(ctx, e.camera.path(nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemFlexView), level)
}

// SetFrontLight switches the uniform front illumination.
func (e *Ensenso) SetFrontLight(ctx context.Context, on bool) error {
	return e.client.SetValue(ctx, e.camera.path(nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemFrontLight), on)
}

// SetProjector switches the structured-light projector.
func (e *Ensenso) SetProjector(ctx context.Context, on bool) error {
	return e.client.SetValue(ctx, e.camera.path(nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemProjector), on)
}
