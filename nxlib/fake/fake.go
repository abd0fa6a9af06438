// Package fake provides an in-memory nxlib.Client for tests and for
// development without camera hardware. It models the device property tree,
// the capture and calibration command set, and a stereo camera with an
// optional rigidly-linked monocular camera.
//
// Vision is simulated, not performed: pattern observations come from a
// configured pattern pose (or a queue of per-recording observations), and
// hand-eye calibration checks the provided robot poses for consistency
// against a configured camera mounting instead of optimizing.
package fake

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/drobotics/ensenso/nxlib"
)

// Defaults used when Options fields are zero.
const (
	DefaultStereoSerial    = "160606"
	DefaultMonocularSerial = "4103203953"
	defaultWidth           = 1280
	defaultHeight          = 1024
)

// pointCloudStride thins the generated point grid so clouds stay small.
const pointCloudStride = 16

// residualTolerance is how closely pattern observations must agree with
// the provided robot poses before the simulated solver accepts them.
// Translations are in meters at this layer, so this allows a millimeter.
const residualTolerance = 1e-3

// Options configures the simulated hardware.
type Options struct {
	StereoSerial    string
	MonocularSerial string

	// Monocular attaches a monocular camera rigidly linked to the stereo
	// camera.
	Monocular bool

	// Width and Height are the simulated image dimensions.
	Width, Height int
}

// Device is an in-memory camera backend. It implements nxlib.Client.
type Device struct {
	mu     sync.Mutex
	logger logging.Logger
	opts   Options

	tree       map[string]interface{}
	initRefs   int
	opened     map[string]bool
	commands   []string
	lastParams map[string]map[string]interface{}
	failNext   map[string]error
	stale      map[string]bool

	// Simulated vision inputs, meters.
	patternPose  spatialmath.Pose
	observations []spatialmath.Pose
	patterns     []spatialmath.Pose

	// Camera mounting used by the simulated hand-eye solver, meters.
	mountingCamera  spatialmath.Pose
	mountingPattern spatialmath.Pose

	fresh                 map[string]bool
	emptyNextEstimate     bool
	lastCaptureFrontLight bool
	lastCaptureFlexView   int
	rectified             bool
	pointMapReady         bool
	renderedReady         bool

	storedLink     map[string]interface{}
	ueyeParameters string
}

// New returns a simulated device with the configured cameras connected.
func New(opts Options, logger logging.Logger) *Device {
	if opts.StereoSerial == "" {
		opts.StereoSerial = DefaultStereoSerial
	}
	if opts.MonocularSerial == "" {
		opts.MonocularSerial = DefaultMonocularSerial
	}
	if opts.Width == 0 {
		opts.Width = defaultWidth
	}
	if opts.Height == 0 {
		opts.Height = defaultHeight
	}
	d := &Device{
		logger:     logger,
		opts:       opts,
		opened:     map[string]bool{},
		lastParams: map[string]map[string]interface{}{},
		failNext:   map[string]error{},
		stale:      map[string]bool{},
		fresh:      map[string]bool{},
	}
	d.tree = map[string]interface{}{
		nxlib.ItemCameras: map[string]interface{}{
			nxlib.ItemBySerialNo: map[string]interface{}{},
		},
	}
	d.addCamera(opts.StereoSerial, nxlib.ValStereo, "")
	if opts.Monocular {
		d.addCamera(opts.MonocularSerial, nxlib.ValMonocular, opts.StereoSerial)
	}
	return d
}

func (d *Device) addCamera(serial, typ, linkTarget string) {
	node := map[string]interface{}{
		nxlib.ItemSerialNumber: serial,
		nxlib.ItemType:         typ,
		nxlib.ItemParameters: map[string]interface{}{
			nxlib.ItemCapture: map[string]interface{}{
				nxlib.ItemFlexView:   false,
				nxlib.ItemFrontLight: false,
				nxlib.ItemProjector:  true,
			},
		},
		nxlib.ItemLink: map[string]interface{}{
			nxlib.ItemTarget: linkTarget,
		},
	}
	bySerial := d.cameraRoot()
	bySerial[serial] = node
}

func (d *Device) cameraRoot() map[string]interface{} {
	cameras := d.tree[nxlib.ItemCameras].(map[string]interface{})
	return cameras[nxlib.ItemBySerialNo].(map[string]interface{})
}

func (d *Device) cameraNode(serial string) (map[string]interface{}, bool) {
	node, ok := d.cameraRoot()[serial].(map[string]interface{})
	return node, ok
}

// SetPatternPose configures the calibration pattern pose, in meters in the
// stereo camera frame, served to pattern recordings and pose estimation.
func (d *Device) SetPatternPose(p spatialmath.Pose) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patternPose = p
}

// QueueObservations queues per-recording pattern observations, meters in
// the camera frame at recording time. Each CollectPattern consumes one;
// when the queue is empty the static pattern pose is used.
func (d *Device) QueueObservations(poses ...spatialmath.Pose) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observations = append(d.observations, poses...)
}

// SetMounting configures the camera mounting and pattern placement, in
// meters, that the simulated hand-eye solver reproduces.
func (d *Device) SetMounting(camera, pattern spatialmath.Pose) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mountingCamera = camera
	d.mountingPattern = pattern
}

// FailNext makes the next execution of command fail with err.
func (d *Device) FailNext(command string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[command] = err
}

// FailNextTimeout makes the next capture command report an acquisition
// timeout.
func (d *Device) FailNextTimeout() {
	d.FailNext(nxlib.CmdCapture, &nxlib.CommandError{
		Command: nxlib.CmdCapture,
		Symbol:  nxlib.ErrSymbolCaptureTimeout,
		Code:    17,
		Message: "the camera did not deliver images within the timeout",
	})
}

// EmptyNextEstimate makes the next pose estimation behave as if decoding
// rejected every stored observation, reporting no detected pattern.
func (d *Device) EmptyNextEstimate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emptyNextEstimate = true
}

// MarkStaleNext makes the next capture report no new data for the given
// serials, without an error.
func (d *Device) MarkStaleNext(serials ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range serials {
		d.stale[s] = true
	}
}

// Commands returns the names of all executed commands, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// ClearCommands resets the executed-command log.
func (d *Device) ClearCommands() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
	d.lastParams = map[string]map[string]interface{}{}
}

// LastParams returns a copy of the parameter tree passed to the most recent
// execution of command, and whether the command has executed at all.
func (d *Device) LastParams(command string) (map[string]interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	params, ok := d.lastParams[command]
	if !ok {
		return nil, false
	}
	return copyTree(params), true
}

// PatternCount returns the number of stored pattern observations.
func (d *Device) PatternCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.patterns)
}

// InitRefs returns the current subsystem initialization depth.
func (d *Device) InitRefs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initRefs
}

// OpenCount returns how many devices are currently open.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, open := range d.opened {
		if open {
			n++
		}
	}
	return n
}

// StoredLinkTarget returns the frame name most recently persisted by
// StoreCalibration.
func (d *Device) StoredLinkTarget() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.storedLink == nil {
		return "", false
	}
	target, ok := d.storedLink[nxlib.ItemTarget].(string)
	return target, ok
}

// UEyeParameterFile returns the file name from the last uEye parameter
// load.
func (d *Device) UEyeParameterFile() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ueyeParameters
}

// Initialize implements nxlib.Subsystem.
func (d *Device) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initRefs++
	return nil
}

// Finalize implements nxlib.Subsystem.
func (d *Device) Finalize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initRefs == 0 {
		return errors.New("finalize without matching initialize")
	}
	d.initRefs--
	return nil
}

func commandError(command, message string) *nxlib.CommandError {
	return &nxlib.CommandError{
		Command: command,
		Symbol:  nxlib.ErrSymbolExecutionFailed,
		Code:    2,
		Message: message,
	}
}

// Execute implements nxlib.Executor.
func (d *Device) Execute(ctx context.Context, command string, params map[string]interface{}) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)
	d.lastParams[command] = copyTree(params)
	d.logger.Debugw("executing device command", "command", command)
	if err, ok := d.failNext[command]; ok {
		delete(d.failNext, command)
		return nil, err
	}

	switch command {
	case nxlib.CmdOpen:
		return nil, d.execOpen(params)
	case nxlib.CmdClose:
		return nil, d.execClose(params)
	case nxlib.CmdTrigger:
		return d.execTrigger(params)
	case nxlib.CmdCapture, nxlib.CmdRetrieve:
		return d.execCapture(command, params)
	case nxlib.CmdRectifyImages:
		d.rectified = true
		return nil, nil
	case nxlib.CmdComputeDisparityMap:
		return nil, d.execComputeDisparity(command)
	case nxlib.CmdComputePointMap:
		if !d.pointMapReady {
			return nil, commandError(command, "no disparity map has been computed")
		}
		return nil, nil
	case nxlib.CmdRenderPointMap:
		return nil, d.execRenderPointMap(command, params)
	case nxlib.CmdDiscardPatterns:
		d.patterns = nil
		return nil, nil
	case nxlib.CmdCollectPattern:
		return nil, d.execCollectPattern(params)
	case nxlib.CmdEstimatePatternPose:
		return d.execEstimatePatternPose()
	case nxlib.CmdCalibrateHandEye:
		return d.execCalibrateHandEye(params)
	case nxlib.CmdCalibrateWorkspace:
		return nil, d.execCalibrateWorkspace(params)
	case nxlib.CmdStoreCalibration:
		return nil, d.execStoreCalibration(params)
	case nxlib.CmdLoadUEyeParameterSet:
		file, _ := params[nxlib.ItemFilename].(string)
		if file == "" {
			return nil, commandError(command, "no parameter file name given")
		}
		d.ueyeParameters = file
		return nil, nil
	default:
		return nil, commandError(command, "unknown command")
	}
}

func paramSerials(params map[string]interface{}) []string {
	var serials []string
	switch cameras := params[nxlib.ItemCameras].(type) {
	case []interface{}:
		for _, c := range cameras {
			if s, ok := c.(string); ok {
				serials = append(serials, s)
			}
		}
	case string:
		serials = append(serials, cameras)
	}
	return serials
}

func (d *Device) execOpen(params map[string]interface{}) error {
	for _, serial := range paramSerials(params) {
		if _, ok := d.cameraNode(serial); !ok {
			return commandError(nxlib.CmdOpen, "no camera with serial "+serial)
		}
		if d.opened[serial] {
			return commandError(nxlib.CmdOpen, "camera "+serial+" is already open")
		}
		d.opened[serial] = true
	}
	return nil
}

func (d *Device) execClose(params map[string]interface{}) error {
	for _, serial := range paramSerials(params) {
		if !d.opened[serial] {
			return commandError(nxlib.CmdClose, "camera "+serial+" is not open")
		}
		d.opened[serial] = false
	}
	return nil
}

func (d *Device) execTrigger(params map[string]interface{}) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	for _, serial := range paramSerials(params) {
		if !d.opened[serial] {
			return nil, commandError(nxlib.CmdTrigger, "camera "+serial+" is not open")
		}
		result[serial] = map[string]interface{}{nxlib.ItemTriggered: true}
	}
	return result, nil
}

func (d *Device) execCapture(command string, params map[string]interface{}) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	for _, serial := range paramSerials(params) {
		if !d.opened[serial] {
			return nil, commandError(command, "camera "+serial+" is not open")
		}
		retrieved := !d.stale[serial]
		delete(d.stale, serial)
		d.fresh[serial] = retrieved
		result[serial] = map[string]interface{}{nxlib.ItemRetrieved: retrieved}
		if serial == d.opts.StereoSerial && retrieved {
			d.lastCaptureFrontLight = d.captureFlag(serial, nxlib.ItemFrontLight)
			d.lastCaptureFlexView = d.flexViewLevel(serial)
			d.rectified = false
			d.pointMapReady = false
		}
	}
	return result, nil
}

func (d *Device) captureFlag(serial, item string) bool {
	node, ok := d.cameraNode(serial)
	if !ok {
		return false
	}
	v, ok := nxlib.Lookup(node, nxlib.Join(nxlib.ItemParameters, nxlib.ItemCapture, item))
	if !ok {
		return false
	}
	flag, _ := v.(bool)
	return flag
}

func (d *Device) flexViewLevel(serial string) int {
	node, ok := d.cameraNode(serial)
	if !ok {
		return 0
	}
	v, ok := nxlib.Lookup(node, nxlib.Join(nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemFlexView))
	if !ok {
		return 0
	}
	switch level := v.(type) {
	case int:
		return level
	case float64:
		return int(level)
	default:
		return 0
	}
}

func (d *Device) execComputeDisparity(command string) error {
	if !d.fresh[d.opts.StereoSerial] {
		return commandError(command, "no image data has been captured")
	}
	d.pointMapReady = true
	return nil
}

func (d *Device) execRenderPointMap(command string, params map[string]interface{}) error {
	serial, _ := params[nxlib.ItemCamera].(string)
	if !d.opts.Monocular || serial != d.opts.MonocularSerial {
		return commandError(command, "no monocular camera to render into")
	}
	if !d.pointMapReady {
		return commandError(command, "no disparity map has been computed")
	}
	d.renderedReady = true
	return nil
}

func (d *Device) execCollectPattern(params map[string]interface{}) error {
	if !d.fresh[d.opts.StereoSerial] {
		return commandError(nxlib.CmdCollectPattern, "no image data has been captured")
	}
	if !d.lastCaptureFrontLight {
		return commandError(nxlib.CmdCollectPattern, "pattern not found: image was not captured under front light")
	}
	if d.lastCaptureFlexView > 0 {
		return commandError(nxlib.CmdCollectPattern, "pattern not found: multi-shot capture was active")
	}
	observation := d.patternPose
	if len(d.observations) > 0 {
		observation = d.observations[0]
		d.observations = d.observations[1:]
	}
	if observation == nil {
		return commandError(nxlib.CmdCollectPattern, "pattern not found")
	}
	d.patterns = append(d.patterns, observation)
	return nil
}

func (d *Device) execEstimatePatternPose() (map[string]interface{}, error) {
	if d.flexViewLevel(d.opts.StereoSerial) > 0 {
		return nil, commandError(nxlib.CmdEstimatePatternPose, "multi-shot capture must be disabled for pose estimation")
	}
	if len(d.patterns) == 0 || d.emptyNextEstimate {
		d.emptyNextEstimate = false
		return map[string]interface{}{nxlib.ItemPatterns: []interface{}{}}, nil
	}
	estimate := averagePose(d.patterns)
	return map[string]interface{}{
		nxlib.ItemPatterns: []interface{}{
			map[string]interface{}{
				nxlib.ItemPatternPose: poseTreeMillimeters(estimate),
			},
		},
	}, nil
}

func (d *Device) execCalibrateHandEye(params map[string]interface{}) (map[string]interface{}, error) {
	if d.mountingCamera == nil || d.mountingPattern == nil {
		return nil, commandError(nxlib.CmdCalibrateHandEye, "simulated mounting is not configured")
	}
	transformations, _ := params[nxlib.ItemTransformations].([]interface{})
	if len(transformations) != len(d.patterns) {
		return nil, commandError(nxlib.CmdCalibrateHandEye,
			"number of robot poses does not match the number of stored patterns")
	}
	moving := params[nxlib.ItemSetup] == nxlib.ValMoving

	robotPoses := make([]spatialmath.Pose, len(transformations))
	for i, raw := range transformations {
		pose, err := poseFromTreeMillimeters(raw)
		if err != nil {
			return nil, commandError(nxlib.CmdCalibrateHandEye, err.Error())
		}
		robotPoses[i] = pose
	}

	// Check the observations agree with the configured mounting at each
	// robot pose; a real solver diverges on inconsistent input.
	var worst float64
	for i, robot := range robotPoses {
		predicted := d.predictObservation(robot, moving)
		residual := poseDistance(predicted, d.patterns[i])
		if residual > worst {
			worst = residual
		}
	}
	if worst > residualTolerance {
		return nil, commandError(nxlib.CmdCalibrateHandEye, "calibration did not converge: inconsistent poses")
	}

	// The solver persists the camera pose as the device link,
	// camera-relative-to-target.
	link := poseTreeMillimeters(spatialmath.PoseInverse(d.mountingCamera))
	target := "Workspace"
	if moving {
		target = "Hand"
	}
	if t, ok := params[nxlib.ItemTarget].(string); ok && t != "" {
		target = t
	}
	link[nxlib.ItemTarget] = target
	if node, ok := d.cameraNode(d.opts.StereoSerial); ok {
		node[nxlib.ItemLink] = link
	}

	return map[string]interface{}{
		nxlib.ItemPatternPose:       poseTreeMillimeters(d.mountingPattern),
		nxlib.ItemIterations:        8 + len(robotPoses),
		nxlib.ItemReprojectionError: 0.05 + worst,
	}, nil
}

// predictObservation computes the pattern pose the camera would observe at
// the given robot pose under the configured mounting.
func (d *Device) predictObservation(robot spatialmath.Pose, moving bool) spatialmath.Pose {
	if moving {
		// Camera on the hand, pattern fixed in the robot base frame.
		return spatialmath.Compose(spatialmath.PoseInverse(d.mountingCamera),
			spatialmath.Compose(spatialmath.PoseInverse(robot), d.mountingPattern))
	}
	// Camera fixed in the workspace, pattern on the hand.
	return spatialmath.Compose(spatialmath.PoseInverse(d.mountingCamera),
		spatialmath.Compose(robot, d.mountingPattern))
}

func (d *Device) execCalibrateWorkspace(params map[string]interface{}) error {
	serials := paramSerials(params)
	if len(serials) != 1 || serials[0] != d.opts.StereoSerial {
		return commandError(nxlib.CmdCalibrateWorkspace, "workspace calibration needs exactly the stereo camera")
	}
	node, ok := d.cameraNode(d.opts.StereoSerial)
	if !ok {
		return commandError(nxlib.CmdCalibrateWorkspace, "no stereo camera")
	}

	patternRaw, hasPattern := params[nxlib.ItemPatternPose]
	if !hasPattern {
		// Clearing: drop the calibration geometry, keep only the target
		// name given in the command.
		target, _ := params[nxlib.ItemTarget].(string)
		node[nxlib.ItemLink] = map[string]interface{}{nxlib.ItemTarget: target}
		return nil
	}

	patternPose, err := poseFromTreeMillimeters(patternRaw)
	if err != nil {
		return commandError(nxlib.CmdCalibrateWorkspace, err.Error())
	}
	definedPose := spatialmath.NewZeroPose()
	if definedRaw, ok := params[nxlib.ItemDefinedPose]; ok {
		if definedPose, err = poseFromTreeMillimeters(definedRaw); err != nil {
			return commandError(nxlib.CmdCalibrateWorkspace, err.Error())
		}
	}
	target, _ := params[nxlib.ItemTarget].(string)
	if target == "" {
		target = "Workspace"
	}

	link := poseTreeMillimeters(spatialmath.Compose(definedPose, spatialmath.PoseInverse(patternPose)))
	link[nxlib.ItemTarget] = target
	node[nxlib.ItemLink] = link
	return nil
}

func (d *Device) execStoreCalibration(params map[string]interface{}) error {
	node, ok := d.cameraNode(d.opts.StereoSerial)
	if !ok {
		return commandError(nxlib.CmdStoreCalibration, "no stereo camera")
	}
	link, ok := node[nxlib.ItemLink].(map[string]interface{})
	if !ok {
		return commandError(nxlib.CmdStoreCalibration, "no link to store")
	}
	d.storedLink = copyTree(link)
	return nil
}

// averagePose blends tightly clustered poses: mean translation and a
// normalized quaternion sum for rotation.
func averagePose(poses []spatialmath.Pose) spatialmath.Pose {
	var translation r3.Vector
	var sum quat.Number
	reference := poses[0].Orientation().Quaternion()
	for _, p := range poses {
		translation = translation.Add(p.Point())
		q := p.Orientation().Quaternion()
		// Keep all samples in the same quaternion hemisphere.
		if reference.Real*q.Real+reference.Imag*q.Imag+reference.Jmag*q.Jmag+reference.Kmag*q.Kmag < 0 {
			q = quat.Scale(-1, q)
		}
		sum = quat.Add(sum, q)
	}
	translation = translation.Mul(1 / float64(len(poses)))
	norm := quat.Abs(sum)
	if norm == 0 {
		sum = quat.Number{Real: 1}
		norm = 1
	}
	averaged := spatialmath.QuatToR4AA(quat.Scale(1/norm, sum))
	return spatialmath.NewPose(translation, averaged)
}

// poseDistance combines translation distance, in meters, with the rotation
// angle between two poses.
func poseDistance(a, b spatialmath.Pose) float64 {
	dt := a.Point().Sub(b.Point()).Norm()
	qa := a.Orientation().Quaternion()
	qb := b.Orientation().Quaternion()
	diff := quat.Mul(qa, quat.Conj(qb))
	angle := spatialmath.QuatToR4AA(diff).Theta
	if angle > math.Pi {
		angle = 2*math.Pi - angle
	}
	return dt + angle
}
