// Package nxlib defines the narrow contracts this driver needs from an
// NxLib-style camera backend: command execution against the device, typed
// access to the device property tree, and extraction of binary image data.
//
// A backend is anything that implements Client. The fake subpackage
// provides an in-memory backend for tests and development without
// hardware; a production backend wraps the vendor SDK.
package nxlib

import (
	"context"
	"image"
	"strings"

	"go.viam.com/rdk/pointcloud"
)

// Command names understood by the device executor.
const (
	CmdOpen                 = "Open"
	CmdClose                = "Close"
	CmdTrigger              = "Trigger"
	CmdCapture              = "Capture"
	CmdRetrieve             = "Retrieve"
	CmdRectifyImages        = "RectifyImages"
	CmdComputeDisparityMap  = "ComputeDisparityMap"
	CmdComputePointMap      = "ComputePointMap"
	CmdRenderPointMap       = "RenderPointMap"
	CmdCollectPattern       = "CollectPattern"
	CmdDiscardPatterns      = "DiscardPatterns"
	CmdEstimatePatternPose  = "EstimatePatternPose"
	CmdCalibrateHandEye     = "CalibrateHandEye"
	CmdCalibrateWorkspace   = "CalibrateWorkspace"
	CmdStoreCalibration     = "StoreCalibration"
	CmdLoadUEyeParameterSet = "LoadUEyeParameterSet"
)

// Item names used in property-tree paths and command parameter trees.
const (
	ItemCameras                       = "Cameras"
	ItemBySerialNo                    = "BySerialNo"
	ItemSerialNumber                  = "SerialNumber"
	ItemType                          = "Type"
	ItemParameters                    = "Parameters"
	ItemCapture                       = "Capture"
	ItemFlexView                      = "FlexView"
	ItemFrontLight                    = "FrontLight"
	ItemProjector                     = "Projector"
	ItemUseDisparityMapAreaOfInterest = "UseDisparityMapAreaOfInterest"
	ItemDisparityMap                  = "DisparityMap"
	ItemAreaOfInterest                = "AreaOfInterest"
	ItemLeftTop                       = "LeftTop"
	ItemRightBottom                   = "RightBottom"
	ItemImages                        = "Images"
	ItemRaw                           = "Raw"
	ItemRectified                     = "Rectified"
	ItemLeft                          = "Left"
	ItemPointMap                      = "PointMap"
	ItemRenderPointMap                = "RenderPointMap"
	ItemUseOpenGL                     = "UseOpenGL"
	ItemLink                          = "Link"
	ItemTarget                        = "Target"
	ItemTimeout                       = "Timeout"
	ItemCamera                        = "Camera"
	ItemNear                          = "Near"
	ItemDecodeData                    = "DecodeData"
	ItemPatterns                      = "Patterns"
	ItemPatternPose                   = "PatternPose"
	ItemDefinedPose                   = "DefinedPose"
	ItemSetup                         = "Setup"
	ItemTransformations               = "Transformations"
	ItemIterations                    = "Iterations"
	ItemReprojectionError             = "ReprojectionError"
	ItemCalibration                   = "Calibration"
	ItemFilename                      = "Filename"
	ItemTriggered                     = "Triggered"
	ItemRetrieved                     = "Retrieved"
	ItemRotation                      = "Rotation"
	ItemAngle                         = "Angle"
	ItemAxis                          = "Axis"
	ItemTranslation                   = "Translation"
)

// Device type values under Cameras/BySerialNo/<serial>/Type.
const (
	ValStereo    = "Stereo"
	ValMonocular = "Monocular"
	ValMoving    = "Moving"
	ValFixed     = "Fixed"
)

// Executor runs named commands against the device.
type Executor interface {
	// Execute runs a command with the given parameter tree and returns the
	// command's result tree. Device-side failures are reported as
	// *CommandError.
	Execute(ctx context.Context, command string, params map[string]interface{}) (map[string]interface{}, error)
}

// Tree provides typed access to the device property tree. Paths are
// slash-separated item names, e.g. "Cameras/BySerialNo/1234/Parameters".
type Tree interface {
	// GetValue returns the value stored at path. Subtrees are returned as
	// nested map[string]interface{} copies. A path that does not exist
	// reports ErrPropertyMissing.
	GetValue(ctx context.Context, path string) (interface{}, error)

	// SetValue stores a value at path, creating intermediate nodes.
	SetValue(ctx context.Context, path string, value interface{}) error

	// Erase removes the node at path and everything below it. Erasing a
	// nonexistent path is not an error.
	Erase(ctx context.Context, path string) error

	// Exists reports whether a node is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the child item names at path, in stable order.
	List(ctx context.Context, path string) ([]string, error)
}

// Data extracts binary payloads from image nodes in the property tree.
// Failures to produce a payload are reported as ErrDataUnavailable.
type Data interface {
	// BinaryInfo returns the pixel dimensions of the payload at path.
	BinaryInfo(ctx context.Context, path string) (width, height int, err error)

	// Image decodes the payload at path as an image.
	Image(ctx context.Context, path string) (image.Image, error)

	// PointCloud decodes the payload at path as a point cloud.
	PointCloud(ctx context.Context, path string) (pointcloud.PointCloud, error)
}

// Files loads structured parameter blobs into the tree and serializes
// subtrees back out.
type Files interface {
	// LoadJSON merges the JSON document in file into the subtree at path.
	LoadJSON(ctx context.Context, path, file string) error

	// JSON returns the subtree at path serialized as pretty-printed JSON.
	JSON(ctx context.Context, path string) (string, error)
}

// Subsystem controls process-wide initialization of the camera backend.
// Initialize and Finalize calls are paired; the driver reference-counts
// sessions so the pair runs once per process-wide lifecycle.
type Subsystem interface {
	Initialize(ctx context.Context) error
	Finalize(ctx context.Context) error
}

// Client is the full backend surface consumed by the driver.
type Client interface {
	Executor
	Tree
	Data
	Files
	Subsystem
}

// Join builds a slash-separated tree path from item names.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}
