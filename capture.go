package ensenso

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/rimage"

	"github.com/drobotics/ensenso/nxlib"
)

// DefaultCaptureTimeout bounds how long the device may take to deliver
// image data after a trigger.
const DefaultCaptureTimeout = 1500 * time.Millisecond

// CaptureRequest describes one acquisition.
type CaptureRequest struct {
	// Stereo acquires from the stereo camera.
	Stereo bool

	// Monocular acquires from the linked monocular camera. Silently
	// narrowed to false when no monocular camera is attached.
	Monocular bool

	// Trigger sends a software trigger before retrieving; otherwise only
	// already-triggered data is retrieved.
	Trigger bool

	// Timeout bounds the retrieve. Zero means DefaultCaptureTimeout.
	Timeout time.Duration
}

func defaultCaptureRequest(e *Ensenso) CaptureRequest {
	return CaptureRequest{Stereo: true, Monocular: e.monocular.Present, Trigger: true, Timeout: DefaultCaptureTimeout}
}

// addressedSerials lists the devices a capture command targets. The stereo
// camera always occupies index 0 when requested; the device executor is
// sensitive to address order for multi-device triggering.
func (e *Ensenso) addressedSerials(stereo, monocular bool) []string {
	serials := make([]string, 0, 2)
	if stereo {
		serials = append(serials, e.camera.Serial)
	}
	if monocular {
		serials = append(serials, e.monocular.Serial)
	}
	return serials
}

// Capture acquires image data from the addressed devices. It returns true
// only if every addressed device reports new data, and trivially true when
// the request addresses no device, in which case no command is issued.
func (e *Ensenso) Capture(ctx context.Context, req CaptureRequest) (bool, error) {
	req.Monocular = req.Monocular && e.monocular.Present
	if !req.Stereo && !req.Monocular {
		return true, nil
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultCaptureTimeout
	}

	command := nxlib.CmdRetrieve
	if req.Trigger {
		command = nxlib.CmdCapture
	}
	serials := e.addressedSerials(req.Stereo, req.Monocular)
	cameras := make([]interface{}, len(serials))
	for i, s := range serials {
		cameras[i] = s
	}

	result, err := e.client.Execute(ctx, command, map[string]interface{}{
		nxlib.ItemTimeout: int(req.Timeout / time.Millisecond),
		nxlib.ItemCameras: cameras,
	})
	if err != nil {
		var cmdErr *nxlib.CommandError
		if errors.As(err, &cmdErr) && cmdErr.IsTimeout() {
			return false, errors.Wrapf(ErrAcquisitionTimeout, "after %v", req.Timeout)
		}
		return false, &AcquisitionError{cause: err}
	}

	for _, serial := range serials {
		retrieved, err := nxlib.LookupBool(result, nxlib.Join(serial, nxlib.ItemRetrieved))
		if err != nil {
			return false, &AcquisitionError{cause: err}
		}
		if !retrieved {
			return false, nil
		}
	}
	return true, nil
}

// Trigger sends a software trigger without retrieving data. It returns
// true only if every addressed device reports the trigger, and trivially
// true when no device is addressed.
func (e *Ensenso) Trigger(ctx context.Context, stereo, monocular bool) (bool, error) {
	monocular = monocular && e.monocular.Present
	if !stereo && !monocular {
		return true, nil
	}
	serials := e.addressedSerials(stereo, monocular)
	cameras := make([]interface{}, len(serials))
	for i, s := range serials {
		cameras[i] = s
	}
	result, err := e.client.Execute(ctx, nxlib.CmdTrigger, map[string]interface{}{
		nxlib.ItemCameras: cameras,
	})
	if err != nil {
		return false, &AcquisitionError{cause: err}
	}
	for _, serial := range serials {
		triggered, err := nxlib.LookupBool(result, nxlib.Join(serial, nxlib.ItemTriggered))
		if err != nil {
			return false, &AcquisitionError{cause: err}
		}
		if !triggered {
			return false, nil
		}
	}
	return true, nil
}

// RectifyImages requests on-device rectification of the stereo pair.
// Required before reading a non-registered intensity image when no
// monocular camera is attached.
func (e *Ensenso) RectifyImages(ctx context.Context) error {
	_, err := e.client.Execute(ctx, nxlib.CmdRectifyImages, map[string]interface{}{
		nxlib.ItemCameras: []interface{}{e.camera.Serial},
	})
	return errors.Wrap(err, "rectifying images")
}

// IntensitySize returns the pixel dimensions of the intensity image.
func (e *Ensenso) IntensitySize(ctx context.Context) (int, int, error) {
	return e.client.BinaryInfo(ctx, e.intensityPath())
}

// PointCloudSize returns the pixel dimensions of the point map.
func (e *Ensenso) PointCloudSize(ctx context.Context) (int, int, error) {
	return e.client.BinaryInfo(ctx, e.camera.path(nxlib.ItemImages, nxlib.ItemPointMap))
}

func (e *Ensenso) intensityPath() string {
	if e.monocular.Present {
		return e.monocular.path(nxlib.ItemImages, nxlib.ItemRaw)
	}
	return e.camera.path(nxlib.ItemImages, nxlib.ItemRectified, nxlib.ItemLeft)
}

// Intensity returns an intensity image: the monocular camera's raw image
// when one is attached, otherwise the rectified left stereo image. When
// capture is true, new data is acquired first.
func (e *Ensenso) Intensity(ctx context.Context, capture bool) (*rimage.Image, error) {
	if capture {
		req := CaptureRequest{
			Stereo:    !e.monocular.Present,
			Monocular: e.monocular.Present,
			Trigger:   true,
			Timeout:   DefaultCaptureTimeout,
		}
		if err := e.captureChecked(ctx, req); err != nil {
			return nil, err
		}
	}
	if !e.monocular.Present {
		if err := e.RectifyImages(ctx); err != nil {
			return nil, err
		}
	}
	img, err := e.client.Image(ctx, e.intensityPath())
	if err != nil {
		return nil, errors.Wrap(err, "reading intensity image")
	}
	return rimage.ConvertImage(img), nil
}

// PointCloud computes and returns a point cloud restricted to roi (the
// empty rectangle means unrestricted). When capture is true, new data is
// acquired from every attached device first. Point coordinates are in the
// device's native millimeters.
func (e *Ensenso) PointCloud(ctx context.Context, roi image.Rectangle, capture bool) (pointcloud.PointCloud, error) {
	if capture {
		if err := e.captureChecked(ctx, defaultCaptureRequest(e)); err != nil {
			return nil, err
		}
	}
	if err := e.SetRegionOfInterest(ctx, roi); err != nil {
		return nil, err
	}
	if err := e.computeDisparity(ctx); err != nil {
		return nil, err
	}
	if _, err := e.client.Execute(ctx, nxlib.CmdComputePointMap, map[string]interface{}{
		nxlib.ItemCameras: e.camera.Serial,
	}); err != nil {
		return nil, errors.Wrap(err, "computing point map")
	}
	cloud, err := e.client.PointCloud(ctx, e.camera.path(nxlib.ItemImages, nxlib.ItemPointMap))
	return cloud, errors.Wrap(err, "reading point map")
}

// RegisteredPointCloud computes a point cloud rendered into the monocular
// camera's frame. Requires the monocular camera.
func (e *Ensenso) RegisteredPointCloud(ctx context.Context, roi image.Rectangle, capture bool) (pointcloud.PointCloud, error) {
	if !e.monocular.Present {
		return nil, errors.Wrap(ErrNoMonocular, "can not render a registered point cloud")
	}
	if capture {
		if err := e.captureChecked(ctx, defaultCaptureRequest(e)); err != nil {
			return nil, err
		}
	}
	if err := e.SetRegionOfInterest(ctx, roi); err != nil {
		return nil, err
	}
	if err := e.computeDisparity(ctx); err != nil {
		return nil, err
	}
	// RenderPointMap misbehaves with OpenGL enabled, so force it off.
	if err := e.client.SetValue(ctx, nxlib.Join(nxlib.ItemParameters, nxlib.ItemRenderPointMap, nxlib.ItemUseOpenGL), false); err != nil {
		return nil, err
	}
	if _, err := e.client.Execute(ctx, nxlib.CmdRenderPointMap, map[string]interface{}{
		nxlib.ItemCamera: e.monocular.Serial,
		// Clip nothing: one millimeter from the camera.
		nxlib.ItemNear: 1,
	}); err != nil {
		return nil, errors.Wrap(err, "rendering point map")
	}
	cloud, err := e.client.PointCloud(ctx, nxlib.Join(nxlib.ItemImages, nxlib.ItemRenderPointMap))
	return cloud, errors.Wrap(err, "reading rendered point map")
}

func (e *Ensenso) computeDisparity(ctx context.Context) error {
	_, err := e.client.Execute(ctx, nxlib.CmdComputeDisparityMap, map[string]interface{}{
		nxlib.ItemCameras: e.camera.Serial,
	})
	return errors.Wrap(err, "computing disparity map")
}

// captureChecked runs a capture and turns a stale-data outcome into an
// error, for internal flows that need fresh data unconditionally.
func (e *Ensenso) captureChecked(ctx context.Context, req CaptureRequest) error {
	ok, err := e.Capture(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return &AcquisitionError{cause: errors.New("a device reported no new data")}
	}
	return nil
}
