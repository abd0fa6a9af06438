package fake

import (
	"context"
	"image"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/rimage"

	"github.com/drobotics/ensenso/nxlib"
)

// payloadAvailable checks that the binary payload a path refers to has
// been produced by the command pipeline. Callers hold d.mu.
func (d *Device) payloadAvailable(path string) error {
	switch {
	case strings.HasSuffix(path, nxlib.Join(nxlib.ItemImages, nxlib.ItemRaw)):
		if !d.opts.Monocular || !strings.Contains(path, d.opts.MonocularSerial) {
			return errors.Wrap(nxlib.ErrDataUnavailable, path)
		}
		if !d.fresh[d.opts.MonocularSerial] {
			return errors.Wrap(nxlib.ErrDataUnavailable, "no monocular image captured")
		}
	case strings.HasSuffix(path, nxlib.Join(nxlib.ItemImages, nxlib.ItemRectified, nxlib.ItemLeft)):
		if !d.fresh[d.opts.StereoSerial] || !d.rectified {
			return errors.Wrap(nxlib.ErrDataUnavailable, "no rectified stereo image available")
		}
	case strings.HasSuffix(path, nxlib.Join(nxlib.ItemImages, nxlib.ItemPointMap)):
		if !d.pointMapReady {
			return errors.Wrap(nxlib.ErrDataUnavailable, "no point map computed")
		}
	case strings.HasSuffix(path, nxlib.Join(nxlib.ItemImages, nxlib.ItemRenderPointMap)):
		if !d.renderedReady {
			return errors.Wrap(nxlib.ErrDataUnavailable, "no rendered point map computed")
		}
	default:
		return errors.Wrap(nxlib.ErrDataUnavailable, path)
	}
	return nil
}

// BinaryInfo implements nxlib.Data.
func (d *Device) BinaryInfo(ctx context.Context, path string) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.payloadAvailable(path); err != nil {
		return 0, 0, err
	}
	return d.opts.Width, d.opts.Height, nil
}

// Image implements nxlib.Data, producing a synthetic gradient image.
func (d *Device) Image(ctx context.Context, path string) (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.payloadAvailable(path); err != nil {
		return nil, err
	}
	img := rimage.NewImage(d.opts.Width, d.opts.Height)
	for y := 0; y < d.opts.Height; y++ {
		for x := 0; x < d.opts.Width; x++ {
			level := uint8((x + y) * 255 / (d.opts.Width + d.opts.Height))
			img.SetXY(x, y, rimage.NewColor(level, level, level))
		}
	}
	return img, nil
}

// PointCloud implements nxlib.Data, producing a synthetic tilted plane one
// meter from the camera. Coordinates are in millimeters, matching the
// device's native point map.
func (d *Device) PointCloud(ctx context.Context, path string) (pointcloud.PointCloud, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.payloadAvailable(path); err != nil {
		return nil, err
	}
	cloud := pointcloud.NewBasicEmpty()
	for y := 0; y < d.opts.Height; y += pointCloudStride {
		for x := 0; x < d.opts.Width; x += pointCloudStride {
			point := r3.Vector{
				X: float64(x - d.opts.Width/2),
				Y: float64(y - d.opts.Height/2),
				Z: 1000 + 0.1*float64(x),
			}
			if err := cloud.Set(point, pointcloud.NewBasicData()); err != nil {
				return nil, err
			}
		}
	}
	return cloud, nil
}
