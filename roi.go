package ensenso

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/drobotics/ensenso/nxlib"
)

// SetRegionOfInterest restricts disparity computation to roi, given in
// pixel coordinates of the stereo pair. The empty rectangle removes any
// restriction; in that case the previously configured area of interest is
// erased, not merely disabled, so no stale geometry survives a later
// capture. Applying the same ROI twice leaves device state unchanged.
func (e *Ensenso) SetRegionOfInterest(ctx context.Context, roi image.Rectangle) error {
	useFlagPath := e.camera.path(nxlib.ItemParameters, nxlib.ItemCapture, nxlib.ItemUseDisparityMapAreaOfInterest)
	aoiPath := e.camera.path(nxlib.ItemParameters, nxlib.ItemDisparityMap, nxlib.ItemAreaOfInterest)

	if roi.Empty() {
		if err := e.client.SetValue(ctx, useFlagPath, false); err != nil {
			return errors.Wrap(err, "disabling area of interest")
		}
		exists, err := e.client.Exists(ctx, aoiPath)
		if err != nil {
			return err
		}
		if exists {
			if err := e.client.Erase(ctx, aoiPath); err != nil {
				return errors.Wrap(err, "erasing area of interest")
			}
		}
		return nil
	}

	if err := e.client.SetValue(ctx, useFlagPath, true); err != nil {
		return errors.Wrap(err, "enabling area of interest")
	}
	if err := e.client.SetValue(ctx, nxlib.Join(aoiPath, nxlib.ItemLeftTop),
		[]interface{}{roi.Min.X, roi.Min.Y}); err != nil {
		return errors.Wrap(err, "setting area of interest")
	}
	if err := e.client.SetValue(ctx, nxlib.Join(aoiPath, nxlib.ItemRightBottom),
		[]interface{}{roi.Max.X, roi.Max.Y}); err != nil {
		return errors.Wrap(err, "setting area of interest")
	}
	return nil
}
