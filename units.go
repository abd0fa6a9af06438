package ensenso

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/drobotics/ensenso/nxlib"
)

// Public poses carry translations in meters; the device tree carries
// millimeters. Every device read or write converts at the boundary.
const (
	metersToMillimeters = 1000.0
	millimetersToMeters = 0.001
)

func scalePose(p spatialmath.Pose, factor float64) spatialmath.Pose {
	return spatialmath.NewPose(p.Point().Mul(factor), p.Orientation())
}

func poseToMillimeters(p spatialmath.Pose) spatialmath.Pose {
	return scalePose(p, metersToMillimeters)
}

func poseToMeters(p spatialmath.Pose) spatialmath.Pose {
	return scalePose(p, millimetersToMeters)
}

// poseToTree encodes a pose in the device's transformation node layout: an
// axis-angle rotation and a translation triple. The translation is written
// as given; callers scale to millimeters first.
func poseToTree(p spatialmath.Pose) map[string]interface{} {
	aa := p.Orientation().AxisAngles()
	pt := p.Point()
	return map[string]interface{}{
		nxlib.ItemRotation: map[string]interface{}{
			nxlib.ItemAngle: aa.Theta,
			nxlib.ItemAxis:  []interface{}{aa.RX, aa.RY, aa.RZ},
		},
		nxlib.ItemTranslation: []interface{}{pt.X, pt.Y, pt.Z},
	}
}

// poseFromTree decodes a transformation node. Extra keys (e.g. the Target
// name stored next to a camera link) are ignored.
func poseFromTree(v interface{}) (spatialmath.Pose, error) {
	node, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("transformation node holds %T, not a tree", v)
	}
	angle, err := nxlib.LookupFloat(node, nxlib.Join(nxlib.ItemRotation, nxlib.ItemAngle))
	if err != nil {
		return nil, errors.Wrap(err, "malformed transformation node")
	}
	var axis [3]float64
	var translation [3]float64
	for i := range axis {
		idx := []string{"0", "1", "2"}[i]
		if axis[i], err = nxlib.LookupFloat(node, nxlib.Join(nxlib.ItemRotation, nxlib.ItemAxis, idx)); err != nil {
			return nil, errors.Wrap(err, "malformed transformation node")
		}
		if translation[i], err = nxlib.LookupFloat(node, nxlib.Join(nxlib.ItemTranslation, idx)); err != nil {
			return nil, errors.Wrap(err, "malformed transformation node")
		}
	}
	orientation := &spatialmath.R4AA{Theta: angle, RX: axis[0], RY: axis[1], RZ: axis[2]}
	if axis[0] == 0 && axis[1] == 0 && axis[2] == 0 {
		// A zero axis encodes the identity rotation.
		orientation = &spatialmath.R4AA{RZ: 1}
	} else {
		orientation.Normalize()
	}
	return spatialmath.NewPose(r3.Vector{X: translation[0], Y: translation[1], Z: translation[2]}, orientation), nil
}
