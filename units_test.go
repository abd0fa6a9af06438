package ensenso

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
)

func testPoses() []spatialmath.Pose {
	return []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 0.1, Y: -2.5, Z: 0.333}),
		spatialmath.NewPose(
			r3.Vector{X: 1.25, Y: 0, Z: -0.001},
			&spatialmath.R4AA{Theta: math.Pi / 3, RX: 0, RY: 0, RZ: 1},
		),
		spatialmath.NewPose(
			r3.Vector{X: -0.07, Y: 0.04, Z: 1.5},
			&spatialmath.R4AA{Theta: 2.1, RX: 1, RY: 1, RZ: -1},
		),
	}
}

func TestUnitConversionRoundTrip(t *testing.T) {
	for _, pose := range testPoses() {
		back := poseToMeters(poseToMillimeters(pose))
		test.That(t, spatialmath.PoseAlmostEqualEps(back, pose, 1e-9), test.ShouldBeTrue)
	}
}

func TestPoseTreeRoundTrip(t *testing.T) {
	for _, pose := range testPoses() {
		decoded, err := poseFromTree(poseToTree(pose))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, spatialmath.PoseAlmostEqualEps(decoded, pose, 1e-9), test.ShouldBeTrue)
	}
}

func TestPoseFromTreeRejectsGarbage(t *testing.T) {
	_, err := poseFromTree("not a tree")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = poseFromTree(map[string]interface{}{"Translation": []interface{}{1.0, 2.0, 3.0}})
	test.That(t, err, test.ShouldNotBeNil)
}
