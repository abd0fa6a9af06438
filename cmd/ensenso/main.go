// Command ensenso exercises a stereo depth camera from the command line:
// capture images and point clouds, detect calibration patterns, run
// hand-eye and workspace calibration. With --fake it runs against the
// in-memory simulated device, which is also the only backend compiled into
// this binary; a hardware build swaps in a client backed by the vendor
// SDK.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/drobotics/ensenso"
	"github.com/drobotics/ensenso/nxlib"
	"github.com/drobotics/ensenso/nxlib/fake"
)

const (
	flagSerial    = "serial"
	flagMonocular = "monocular"
	flagParams    = "params"
	flagDebug     = "debug"
	flagFake      = "fake"
)

var app = &cli.App{
	Name:            "ensenso",
	Usage:           "operate an Ensenso stereo depth camera",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  flagSerial,
			Usage: "serial number of the stereo camera; the first one found when empty",
		},
		&cli.BoolFlag{
			Name:  flagMonocular,
			Usage: "also connect the linked monocular camera",
		},
		&cli.PathFlag{
			Name:  flagParams,
			Usage: "load stereo camera parameters from `FILE` after connecting",
		},
		&cli.BoolFlag{
			Name:  flagDebug,
			Usage: "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  flagFake,
			Usage: "run against the simulated device instead of hardware",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "capture",
			Usage: "capture one frame and write the results to disk",
			Flags: []cli.Flag{
				&cli.PathFlag{Name: "image", Usage: "write the intensity image as PNG to `FILE`"},
				&cli.PathFlag{Name: "cloud", Usage: "write the point cloud as PCD to `FILE`"},
				&cli.BoolFlag{Name: "registered", Usage: "render the cloud into the monocular camera frame"},
			},
			Action: captureAction,
		},
		{
			Name:  "detect-pattern",
			Usage: "record calibration pattern observations and print the estimated pose",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "samples", Value: 1, Usage: "number of observations to average"},
				&cli.BoolFlag{Name: "workspace", Usage: "report the pose in the workspace frame"},
			},
			Action: detectPatternAction,
		},
		{
			Name:      "calibrate",
			Usage:     "run hand-eye calibration from recorded patterns and robot poses",
			ArgsUsage: "<poses.json>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "fixed", Usage: "camera is fixed in the workspace rather than robot-mounted"},
				&cli.StringFlag{Name: "target", Usage: "coordinate frame to calibrate to"},
			},
			Action: calibrateAction,
		},
		{
			Name:  "record-pattern",
			Usage: "record one calibration pattern observation",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "discard", Usage: "discard previously recorded observations first"},
			},
			Action: recordPatternAction,
		},
		{
			Name:            "workspace",
			Usage:           "manage the workspace calibration",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:  "set",
					Usage: "calibrate the workspace from a visible pattern",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "frame", Usage: "workspace frame name"},
						&cli.IntFlag{Name: "samples", Value: 1, Usage: "pattern observations to average"},
						&cli.BoolFlag{Name: "store", Usage: "persist to device storage"},
					},
					Action: workspaceSetAction,
				},
				{
					Name:  "clear",
					Usage: "remove the workspace calibration",
					Flags: []cli.Flag{
						&cli.BoolFlag{Name: "store", Usage: "persist the cleared state"},
					},
					Action: workspaceClearAction,
				},
				{
					Name:   "show",
					Usage:  "print the active workspace calibration",
					Action: workspaceShowAction,
				},
			},
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("ensenso")
	}
	return logging.NewLogger("ensenso")
}

// newClient builds the device backend. Only the simulated device is
// compiled into this binary; it comes preloaded with a pattern in view and
// a plausible camera mounting so every subcommand has something to work
// with.
func newClient(c *cli.Context, logger logging.Logger) (nxlib.Client, error) {
	if !c.Bool(flagFake) {
		return nil, errors.New("no hardware backend in this build; use --fake")
	}
	device := fake.New(fake.Options{Monocular: c.Bool(flagMonocular)}, logger)
	device.SetPatternPose(spatialmath.NewPose(
		r3.Vector{X: 0.01, Y: -0.02, Z: 0.55},
		&spatialmath.R4AA{Theta: 0.15, RX: 0.1, RY: 1, RZ: 0},
	))
	device.SetMounting(
		spatialmath.NewPose(r3.Vector{X: 0.04, Y: 0, Z: 0.07}, &spatialmath.R4AA{Theta: 0.2, RZ: 1}),
		spatialmath.NewPose(r3.Vector{X: 0.5, Y: -0.1, Z: 0}, &spatialmath.R4AA{Theta: 1.0, RZ: 1}),
	)
	return device, nil
}

func connect(c *cli.Context) (*ensenso.Ensenso, logging.Logger, error) {
	logger := newLogger(c)
	client, err := newClient(c, logger)
	if err != nil {
		return nil, nil, err
	}
	session, err := ensenso.New(c.Context, ensenso.Config{
		Serial:           c.String(flagSerial),
		ConnectMonocular: c.Bool(flagMonocular),
		ParametersFile:   c.Path(flagParams),
	}, client, logger)
	if err != nil {
		return nil, nil, err
	}
	return session, logger, nil
}

// withSession connects, runs fn, and closes the session, keeping a close
// failure from masking fn's error.
func withSession(c *cli.Context, fn func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error) error {
	session, logger, err := connect(c)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(func() error {
		return session.Close(c.Context)
	})
	return fn(c.Context, session, logger)
}

func captureAction(c *cli.Context) error {
	imageFile := c.Path("image")
	cloudFile := c.Path("cloud")
	if imageFile == "" && cloudFile == "" {
		return errors.New("nothing to do: pass --image and/or --cloud")
	}
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		if imageFile != "" {
			img, err := session.Intensity(ctx, true)
			if err != nil {
				return err
			}
			if err := writePNG(imageFile, img); err != nil {
				return err
			}
			logger.Infow("wrote intensity image", "file", imageFile)
		}
		if cloudFile != "" {
			var cloud pointcloud.PointCloud
			var err error
			if c.Bool("registered") {
				cloud, err = session.RegisteredPointCloud(ctx, image.Rectangle{}, imageFile == "")
			} else {
				cloud, err = session.PointCloud(ctx, image.Rectangle{}, imageFile == "")
			}
			if err != nil {
				return err
			}
			if err := writePCD(cloudFile, cloud); err != nil {
				return err
			}
			logger.Infow("wrote point cloud", "file", cloudFile, "points", cloud.Size())
		}
		return nil
	})
}

func detectPatternAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		pose, err := session.DetectCalibrationPattern(ctx, c.Int("samples"), c.Bool("workspace"))
		if err != nil {
			return err
		}
		return printPose(pose)
	})
}

func recordPatternAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		if c.Bool("discard") {
			if err := session.DiscardPatterns(ctx); err != nil {
				return err
			}
		}
		if err := session.RecordCalibrationPattern(ctx); err != nil {
			return err
		}
		logger.Info("pattern recorded")
		return nil
	})
}

func calibrateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one argument: a JSON file of robot poses")
	}
	robotPoses, err := readPoses(c.Args().First())
	if err != nil {
		return err
	}
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		// Record one pattern observation per robot pose; the operator is
		// expected to have moved the robot through the poses in the file.
		if err := session.DiscardPatterns(ctx); err != nil {
			return err
		}
		for range robotPoses {
			if err := session.RecordCalibrationPattern(ctx); err != nil {
				return err
			}
		}
		result, err := session.ComputeCalibration(ctx, robotPoses, !c.Bool("fixed"), nil, nil, c.String("target"))
		if err != nil {
			return err
		}
		logger.Infow("calibration solved",
			"iterations", result.Iterations,
			"reprojectionError", result.ReprojectionError)
		return printPose(result.CameraPose)
	})
}

func workspaceSetAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		pose, err := session.DetectCalibrationPattern(ctx, c.Int("samples"), false)
		if err != nil {
			return err
		}
		return session.SetWorkspace(ctx, pose, c.String("frame"), spatialmath.NewZeroPose(), c.Bool("store"))
	})
}

func workspaceClearAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		return session.ClearWorkspace(ctx, c.Bool("store"))
	})
}

func workspaceShowAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, session *ensenso.Ensenso, logger logging.Logger) error {
		workspace, err := session.Workspace(ctx)
		if err != nil {
			return err
		}
		if workspace == nil {
			fmt.Fprintln(c.App.Writer, "no workspace calibration active")
			return nil
		}
		fmt.Fprintf(c.App.Writer, "frame: %s\n", workspace.FrameName)
		return printPose(workspace.Transform)
	})
}

// posesDocument is the on-disk robot pose format: translations in meters,
// rotations as normalized axis-angle.
type posesDocument struct {
	Poses []poseDocument `json:"poses"`
}

type poseDocument struct {
	Translation [3]float64 `json:"translation"`
	Rotation    struct {
		Angle float64    `json:"angle"`
		Axis  [3]float64 `json:"axis"`
	} `json:"rotation"`
}

func readPoses(file string) ([]spatialmath.Pose, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", file)
	}
	var doc posesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", file)
	}
	poses := make([]spatialmath.Pose, len(doc.Poses))
	for i, p := range doc.Poses {
		orientation := &spatialmath.R4AA{
			Theta: p.Rotation.Angle,
			RX:    p.Rotation.Axis[0],
			RY:    p.Rotation.Axis[1],
			RZ:    p.Rotation.Axis[2],
		}
		if orientation.RX == 0 && orientation.RY == 0 && orientation.RZ == 0 {
			orientation = &spatialmath.R4AA{RZ: 1}
		} else {
			orientation.Normalize()
		}
		poses[i] = spatialmath.NewPose(
			r3.Vector{X: p.Translation[0], Y: p.Translation[1], Z: p.Translation[2]},
			orientation,
		)
	}
	return poses, nil
}

func printPose(pose spatialmath.Pose) error {
	var doc poseDocument
	pt := pose.Point()
	doc.Translation = [3]float64{pt.X, pt.Y, pt.Z}
	aa := pose.Orientation().AxisAngles()
	doc.Rotation.Angle = aa.Theta
	doc.Rotation.Axis = [3]float64{aa.RX, aa.RY, aa.RZ}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func writePNG(file string, img image.Image) (err error) {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return png.Encode(f, img)
}

func writePCD(file string, cloud pointcloud.PointCloud) (err error) {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return pointcloud.ToPCD(cloud, f, pointcloud.PCDBinary)
}
