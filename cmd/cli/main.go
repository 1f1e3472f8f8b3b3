package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	pandaCtl "panda_ctl"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	flagURL       = "url"
	flagNamespace = "namespace"
	flagTimeout   = "timeout"
	flagDebug     = "debug"

	flagWidth        = "width"
	flagSpeed        = "speed"
	flagForce        = "force"
	flagEpsilonInner = "epsilon-inner"
	flagEpsilonOuter = "epsilon-outer"
)

func main() {
	var logger logging.Logger

	app := &cli.App{
		Name:  "panda-cli",
		Usage: "manage controllers and the gripper of a Franka Panda through rosbridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagURL,
				Value: pandaCtl.DefaultBridgeURL,
				Usage: "rosbridge websocket `URL`",
			},
			&cli.StringFlag{
				Name:  flagNamespace,
				Usage: "ROS namespace of the robot, e.g. /panda",
			},
			&cli.DurationFlag{
				Name:  flagTimeout,
				Value: 30 * time.Second,
				Usage: "overall deadline for the command",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("panda-cli")
			} else {
				logger = logging.NewLogger("panda-cli")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list loaded controllers",
				Action: func(c *cli.Context) error {
					return withCoordinator(c, logger, func(ctx context.Context, co *pandaCtl.ControllerCoordinator) error {
						controllers, err := co.ListControllers(ctx)
						if err != nil {
							return err
						}
						for _, ctrl := range controllers {
							marker := " "
							if ctrl.State == pandaCtl.ControllerRunning && co.IsMotionController(ctrl.Name) {
								marker = "*"
							}
							printf(c, "%s %-45s %-12s %s\n", marker, ctrl.Name, ctrl.State, ctrl.Type)
						}
						return nil
					})
				},
			},
			{
				Name:      "load",
				Usage:     "load a controller unless it is already loaded",
				ArgsUsage: "<controller>",
				Action: func(c *cli.Context) error {
					name, err := singleArg(c)
					if err != nil {
						return err
					}
					return withCoordinator(c, logger, func(ctx context.Context, co *pandaCtl.ControllerCoordinator) error {
						ok, err := co.LoadController(ctx, name)
						return reportChange(c, "load "+name, ok, err)
					})
				},
			},
			{
				Name:      "unload",
				Usage:     "unload a stopped controller",
				ArgsUsage: "<controller>",
				Action: func(c *cli.Context) error {
					name, err := singleArg(c)
					if err != nil {
						return err
					}
					return withCoordinator(c, logger, func(ctx context.Context, co *pandaCtl.ControllerCoordinator) error {
						ok, err := co.UnloadController(ctx, name)
						return reportChange(c, "unload "+name, ok, err)
					})
				},
			},
			{
				Name:      "switch",
				Usage:     "make the given controllers the active motion controllers",
				ArgsUsage: "<controller> [controller...]",
				Action: func(c *cli.Context) error {
					targets := c.Args().Slice()
					if len(targets) == 0 {
						return errors.New("switch needs at least one controller name")
					}
					return withCoordinator(c, logger, func(ctx context.Context, co *pandaCtl.ControllerCoordinator) error {
						ok, err := co.SwitchControllers(ctx, targets...)
						return report(c, "switch to "+strings.Join(targets, ", "), ok, err)
					})
				},
			},
			{
				Name:  "recover",
				Usage: "clear the robot's error state",
				Action: func(c *cli.Context) error {
					return withFranka(c, logger, func(ctx context.Context, f *pandaCtl.FrankaClient) error {
						ok, err := f.ErrorRecovery(ctx)
						return report(c, "error recovery", ok, err)
					})
				},
			},
			{
				Name:  "grasp",
				Usage: "close the gripper on an object",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: flagWidth, Value: 0, Usage: "expected object width in m"},
					&cli.Float64Flag{Name: flagSpeed, Value: 0.1, Usage: "closing speed in m/s"},
					&cli.Float64Flag{Name: flagForce, Value: 40, Usage: "grasp force in N"},
					&cli.Float64Flag{Name: flagEpsilonInner, Value: 0.1, Usage: "tolerated width below target in m"},
					&cli.Float64Flag{Name: flagEpsilonOuter, Value: 0.1, Usage: "tolerated width above target in m"},
				},
				Action: func(c *cli.Context) error {
					goal := pandaCtl.GraspGoal{
						Width: c.Float64(flagWidth),
						Epsilon: pandaCtl.GraspEpsilon{
							Inner: c.Float64(flagEpsilonInner),
							Outer: c.Float64(flagEpsilonOuter),
						},
						Speed: c.Float64(flagSpeed),
						Force: c.Float64(flagForce),
					}
					return withFranka(c, logger, func(ctx context.Context, f *pandaCtl.FrankaClient) error {
						ok, err := f.Grasp(ctx, goal)
						return report(c, "grasp", ok, err)
					})
				},
			},
			{
				Name:  "move",
				Usage: "move the gripper fingers to a width",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: flagWidth, Value: 0.07, Usage: "target width in m"},
					&cli.Float64Flag{Name: flagSpeed, Value: 0.5, Usage: "speed in m/s"},
				},
				Action: func(c *cli.Context) error {
					goal := pandaCtl.MoveGoal{Width: c.Float64(flagWidth), Speed: c.Float64(flagSpeed)}
					return withFranka(c, logger, func(ctx context.Context, f *pandaCtl.FrankaClient) error {
						ok, err := f.Move(ctx, goal)
						return report(c, "move", ok, err)
					})
				},
			},
			{
				Name:  "home",
				Usage: "home the gripper fingers",
				Action: func(c *cli.Context) error {
					return withFranka(c, logger, func(ctx context.Context, f *pandaCtl.FrankaClient) error {
						ok, err := f.Homing(ctx)
						return report(c, "homing", ok, err)
					})
				},
			},
			{
				Name:  "stop",
				Usage: "stop the gripper",
				Action: func(c *cli.Context) error {
					return withFranka(c, logger, func(ctx context.Context, f *pandaCtl.FrankaClient) error {
						ok, err := f.Stop(ctx)
						return report(c, "stop", ok, err)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect dials rosbridge and returns the client config along with a context
// bounded by --timeout.
func connect(c *cli.Context, logger logging.Logger) (context.Context, context.CancelFunc, *pandaCtl.BridgeConn, *pandaCtl.PandaConfig, error) {
	attrs := pandaCtl.ConnectionAttributes{
		URL:       c.String(flagURL),
		Namespace: c.String(flagNamespace),
	}
	cfg := attrs.PandaConfig(logger)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration(flagTimeout))
	conn, err := pandaCtl.DialBridge(ctx, cfg.URL, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, err
	}
	return ctx, cancel, conn, cfg, nil
}

func withCoordinator(c *cli.Context, logger logging.Logger, fn func(context.Context, *pandaCtl.ControllerCoordinator) error) error {
	ctx, cancel, conn, cfg, err := connect(c, logger)
	if err != nil {
		return err
	}
	defer cancel()
	defer utils.UncheckedErrorFunc(conn.Close)

	co := pandaCtl.NewControllerCoordinator(pandaCtl.NewROSControllerManager(conn, cfg, logger), logger)
	return fn(ctx, co)
}

func withFranka(c *cli.Context, logger logging.Logger, fn func(context.Context, *pandaCtl.FrankaClient) error) error {
	ctx, cancel, conn, cfg, err := connect(c, logger)
	if err != nil {
		return err
	}
	defer cancel()
	defer utils.UncheckedErrorFunc(conn.Close)

	return fn(ctx, pandaCtl.NewFrankaClient(conn, cfg, logger))
}

func singleArg(c *cli.Context) (string, error) {
	if c.Args().Len() != 1 {
		return "", errors.Errorf("%s needs exactly one controller name", c.Command.Name)
	}
	return c.Args().First(), nil
}

func report(c *cli.Context, what string, ok bool, err error) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	if !ok {
		return errors.Errorf("%s: not done", what)
	}
	printf(c, "%s: ok\n", what)
	return nil
}

// reportChange is report for idempotent calls, where false means nothing was
// changed or the manager refused.
func reportChange(c *cli.Context, what string, changed bool, err error) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	if !changed {
		printf(c, "%s: no change\n", what)
		return nil
	}
	printf(c, "%s: ok\n", what)
	return nil
}

func printf(c *cli.Context, format string, args ...interface{}) {
	fmt.Fprintf(c.App.Writer, format, args...)
}
