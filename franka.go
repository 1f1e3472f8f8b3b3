package panda_ctl

import (
	"context"
	"encoding/json"
	"fmt"

	"go.viam.com/rdk/logging"
)

// GraspEpsilon is the tolerated deviation of the grasped width.
type GraspEpsilon struct {
	Inner float64 `json:"inner"`
	Outer float64 `json:"outer"`
}

type GraspGoal struct {
	Width   float64      `json:"width"`
	Epsilon GraspEpsilon `json:"epsilon"`
	Speed   float64      `json:"speed"`
	Force   float64      `json:"force"`
}

func (g GraspGoal) validate() error {
	switch {
	case g.Width < 0:
		return fmt.Errorf("%w: grasp width must be >= 0, got %.3f", ErrInvalidArgument, g.Width)
	case g.Speed <= 0:
		return fmt.Errorf("%w: grasp speed must be > 0, got %.3f", ErrInvalidArgument, g.Speed)
	case g.Force <= 0:
		return fmt.Errorf("%w: grasp force must be > 0, got %.3f", ErrInvalidArgument, g.Force)
	case g.Epsilon.Inner < 0 || g.Epsilon.Outer < 0:
		return fmt.Errorf("%w: grasp epsilon must be >= 0", ErrInvalidArgument)
	}
	return nil
}

type MoveGoal struct {
	Width float64 `json:"width"`
	Speed float64 `json:"speed"`
}

func (g MoveGoal) validate() error {
	if g.Width < 0 {
		return fmt.Errorf("%w: move width must be >= 0, got %.3f", ErrInvalidArgument, g.Width)
	}
	if g.Speed <= 0 {
		return fmt.Errorf("%w: move speed must be > 0, got %.3f", ErrInvalidArgument, g.Speed)
	}
	return nil
}

type gripperResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// FrankaClient drives the franka_control error recovery action and the
// franka_gripper actions. Each call sends one goal and waits a fixed time for
// the result; not finishing in time reports false.
type FrankaClient struct {
	recovery *ActionClient
	grasp    *ActionClient
	move     *ActionClient
	stop     *ActionClient
	homing   *ActionClient
	logger   logging.Logger
}

func NewFrankaClient(bus topicBus, cfg *PandaConfig, logger logging.Logger) *FrankaClient {
	ns := cfg.Namespace
	newClient := func(name, actionType string) *ActionClient {
		return NewActionClient(bus, ns+name, actionType, cfg.ActionTimeout, logger)
	}
	return &FrankaClient{
		recovery: newClient("/franka_control/error_recovery", "franka_msgs/ErrorRecovery"),
		grasp:    newClient("/franka_gripper/grasp", "franka_gripper/Grasp"),
		move:     newClient("/franka_gripper/move", "franka_gripper/Move"),
		stop:     newClient("/franka_gripper/stop", "franka_gripper/Stop"),
		homing:   newClient("/franka_gripper/homing", "franka_gripper/Homing"),
		logger:   logger,
	}
}

// ErrorRecovery clears a reflex or error state of the robot.
func (f *FrankaClient) ErrorRecovery(ctx context.Context) (bool, error) {
	out, err := f.recovery.Execute(ctx, nil)
	if err != nil {
		return false, err
	}
	if !out.Completed {
		return false, nil
	}
	if out.Status != GoalSucceeded {
		f.logger.Warnf("Error recovery ended with %s: %s", out.Status, out.Text)
		return false, nil
	}
	return true, nil
}

func (f *FrankaClient) Grasp(ctx context.Context, goal GraspGoal) (bool, error) {
	if err := goal.validate(); err != nil {
		return false, err
	}
	return f.runGripper(ctx, f.grasp, goal)
}

func (f *FrankaClient) Move(ctx context.Context, goal MoveGoal) (bool, error) {
	if err := goal.validate(); err != nil {
		return false, err
	}
	return f.runGripper(ctx, f.move, goal)
}

func (f *FrankaClient) Stop(ctx context.Context) (bool, error) {
	return f.runGripper(ctx, f.stop, nil)
}

func (f *FrankaClient) Homing(ctx context.Context) (bool, error) {
	return f.runGripper(ctx, f.homing, nil)
}

func (f *FrankaClient) runGripper(ctx context.Context, client *ActionClient, goal interface{}) (bool, error) {
	out, err := client.Execute(ctx, goal)
	if err != nil {
		return false, err
	}
	return gripperSucceeded(out, client.Name(), f.logger), nil
}

func gripperSucceeded(out ActionOutcome, name string, logger logging.Logger) bool {
	if !out.Completed {
		return false
	}
	if len(out.Result) == 0 {
		return false
	}

	var res gripperResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		logger.Warnf("Malformed %s result: %v", name, err)
		return false
	}
	if !res.Success && res.Error != "" {
		logger.Debugf("%s failed: %s", name, res.Error)
	}
	return res.Success
}
