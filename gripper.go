package panda_ctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

var (
	PandaGripperModel = resource.NewModel("devrel", "panda", "gripper")
)

// Franka hand defaults, in meters, m/s and newtons.
const (
	defaultOpenWidth    = 0.07
	defaultOpenSpeed    = 0.5
	defaultGraspSpeed   = 0.1
	defaultGraspForce   = 40.0
	defaultGraspEpsilon = 0.1
	maxHandWidth        = 0.08
)

type PandaGripperConfig struct {
	ConnectionAttributes `json:",squash"`

	OpenWidth float64 `json:"open_width,omitempty"`
	OpenSpeed float64 `json:"open_speed,omitempty"`

	GraspWidth   float64 `json:"grasp_width,omitempty"`
	GraspSpeed   float64 `json:"grasp_speed,omitempty"`
	GraspForce   float64 `json:"grasp_force,omitempty"`
	EpsilonInner float64 `json:"epsilon_inner,omitempty"`
	EpsilonOuter float64 `json:"epsilon_outer,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *PandaGripperConfig) Validate(path string) ([]string, []string, error) {
	if err := cfg.ConnectionAttributes.validate(path); err != nil {
		return nil, nil, err
	}

	if cfg.OpenWidth == 0 {
		cfg.OpenWidth = defaultOpenWidth
	}
	if cfg.OpenWidth < 0 || cfg.OpenWidth > maxHandWidth {
		return nil, nil, fmt.Errorf("open_width must be between 0 and %.2f m, got %.3f", maxHandWidth, cfg.OpenWidth)
	}
	if cfg.OpenSpeed == 0 {
		cfg.OpenSpeed = defaultOpenSpeed
	}
	if cfg.GraspSpeed == 0 {
		cfg.GraspSpeed = defaultGraspSpeed
	}
	if cfg.GraspForce == 0 {
		cfg.GraspForce = defaultGraspForce
	}
	if cfg.EpsilonInner == 0 {
		cfg.EpsilonInner = defaultGraspEpsilon
	}
	if cfg.EpsilonOuter == 0 {
		cfg.EpsilonOuter = defaultGraspEpsilon
	}

	if err := cfg.graspGoal().validate(); err != nil {
		return nil, nil, err
	}
	if err := (MoveGoal{Width: cfg.OpenWidth, Speed: cfg.OpenSpeed}).validate(); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (cfg *PandaGripperConfig) graspGoal() GraspGoal {
	return GraspGoal{
		Width:   cfg.GraspWidth,
		Epsilon: GraspEpsilon{Inner: cfg.EpsilonInner, Outer: cfg.EpsilonOuter},
		Speed:   cfg.GraspSpeed,
		Force:   cfg.GraspForce,
	}
}

// handActions is the subset of FrankaClient the gripper uses.
type handActions interface {
	ErrorRecovery(ctx context.Context) (bool, error)
	Grasp(ctx context.Context, goal GraspGoal) (bool, error)
	Move(ctx context.Context, goal MoveGoal) (bool, error)
	Stop(ctx context.Context) (bool, error)
	Homing(ctx context.Context) (bool, error)
}

type pandaGripper struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	hand       handActions
	geometries []spatialmath.Geometry
	url        string
	release    func()

	mu       sync.Mutex
	isMoving atomic.Bool
	holding  atomic.Bool

	open  MoveGoal
	grasp GraspGoal
}

func init() {
	resource.RegisterComponent(
		gripper.API,
		PandaGripperModel,
		resource.Registration[gripper.Gripper, *PandaGripperConfig]{
			Constructor: newPandaGripper,
		},
	)
}

func newPandaGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*PandaGripperConfig](conf)
	if err != nil {
		return nil, err
	}

	pandaCfg := cfg.PandaConfig(logger)
	conn, err := GetSharedConnection(ctx, pandaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared connection for gripper: %w", err)
	}

	g, err := newGripperWithHand(conf.ResourceName(), cfg, NewFrankaClient(conn, pandaCfg, logger), logger)
	if err != nil {
		ReleaseSharedConnection(pandaCfg.URL)
		return nil, err
	}
	g.url = pandaCfg.URL
	g.release = func() { ReleaseSharedConnection(pandaCfg.URL) }

	logger.Debugf("Panda gripper initialized on %s%s, open=%.3fm, grasp force=%.1fN",
		pandaCfg.URL, pandaCfg.Namespace, g.open.Width, g.grasp.Force)

	return g, nil
}

func newGripperWithHand(name resource.Name, cfg *PandaGripperConfig, hand handActions, logger logging.Logger) (*pandaGripper, error) {
	// Franka hand envelope in mm, origin at the flange.
	handSize := r3.Vector{X: 204, Y: 63, Z: 121}
	hand3D, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: handSize.Z / 2}), handSize, "franka_hand")
	if err != nil {
		return nil, fmt.Errorf("failed to build gripper geometry: %w", err)
	}

	return &pandaGripper{
		name:       name,
		logger:     logger,
		hand:       hand,
		geometries: []spatialmath.Geometry{hand3D},
		release:    func() {},
		open:       MoveGoal{Width: cfg.OpenWidth, Speed: cfg.OpenSpeed},
		grasp:      cfg.graspGoal(),
	}, nil
}

func (g *pandaGripper) Name() resource.Name {
	return g.name
}

func (g *pandaGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	goal := g.open
	goal.Width = floatOr(extra, "width", goal.Width)
	goal.Speed = floatOr(extra, "speed", goal.Speed)

	ok, err := g.hand.Move(ctx, goal)
	if err != nil {
		return fmt.Errorf("failed to open gripper: %w", err)
	}
	if !ok {
		return fmt.Errorf("gripper did not open to %.3fm", goal.Width)
	}
	g.holding.Store(false)
	return nil
}

func (g *pandaGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	goal := g.graspFromArgs(extra)
	ok, err := g.hand.Grasp(ctx, goal)
	if err != nil {
		return false, fmt.Errorf("failed to grasp: %w", err)
	}
	g.holding.Store(ok)

	g.logger.Debugf("Grasp at %.3fm with %.1fN: %v", goal.Width, goal.Force, ok)
	return ok, nil
}

func (g *pandaGripper) graspFromArgs(args map[string]interface{}) GraspGoal {
	goal := g.grasp
	goal.Width = floatOr(args, "width", goal.Width)
	goal.Speed = floatOr(args, "speed", goal.Speed)
	goal.Force = floatOr(args, "force", goal.Force)
	goal.Epsilon.Inner = floatOr(args, "epsilon_inner", goal.Epsilon.Inner)
	goal.Epsilon.Outer = floatOr(args, "epsilon_outer", goal.Epsilon.Outer)
	return goal
}

func (g *pandaGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	defer g.isMoving.Store(false)

	ok, err := g.hand.Stop(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop gripper: %w", err)
	}
	if !ok {
		return errors.New("gripper stop did not complete")
	}
	return nil
}

func (g *pandaGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

func (g *pandaGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return g.geometries, nil
}

func (g *pandaGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "grasp":
		ok, err := g.Grab(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "move":
		g.mu.Lock()
		defer g.mu.Unlock()

		g.isMoving.Store(true)
		defer g.isMoving.Store(false)

		goal := MoveGoal{
			Width: floatOr(cmd, "width", g.open.Width),
			Speed: floatOr(cmd, "speed", g.open.Speed),
		}
		ok, err := g.hand.Move(ctx, goal)
		if err != nil {
			return nil, err
		}
		if ok {
			g.holding.Store(false)
		}
		return map[string]interface{}{"success": ok}, nil

	case "home":
		g.mu.Lock()
		defer g.mu.Unlock()

		g.isMoving.Store(true)
		defer g.isMoving.Store(false)

		ok, err := g.hand.Homing(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			g.holding.Store(false)
		}
		return map[string]interface{}{"success": ok}, nil

	case "stop":
		ok, err := g.hand.Stop(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "recover":
		ok, err := g.hand.ErrorRecovery(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "status":
		refCount, connected, summary := GetConnectionStatus(g.url)
		return map[string]interface{}{
			"ref_count": refCount,
			"connected": connected,
			"config":    summary,
			"holding":   g.holding.Load(),
			"moving":    g.isMoving.Load(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *pandaGripper) Close(ctx context.Context) error {
	g.release()
	return nil
}

func (g *pandaGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errors.ErrUnsupported
}

func (g *pandaGripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errors.ErrUnsupported
}

func (g *pandaGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errors.ErrUnsupported
}

// IsHoldingSomething reports the outcome of the last grasp. Opening, moving
// or homing the hand clears it.
func (g *pandaGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	return gripper.HoldingStatus{IsHoldingSomething: g.holding.Load()}, nil
}

// floatOr reads a numeric argument, accepting the float64 that JSON decoding
// produces as well as ints.
func floatOr(args map[string]interface{}, key string, fallback float64) float64 {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}
