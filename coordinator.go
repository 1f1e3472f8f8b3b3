package panda_ctl

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/logging"
)

// MotionClassifier reports whether a controller name denotes a motion
// controller, as opposed to a bookkeeping controller such as a state
// publisher or a gripper driver.
type MotionClassifier func(name string) bool

// DefaultNonMotionMarkers are the name fragments that mark a controller as
// not governing motion.
var DefaultNonMotionMarkers = []string{"state", "gripper"}

// IsMotionController is the default classifier: a controller is a candidate
// motion controller iff its name contains none of DefaultNonMotionMarkers.
// This is a plain substring test, so a name like "restated_controller" is
// excluded too.
func IsMotionController(name string) bool {
	return !containsAnySubstring(name, DefaultNonMotionMarkers)
}

// SubstringClassifier returns a classifier that rejects any name containing
// one of markers.
func SubstringClassifier(markers ...string) MotionClassifier {
	markers = append([]string(nil), markers...)
	return func(name string) bool {
		return !containsAnySubstring(name, markers)
	}
}

func containsAnySubstring(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ControllerCoordinator loads, unloads and switches controllers. It keeps no
// controller state of its own: each operation queries the controller manager,
// decides, and only then mutates.
//
// Operations on one coordinator are serialized. The query and the mutation
// are still two separate requests, so another client changing controllers in
// between can make a decision stale.
type ControllerCoordinator struct {
	svc      ControllerManagerService
	isMotion MotionClassifier
	logger   logging.Logger
	metrics  *coordinatorMetrics

	mu sync.Mutex
}

type CoordinatorOption func(*coordinatorOptions)

type coordinatorOptions struct {
	classifier MotionClassifier
	registerer prometheus.Registerer
}

func WithMotionClassifier(f MotionClassifier) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.classifier = f
	}
}

// WithMetrics registers the coordinator's counters on reg.
func WithMetrics(reg prometheus.Registerer) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.registerer = reg
	}
}

func NewControllerCoordinator(svc ControllerManagerService, logger logging.Logger, opts ...CoordinatorOption) *ControllerCoordinator {
	o := coordinatorOptions{classifier: IsMotionController}
	for _, opt := range opts {
		opt(&o)
	}
	if o.classifier == nil {
		o.classifier = IsMotionController
	}

	return &ControllerCoordinator{
		svc:      svc,
		isMotion: o.classifier,
		logger:   logger,
		metrics:  newCoordinatorMetrics(o.registerer),
	}
}

// ListControllers returns a fresh snapshot of the loaded controllers. A
// successful query with nothing loaded returns an empty, non-nil set.
func (c *ControllerCoordinator) ListControllers(ctx context.Context) (ControllerSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.query(ctx)
}

func (c *ControllerCoordinator) query(ctx context.Context) (ControllerSet, error) {
	controllers, err := c.svc.ListControllers(ctx)
	c.metrics.observeQuery(err)
	if err != nil {
		return nil, fmt.Errorf("list controllers: %w", err)
	}
	if controllers == nil {
		return ControllerSet{}, nil
	}
	return ControllerSet(controllers), nil
}

// ActiveMotionControllers returns the running controllers the classifier
// treats as motion controllers.
func (c *ControllerCoordinator) ActiveMotionControllers(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.query(ctx)
	if err != nil {
		return nil, err
	}
	return c.activeMotion(current), nil
}

// IsMotionController applies this coordinator's classifier.
func (c *ControllerCoordinator) IsMotionController(name string) bool {
	return c.isMotion(name)
}

func (c *ControllerCoordinator) activeMotion(current ControllerSet) []string {
	active := []string{}
	for _, ctrl := range current {
		if ctrl.State == ControllerRunning && c.isMotion(ctrl.Name) {
			active = append(active, ctrl.Name)
		}
	}
	return active
}

// LoadController loads name unless it is already loaded. It returns false
// without contacting the controller manager again when the controller is
// already present, otherwise the manager's reported result.
func (c *ControllerCoordinator) LoadController(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: empty controller name", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.query(ctx)
	if err != nil {
		return false, err
	}

	if current.Contains(name) {
		c.logger.Debugf("Controller %q already loaded", name)
		return false, nil
	}

	ok, err := c.svc.LoadController(ctx, name)
	c.metrics.observeMutation(callLoad, ok, err)
	if err != nil {
		return false, fmt.Errorf("load controller %q: %w", name, err)
	}

	if ok {
		c.logger.Infof("Loaded controller %q", name)
	} else {
		c.logger.Warnf("Controller manager refused to load %q", name)
	}
	return ok, nil
}

// UnloadController unloads name if it is loaded. Unloading a controller that
// is absent is a no-op returning false. A running controller is refused with
// ErrControllerRunning.
func (c *ControllerCoordinator) UnloadController(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: empty controller name", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.query(ctx)
	if err != nil {
		return false, err
	}

	ctrl, loaded := current.Get(name)
	if !loaded {
		c.logger.Debugf("Controller %q not loaded", name)
		return false, nil
	}
	if ctrl.State == ControllerRunning {
		return false, fmt.Errorf("unload controller %q: %w", name, ErrControllerRunning)
	}

	ok, err := c.svc.UnloadController(ctx, name)
	c.metrics.observeMutation(callUnload, ok, err)
	if err != nil {
		return false, fmt.Errorf("unload controller %q: %w", name, err)
	}

	if ok {
		c.logger.Infof("Unloaded controller %q", name)
	} else {
		c.logger.Warnf("Controller manager refused to unload %q", name)
	}
	return ok, nil
}

// SwitchControllers makes targets the running motion controllers. If any
// target is already running as a motion controller nothing is sent and the
// call succeeds. Otherwise one strict switch stops every active motion
// controller and starts targets, and the manager's result is returned.
func (c *ControllerCoordinator) SwitchControllers(ctx context.Context, targets ...string) (bool, error) {
	requested, err := normalizeTargets(targets)
	if err != nil {
		c.metrics.observeSwitch(switchInvalid)
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.query(ctx)
	if err != nil {
		c.metrics.observeSwitch(switchFailed)
		return false, err
	}

	if !anyLoaded(current, requested) {
		c.metrics.observeSwitch(switchRejected)
		return false, fmt.Errorf("switch to %s: %w", strings.Join(requested, ", "), ErrControllerNotLoaded)
	}

	active := c.activeMotion(current)
	if overlaps(active, requested) {
		c.logger.Debugf("Already running %s", strings.Join(requested, ", "))
		c.metrics.observeSwitch(switchNoop)
		return true, nil
	}

	req := buildSwitchRequest(active, requested)
	ok, err := c.svc.SwitchController(ctx, req)
	c.metrics.observeMutation(callSwitch, ok, err)
	if err != nil {
		c.metrics.observeSwitch(switchFailed)
		return false, fmt.Errorf("switch to %s: %w", strings.Join(requested, ", "), err)
	}

	if !ok {
		c.logger.Warnf("Controller manager refused switch %v -> %v", active, requested)
		c.metrics.observeSwitch(switchFailed)
		return false, nil
	}

	c.logger.Infof("Switched to %s", strings.Join(requested, ", "))
	c.metrics.observeSwitch(switchSwitched)
	return true, nil
}

// buildSwitchRequest stops active and starts targets strictly. The controller
// manager wants a non-empty stop list, so an empty one becomes [""].
func buildSwitchRequest(active, targets []string) SwitchRequest {
	stop := append([]string(nil), active...)
	if len(stop) == 0 {
		stop = []string{""}
	}
	return SwitchRequest{
		StopControllers:  stop,
		StartControllers: append([]string(nil), targets...),
		Strictness:       Strict,
		StartASAP:        false,
		Timeout:          0,
	}
}

// normalizeTargets de-duplicates targets keeping first-seen order. It rejects
// an empty request and blank names.
func normalizeTargets(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no controllers requested", ErrInvalidArgument)
	}

	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: blank controller name", ErrInvalidArgument)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

func anyLoaded(current ControllerSet, names []string) bool {
	for _, n := range names {
		if current.Contains(n) {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
