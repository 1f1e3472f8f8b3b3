package panda_ctl

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
)

var (
	PandaControllerManagerModel = resource.NewModel("devrel", "panda", "controller-manager")
)

type ControllerManagerConfig struct {
	ConnectionAttributes `json:",squash"`

	// Switched to when the service starts, if set.
	DefaultController string `json:"default_controller,omitempty"`

	// Replaces the name fragments that mark a controller as not a motion
	// controller. Defaults to "state" and "gripper".
	NonMotionMarkers []string `json:"non_motion_markers,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *ControllerManagerConfig) Validate(path string) ([]string, []string, error) {
	if err := cfg.ConnectionAttributes.validate(path); err != nil {
		return nil, nil, err
	}
	for i, m := range cfg.NonMotionMarkers {
		if m == "" {
			return nil, nil, fmt.Errorf("%s: non_motion_markers[%d] is empty", path, i)
		}
	}
	return nil, nil, nil
}

func (cfg *ControllerManagerConfig) classifier() MotionClassifier {
	if len(cfg.NonMotionMarkers) == 0 {
		return IsMotionController
	}
	return SubstringClassifier(cfg.NonMotionMarkers...)
}

func init() {
	resource.RegisterService(
		genericservice.API,
		PandaControllerManagerModel,
		resource.Registration[resource.Resource, *ControllerManagerConfig]{
			Constructor: newControllerManagerService,
		},
	)
}

type recoverer interface {
	ErrorRecovery(ctx context.Context) (bool, error)
}

// controllerManagerService exposes the controller coordinator and error
// recovery through DoCommand.
type controllerManagerService struct {
	resource.Named
	resource.AlwaysRebuild

	logger      logging.Logger
	url         string
	coordinator *ControllerCoordinator
	recovery    recoverer
	release     func()
}

func newControllerManagerService(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*ControllerManagerConfig](conf)
	if err != nil {
		return nil, err
	}

	pandaCfg := cfg.PandaConfig(logger)
	conn, err := GetSharedConnection(ctx, pandaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared connection for controller manager: %w", err)
	}

	coordinator := NewControllerCoordinator(
		NewROSControllerManager(conn, pandaCfg, logger),
		logger,
		WithMotionClassifier(cfg.classifier()),
		WithMetrics(prometheus.DefaultRegisterer),
	)

	svc := &controllerManagerService{
		Named:       conf.ResourceName().AsNamed(),
		logger:      logger,
		url:         pandaCfg.URL,
		coordinator: coordinator,
		recovery:    NewFrankaClient(conn, pandaCfg, logger),
		release:     func() { ReleaseSharedConnection(pandaCfg.URL) },
	}

	if cfg.DefaultController != "" {
		if _, err := coordinator.SwitchControllers(ctx, cfg.DefaultController); err != nil {
			logger.Warnf("Could not switch to default controller %q: %v", cfg.DefaultController, err)
		}
	}

	return svc, nil
}

func (s *controllerManagerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "list_controllers":
		current, err := s.coordinator.ListControllers(ctx)
		if err != nil {
			return nil, err
		}
		controllers := make([]interface{}, 0, len(current))
		active := []interface{}{}
		for _, c := range current {
			motion := s.coordinator.IsMotionController(c.Name)
			controllers = append(controllers, map[string]interface{}{
				"name":   c.Name,
				"state":  string(c.State),
				"type":   c.Type,
				"motion": motion,
			})
			if motion && c.State == ControllerRunning {
				active = append(active, c.Name)
			}
		}
		return map[string]interface{}{
			"controllers": controllers,
			"active":      active,
		}, nil

	case "load_controller":
		name, err := controllerNameArg(cmd)
		if err != nil {
			return nil, err
		}
		ok, err := s.coordinator.LoadController(ctx, name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "unload_controller":
		name, err := controllerNameArg(cmd)
		if err != nil {
			return nil, err
		}
		ok, err := s.coordinator.UnloadController(ctx, name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "switch_controller":
		targets, err := switchTargetsArg(cmd)
		if err != nil {
			return nil, err
		}
		ok, err := s.coordinator.SwitchControllers(ctx, targets...)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "recover":
		ok, err := s.recovery.ErrorRecovery(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "status":
		refCount, connected, summary := GetConnectionStatus(s.url)
		return map[string]interface{}{
			"ref_count": refCount,
			"connected": connected,
			"config":    summary,
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (s *controllerManagerService) Close(ctx context.Context) error {
	s.release()
	return nil
}

func controllerNameArg(cmd map[string]interface{}) (string, error) {
	name, ok := cmd["controller"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %v requires a 'controller' name", ErrInvalidArgument, cmd["command"])
	}
	return name, nil
}

// switchTargetsArg accepts "controller" or "controllers" holding either one
// name or a list of names.
func switchTargetsArg(cmd map[string]interface{}) ([]string, error) {
	raw, ok := cmd["controllers"]
	if !ok {
		raw, ok = cmd["controller"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: switch_controller requires 'controller' or 'controllers'", ErrInvalidArgument)
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		names := make([]string, 0, len(v))
		for i, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: controllers[%d] is %T, not a name", ErrInvalidArgument, i, item)
			}
			names = append(names, name)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("%w: controller must be a name or a list of names, got %T", ErrInvalidArgument, raw)
	}
}
