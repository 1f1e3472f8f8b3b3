package panda_ctl

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/logging"
)

// ControllerState is the lifecycle state the controller manager reports for a
// loaded controller. Values other than the constants below are passed through
// unchanged.
type ControllerState string

const (
	ControllerRunning     ControllerState = "running"
	ControllerStopped     ControllerState = "stopped"
	ControllerInitialized ControllerState = "initialized"
)

type HardwareInterfaceResources struct {
	HardwareInterface string   `json:"hardware_interface"`
	Resources         []string `json:"resources"`
}

// ControllerDescriptor describes one loaded controller as of a single query.
type ControllerDescriptor struct {
	Name             string                       `json:"name"`
	State            ControllerState              `json:"state"`
	Type             string                       `json:"type,omitempty"`
	ClaimedResources []HardwareInterfaceResources `json:"claimed_resources,omitempty"`
}

// ControllerSet is a point-in-time snapshot of the loaded controllers, in the
// order the controller manager returned them.
type ControllerSet []ControllerDescriptor

func (s ControllerSet) Get(name string) (ControllerDescriptor, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return ControllerDescriptor{}, false
}

func (s ControllerSet) Contains(name string) bool {
	_, ok := s.Get(name)
	return ok
}

func (s ControllerSet) Names() []string {
	names := make([]string, 0, len(s))
	for _, c := range s {
		names = append(names, c.Name)
	}
	return names
}

// Strictness mirrors controller_manager_msgs/SwitchController.
type Strictness int32

const (
	BestEffort Strictness = 1
	Strict     Strictness = 2
)

func (s Strictness) String() string {
	switch s {
	case BestEffort:
		return "BEST_EFFORT"
	case Strict:
		return "STRICT"
	default:
		return fmt.Sprintf("Strictness(%d)", int32(s))
	}
}

// SwitchRequest is the body of a switch_controller call.
type SwitchRequest struct {
	StopControllers  []string   `json:"stop_controllers"`
	StartControllers []string   `json:"start_controllers"`
	Strictness       Strictness `json:"strictness"`
	StartASAP        bool       `json:"start_asap"`
	Timeout          float64    `json:"timeout"`
}

// ControllerManagerService is the remote controller manager. Every method is
// a single blocking request; none of them retries.
type ControllerManagerService interface {
	ListControllers(ctx context.Context) ([]ControllerDescriptor, error)
	LoadController(ctx context.Context, name string) (bool, error)
	UnloadController(ctx context.Context, name string) (bool, error)
	SwitchController(ctx context.Context, req SwitchRequest) (bool, error)
}

type serviceCaller interface {
	CallService(ctx context.Context, service string, args, reply interface{}) error
	WaitForService(ctx context.Context, service string) error
}

// ROSControllerManager talks to controller_manager through rosbridge.
type ROSControllerManager struct {
	conn               serviceCaller
	namespace          string
	callTimeout        time.Duration
	serviceWaitTimeout time.Duration
	logger             logging.Logger
}

func NewROSControllerManager(conn serviceCaller, cfg *PandaConfig, logger logging.Logger) *ROSControllerManager {
	return &ROSControllerManager{
		conn:               conn,
		namespace:          cfg.Namespace,
		callTimeout:        cfg.CallTimeout,
		serviceWaitTimeout: cfg.ServiceWaitTimeout,
		logger:             logger,
	}
}

func (m *ROSControllerManager) serviceName(call string) string {
	return m.namespace + "/controller_manager/" + call
}

func (m *ROSControllerManager) call(ctx context.Context, call string, args, reply interface{}) error {
	service := m.serviceName(call)

	waitCtx := ctx
	if m.serviceWaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.serviceWaitTimeout)
		defer cancel()
	}
	if err := m.conn.WaitForService(waitCtx, service); err != nil {
		return err
	}

	callCtx := ctx
	if m.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
	}
	return m.conn.CallService(callCtx, service, args, reply)
}

func (m *ROSControllerManager) ListControllers(ctx context.Context) ([]ControllerDescriptor, error) {
	var resp struct {
		Controller []ControllerDescriptor `json:"controller"`
	}
	if err := m.call(ctx, "list_controllers", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Controller == nil {
		resp.Controller = []ControllerDescriptor{}
	}
	return resp.Controller, nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (m *ROSControllerManager) LoadController(ctx context.Context, name string) (bool, error) {
	var resp okResponse
	if err := m.call(ctx, "load_controller", map[string]interface{}{"name": name}, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (m *ROSControllerManager) UnloadController(ctx context.Context, name string) (bool, error) {
	var resp okResponse
	if err := m.call(ctx, "unload_controller", map[string]interface{}{"name": name}, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (m *ROSControllerManager) SwitchController(ctx context.Context, req SwitchRequest) (bool, error) {
	var resp okResponse
	if err := m.call(ctx, "switch_controller", req, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}
