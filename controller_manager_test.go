package panda_ctl

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestSwitchRequestWireFormat(t *testing.T) {
	raw, err := json.Marshal(buildSwitchRequest(nil, []string{"position_joint_trajectory_controller"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"stop_controllers": [""],
		"start_controllers": ["position_joint_trajectory_controller"],
		"strictness": 2,
		"start_asap": false,
		"timeout": 0
	}`, string(raw))
}

func TestStrictnessString(t *testing.T) {
	assert.Equal(t, "STRICT", Strict.String())
	assert.Equal(t, "BEST_EFFORT", BestEffort.String())
	assert.Equal(t, "Strictness(7)", Strictness(7).String())
}

func TestROSControllerManager(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	for _, ns := range []string{"", "/panda"} {
		t.Run("namespace "+ns, func(t *testing.T) {
			fb := newFakeBridge(t)
			state := &fakeControllerManager{
				controllers: []ControllerDescriptor{
					{Name: "franka_state_controller", State: ControllerRunning, Type: "franka_control/FrankaStateController"},
					{Name: "position_joint_trajectory_controller", State: ControllerRunning},
				},
				loadable: map[string]bool{"cartesian_impedance_example_controller": true},
			}
			state.install(fb, ns)
			conn := dialFake(t, fb)

			mgr := NewROSControllerManager(conn, &PandaConfig{Namespace: ns, CallTimeout: 2 * time.Second}, logger)

			controllers, err := mgr.ListControllers(ctx)
			require.NoError(t, err)
			require.Len(t, controllers, 2)
			assert.Equal(t, "franka_control/FrankaStateController", controllers[0].Type)

			ok, err := mgr.LoadController(ctx, "cartesian_impedance_example_controller")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = mgr.LoadController(ctx, "unknown_controller")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = mgr.SwitchController(ctx, buildSwitchRequest(
				[]string{"position_joint_trajectory_controller"},
				[]string{"cartesian_impedance_example_controller"},
			))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = mgr.UnloadController(ctx, "position_joint_trajectory_controller")
			require.NoError(t, err)
			assert.True(t, ok)

			calls := fb.callsTo(ns + "/controller_manager/switch_controller")
			require.Len(t, calls, 1)
			var sent SwitchRequest
			require.NoError(t, json.Unmarshal(calls[0].Args, &sent))
			assert.Equal(t, Strict, sent.Strictness)
			assert.Equal(t, []string{"position_joint_trajectory_controller"}, sent.StopControllers)

			loads := fb.callsTo(ns + "/controller_manager/load_controller")
			require.Len(t, loads, 2)
			assert.JSONEq(t, `{"name":"cartesian_impedance_example_controller"}`, string(loads[0].Args))
		})
	}
}

func TestROSControllerManagerEmptyList(t *testing.T) {
	fb := newFakeBridge(t)
	fb.setService("/controller_manager/list_controllers", func(json.RawMessage) (interface{}, bool) {
		return map[string]interface{}{}, true
	})
	conn := dialFake(t, fb)

	mgr := NewROSControllerManager(conn, &PandaConfig{}, logging.NewTestLogger(t))
	controllers, err := mgr.ListControllers(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, controllers)
	assert.Empty(t, controllers)
}

func TestROSControllerManagerServiceMissing(t *testing.T) {
	fb := newFakeBridge(t)
	conn := dialFake(t, fb)

	mgr := NewROSControllerManager(conn, &PandaConfig{ServiceWaitTimeout: 200 * time.Millisecond}, logging.NewTestLogger(t))
	_, err := mgr.ListControllers(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

// The coordinator against the emulated controller manager, over a real
// websocket.
func TestCoordinatorOverBridge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := logging.NewTestLogger(t)

	fb := newFakeBridge(t)
	state := &fakeControllerManager{
		controllers: []ControllerDescriptor{
			{Name: "franka_state_controller", State: ControllerRunning},
			{Name: "franka_gripper", State: ControllerRunning},
			{Name: "position_joint_trajectory_controller", State: ControllerRunning},
		},
		loadable: map[string]bool{"cartesian_impedance_example_controller": true},
	}
	state.install(fb, "/panda")
	conn := dialFake(t, fb)

	cfg := (&ConnectionAttributes{Namespace: "panda"}).PandaConfig(logger)
	c := NewControllerCoordinator(NewROSControllerManager(conn, cfg, logger), logger)

	ok, err := c.LoadController(ctx, "cartesian_impedance_example_controller")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SwitchControllers(ctx, "cartesian_impedance_example_controller")
	require.NoError(t, err)
	require.True(t, ok)

	active, err := c.ActiveMotionControllers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cartesian_impedance_example_controller"}, active)

	ok, err = c.SwitchControllers(ctx, "cartesian_impedance_example_controller")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, fb.callsTo("/panda/controller_manager/switch_controller"), 1)
}
