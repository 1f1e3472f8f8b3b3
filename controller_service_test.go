package panda_ctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
)

type stubRecoverer struct {
	calls int
	ok    bool
}

func (r *stubRecoverer) ErrorRecovery(ctx context.Context) (bool, error) {
	r.calls++
	return r.ok, nil
}

func newTestControllerService(t *testing.T, m *stubManager) (*controllerManagerService, *stubRecoverer) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	rec := &stubRecoverer{ok: true}
	released := false
	svc := &controllerManagerService{
		Named:       resource.NewName(genericservice.API, "controllers").AsNamed(),
		logger:      logger,
		url:         "ws://robot:9090",
		coordinator: NewControllerCoordinator(m, logger),
		recovery:    rec,
		release:     func() { released = true },
	}
	t.Cleanup(func() {
		require.NoError(t, svc.Close(context.Background()))
		assert.True(t, released)
	})
	return svc, rec
}

func TestSwitchTargetsArg(t *testing.T) {
	tests := []struct {
		name    string
		cmd     map[string]interface{}
		want    []string
		wantErr bool
	}{
		{"single name", map[string]interface{}{"controller": "a"}, []string{"a"}, false},
		{"string list", map[string]interface{}{"controllers": []string{"a", "b"}}, []string{"a", "b"}, false},
		{"decoded json list", map[string]interface{}{"controllers": []interface{}{"a", "b"}}, []string{"a", "b"}, false},
		{"controllers wins", map[string]interface{}{"controllers": "b", "controller": "a"}, []string{"b"}, false},
		{"missing", map[string]interface{}{}, nil, true},
		{"non string entry", map[string]interface{}{"controllers": []interface{}{"a", 2.0}}, nil, true},
		{"wrong type", map[string]interface{}{"controller": 3.0}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := switchTargetsArg(tt.cmd)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestControllerServiceDoCommand(t *testing.T) {
	ctx := context.Background()
	m := newStubManager(
		running("franka_state_controller"),
		running("position_joint_trajectory_controller"),
	)
	svc, rec := newTestControllerService(t, m)

	resp, err := svc.DoCommand(ctx, map[string]interface{}{"command": "list_controllers"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"position_joint_trajectory_controller"}, resp["active"])
	controllers := resp["controllers"].([]interface{})
	require.Len(t, controllers, 2)
	assert.Equal(t, false, controllers[0].(map[string]interface{})["motion"])

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "load_controller", "controller": "cartesian_impedance_example_controller"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = svc.DoCommand(ctx, map[string]interface{}{
		"command":     "switch_controller",
		"controllers": []interface{}{"cartesian_impedance_example_controller"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	require.Len(t, m.switches, 1)
	assert.Equal(t, []string{"position_joint_trajectory_controller"}, m.switches[0].StopControllers)

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "unload_controller", "controller": "position_joint_trajectory_controller"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "recover"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 1, rec.calls)

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "status"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp["ref_count"])
}

func TestControllerServiceDoCommandErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestControllerService(t, newStubManager(running("position_joint_trajectory_controller")))

	_, err := svc.DoCommand(ctx, map[string]interface{}{"command": "load_controller"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "switch_controller", "controller": "missing"})
	assert.ErrorIs(t, err, ErrControllerNotLoaded)

	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "unload_controller", "controller": "position_joint_trajectory_controller"})
	assert.ErrorIs(t, err, ErrControllerRunning)

	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "reboot"})
	assert.Error(t, err)
}
