package panda_ctl

import (
	"context"
)

// Process-wide registry used by the module's resources.
var sharedConnections = NewConnectionRegistry()

// GetSharedConnection returns a handle on the rosbridge connection for
// cfg.URL, shared with every other resource configured for the same robot.
func GetSharedConnection(ctx context.Context, cfg *PandaConfig) (*SharedBridge, error) {
	return sharedConnections.Acquire(ctx, cfg.URL, cfg.Logger)
}

func ReleaseSharedConnection(url string) {
	sharedConnections.Release(url)
}

func GetConnectionStatus(url string) (int64, bool, string) {
	return sharedConnections.Status(url)
}
