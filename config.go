package panda_ctl

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.viam.com/rdk/logging"
)

// PandaConfig holds what every client of one robot needs to reach it.
type PandaConfig struct {
	// rosbridge websocket, e.g. ws://localhost:9090
	URL string

	// ROS namespace prefixed to every service and action, "" or "/panda".
	Namespace string

	// Zero means no deadline beyond the caller's context.
	CallTimeout        time.Duration
	ServiceWaitTimeout time.Duration

	ActionTimeout time.Duration

	// Not serialized
	Logger logging.Logger
}

// ConnectionAttributes are the attributes shared by every resource that talks
// to the robot.
type ConnectionAttributes struct {
	URL       string `json:"url,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	CallTimeoutSec        float64 `json:"call_timeout_sec,omitempty"`
	ServiceWaitTimeoutSec float64 `json:"service_wait_timeout_sec,omitempty"`
	ActionTimeoutSec      float64 `json:"action_timeout_sec,omitempty"`
}

// validate fills defaults and checks the connection attributes.
func (a *ConnectionAttributes) validate(path string) error {
	if a.URL == "" {
		a.URL = DefaultBridgeURL
	}
	if err := validateBridgeURL(a.URL); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	a.Namespace = NormalizeNamespace(a.Namespace)

	if a.CallTimeoutSec < 0 {
		return fmt.Errorf("%s: call_timeout_sec must be >= 0, got %.2f", path, a.CallTimeoutSec)
	}
	if a.ServiceWaitTimeoutSec < 0 {
		return fmt.Errorf("%s: service_wait_timeout_sec must be >= 0, got %.2f", path, a.ServiceWaitTimeoutSec)
	}
	if a.ActionTimeoutSec < 0 {
		return fmt.Errorf("%s: action_timeout_sec must be >= 0, got %.2f", path, a.ActionTimeoutSec)
	}
	if a.ActionTimeoutSec == 0 {
		a.ActionTimeoutSec = DefaultActionTimeout.Seconds()
	}
	return nil
}

// PandaConfig converts the attributes into a client config.
func (a *ConnectionAttributes) PandaConfig(logger logging.Logger) *PandaConfig {
	actionTimeout := secondsToDuration(a.ActionTimeoutSec)
	if actionTimeout == 0 {
		actionTimeout = DefaultActionTimeout
	}
	bridgeURL := a.URL
	if bridgeURL == "" {
		bridgeURL = DefaultBridgeURL
	}
	return &PandaConfig{
		URL:                bridgeURL,
		Namespace:          NormalizeNamespace(a.Namespace),
		CallTimeout:        secondsToDuration(a.CallTimeoutSec),
		ServiceWaitTimeout: secondsToDuration(a.ServiceWaitTimeoutSec),
		ActionTimeout:      actionTimeout,
		Logger:             logger,
	}
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func validateBridgeURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url %q must use ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// NormalizeNamespace turns "panda", "/panda/" and "/panda" into "/panda" and
// any blank or root namespace into "".
func NormalizeNamespace(ns string) string {
	ns = strings.Trim(strings.TrimSpace(ns), "/")
	if ns == "" {
		return ""
	}
	return "/" + ns
}
