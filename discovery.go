// discovery.go
package panda_ctl

import (
	"context"
	"sort"
	"strings"

	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/utils"
)

var PandaDiscoveryModel = resource.NewModel("devrel", "panda", "discovery")

const (
	listControllersSuffix = "/controller_manager/list_controllers"
	graspGoalSuffix       = "/franka_gripper/grasp/goal"
)

func init() {
	resource.RegisterService(
		discovery.API,
		PandaDiscoveryModel,
		resource.Registration[discovery.Service, *PandaDiscoveryConfig]{
			Constructor: newPandaDiscovery,
		})
}

// PandaDiscoveryConfig is the configuration for the discovery service
type PandaDiscoveryConfig struct {
	// rosbridge servers to probe, defaults to ws://localhost:9090
	URLs []string `json:"urls,omitempty"`
}

// Validate ensures the config is valid
func (cfg *PandaDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if len(cfg.URLs) == 0 {
		cfg.URLs = []string{DefaultBridgeURL}
	}
	for _, u := range cfg.URLs {
		if err := validateBridgeURL(u); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

// pandaDiscovery implements the discovery service
type pandaDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	urls   []string
	dial   dialFunc
}

func newPandaDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*PandaDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	urls := cfg.URLs
	if len(urls) == 0 {
		urls = []string{DefaultBridgeURL}
	}

	return &pandaDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		urls:   urls,
		dial:   DialBridge,
	}, nil
}

// DiscoverResources probes each rosbridge server and returns component
// configurations for every Panda namespace it finds.
func (dis *pandaDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting Panda discovery")

	var allConfigs []resource.Config
	for _, url := range dis.urls {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		allConfigs = append(allConfigs, dis.discoverURL(ctx, url)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No Panda robots discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}

	return allConfigs, nil
}

func (dis *pandaDiscovery) discoverURL(ctx context.Context, url string) []resource.Config {
	dis.logger.Debugf("Checking rosbridge at %s", url)

	conn, err := dis.dial(ctx, url, dis.logger)
	if err != nil {
		dis.logger.Debugf("Failed to connect to %s: %v", url, err)
		return nil
	}
	defer utils.UncheckedErrorFunc(conn.Close)

	services, err := conn.ListServices(ctx)
	if err != nil {
		dis.logger.Debugf("Failed to list services on %s: %v", url, err)
		return nil
	}
	topics, err := conn.ListTopics(ctx)
	if err != nil {
		dis.logger.Debugf("Failed to list topics on %s: %v", url, err)
		topics = nil
	}

	managers := namespacesWithSuffix(services, listControllersSuffix)
	grippers := namespacesWithSuffix(topics, graspGoalSuffix)
	dis.logger.Debugf("%s: controller managers in %v, grippers in %v", url, managers, grippers)

	return generateConfigs(url, managers, grippers)
}

// namespacesWithSuffix returns the sorted, distinct namespaces under which a
// name ending in suffix exists. The root namespace is "".
func namespacesWithSuffix(names []string, suffix string) []string {
	seen := map[string]bool{}
	namespaces := []string{}
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		ns := NormalizeNamespace(strings.TrimSuffix(name, suffix))
		if seen[ns] {
			continue
		}
		seen[ns] = true
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces
}

// generateConfigs creates component configurations for discovered namespaces
func generateConfigs(url string, managers, grippers []string) []resource.Config {
	var configs []resource.Config

	for _, ns := range managers {
		attrs := map[string]interface{}{
			"url": url,
		}
		if ns != "" {
			attrs["namespace"] = ns
		}
		configs = append(configs, resource.Config{
			Name:       "panda-controller-manager-" + namespaceSuffix(ns),
			API:        genericservice.API,
			Model:      PandaControllerManagerModel,
			Attributes: attrs,
		})
	}

	for _, ns := range grippers {
		attrs := map[string]interface{}{
			"url": url,
		}
		if ns != "" {
			attrs["namespace"] = ns
		}
		configs = append(configs, resource.Config{
			Name:       "panda-gripper-" + namespaceSuffix(ns),
			API:        gripper.API,
			Model:      PandaGripperModel,
			Attributes: attrs,
		})
	}

	return configs
}

// namespaceSuffix turns a namespace into a resource name suffix
// "" -> "default"
// "/panda" -> "panda"
// "/lab/panda_1" -> "lab-panda_1"
func namespaceSuffix(ns string) string {
	ns = strings.Trim(ns, "/")
	if ns == "" {
		return "default"
	}
	return strings.ReplaceAll(ns, "/", "-")
}
