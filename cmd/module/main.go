package main

import (
	pandaCtl "panda_ctl"

	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	genericservice "go.viam.com/rdk/services/generic"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: gripper.API, Model: pandaCtl.PandaGripperModel},
		resource.APIModel{API: genericservice.API, Model: pandaCtl.PandaControllerManagerModel},
		resource.APIModel{API: discovery.API, Model: pandaCtl.PandaDiscoveryModel},
	)
}
