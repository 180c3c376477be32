package main

import (
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"botop"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: botop.BotModel},
		resource.APIModel{API: discovery.API, Model: botop.DiscoveryModel},
	)
}
