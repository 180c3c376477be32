package botop

import (
	"context"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"botop/internal/gripper"
)

// DiscoveryModel scans serial ports for a gripper servo and proposes bot
// configurations for it.
var DiscoveryModel = resource.NewModel("devrel", "botop", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration of the discovery service.
type DiscoveryConfig struct {
	// ServoID is the gripper servo to ping, 6 by default.
	ServoID int `json:"servo_id,omitempty"`
	// DOF of the emulated arm in proposed configurations.
	DOF int `json:"dof,omitempty"`
}

// Validate ensures the config is valid.
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.ServoID == 0 {
		cfg.ServoID = 6
	}
	if cfg.DOF == 0 {
		cfg.DOF = defaultArmDOF
	}
	return nil, nil, nil
}

type botDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	cfg      *DiscoveryConfig
	registry *gripper.Registry
	ports    func() []string
	logger   logging.Logger
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	return &botDiscovery{
		Named:    conf.ResourceName().AsNamed(),
		cfg:      cfg,
		registry: gripper.DefaultRegistry(),
		ports:    gripper.EnumeratePorts,
		logger:   logger,
	}, nil
}

// DiscoverResources pings the gripper servo on every candidate port and
// returns one bot configuration per port that answered.
func (dis *botDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting bot discovery")
	all := dis.ports()
	dis.logger.Debugf("Found %d total serial ports", len(all))

	found, err := gripper.Scan(ctx, all, dis.cfg.ServoID, dis.registry, dis.logger)
	if err != nil {
		dis.logger.Info("Discovery cancelled")
		return generateConfigs(found, dis.cfg), err
	}
	if len(found) == 0 {
		dis.logger.Info("No gripper servos discovered")
	} else {
		dis.logger.Infof("Discovered %d bot configurations", len(found))
	}
	return generateConfigs(found, dis.cfg), nil
}

// generateConfigs proposes an emulated arm with a Feetech gripper per port.
func generateConfigs(found []gripper.PortInfo, cfg *DiscoveryConfig) []resource.Config {
	var configs []resource.Config
	for _, p := range found {
		feetech := map[string]interface{}{
			"port":     p.Port,
			"servo_id": cfg.ServoID,
		}
		if p.CalibrationFile != "" {
			feetech["calibration_file"] = p.CalibrationFile
		}
		configs = append(configs, resource.Config{
			Name:  "bot-" + p.Suffix,
			API:   generic.API,
			Model: BotModel,
			Attributes: map[string]interface{}{
				"arm": map[string]interface{}{"dof": cfg.DOF},
				"gripper": map[string]interface{}{
					"kind":    KindFeetech,
					"feetech": feetech,
				},
			},
		})
	}
	return configs
}
