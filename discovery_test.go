package botop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"

	"botop/internal/gripper"
)

func TestGenerateConfigs(t *testing.T) {
	cfg := &DiscoveryConfig{}
	_, _, err := cfg.Validate("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.ServoID)
	assert.Equal(t, defaultArmDOF, cfg.DOF)

	tests := []struct {
		name     string
		found    []gripper.PortInfo
		expected int
	}{
		{name: "nothing found", found: nil, expected: 0},
		{
			name: "two ports",
			found: []gripper.PortInfo{
				{Port: "/dev/ttyUSB0", Suffix: "ttyUSB0", CalibrationFile: "ttyUSB0_gripper_calibration.json"},
				{Port: "/dev/tty.usbmodem1", Suffix: "usbmodem1"},
			},
			expected: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configs := generateConfigs(tt.found, cfg)
			assert.Len(t, configs, tt.expected)
			for i, c := range configs {
				assert.Equal(t, "bot-"+tt.found[i].Suffix, c.Name)
				assert.Equal(t, generic.API, c.API)
				assert.Equal(t, BotModel, c.Model)
				g := c.Attributes["gripper"].(map[string]interface{})
				assert.Equal(t, KindFeetech, g["kind"])
				f := g["feetech"].(map[string]interface{})
				assert.Equal(t, tt.found[i].Port, f["port"])
				_, hasCal := f["calibration_file"]
				assert.Equal(t, tt.found[i].CalibrationFile != "", hasCal)
			}
		})
	}
}

func TestDiscoverResourcesSkipsNonCandidates(t *testing.T) {
	cfg := &DiscoveryConfig{}
	_, _, err := cfg.Validate("")
	require.NoError(t, err)
	dis := &botDiscovery{
		cfg:      cfg,
		registry: gripper.NewRegistry(nil, logging.NewTestLogger(t)),
		ports:    func() []string { return []string{"/dev/null", "/dev/ttyS0", "LPT1"} },
		logger:   logging.NewTestLogger(t),
	}
	configs, err := dis.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestDiscoverResourcesCanceled(t *testing.T) {
	cfg := &DiscoveryConfig{ServoID: 6, DOF: 3}
	dis := &botDiscovery{
		cfg:      cfg,
		registry: gripper.NewRegistry(nil, logging.NewTestLogger(t)),
		ports:    func() []string { return []string{"/dev/ttyUSB99"} },
		logger:   logging.NewTestLogger(t),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	configs, err := dis.DiscoverResources(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, configs)
}
