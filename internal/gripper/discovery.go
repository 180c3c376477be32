package gripper

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
)

// PortInfo describes a serial port on which a gripper servo answered.
type PortInfo struct {
	Port            string
	Suffix          string
	CalibrationFile string
}

// FilterCandidatePorts keeps the ports whose names look like USB serial
// adapters.
func FilterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(port string) bool {
	for _, prefix := range []string{
		// Linux
		"/dev/ttyUSB", "/dev/ttyACM",
		// macOS
		"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial",
		// Windows
		"COM",
	} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// PortSuffix extracts a name friendly suffix from a port path:
// /dev/ttyUSB0 -> ttyUSB0, /dev/tty.usbmodem123 -> usbmodem123.
func PortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// FindCalibrationFile looks for <suffix>_gripper_calibration.json, then
// gripper_calibration.json in dir. It returns the file name or "".
func FindCalibrationFile(dir, suffix string) string {
	for _, name := range []string{suffix + "_gripper_calibration.json", "gripper_calibration.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return ""
}

// EnumeratePorts lists the serial ports of the system.
func EnumeratePorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}
	var names []string
	for _, port := range ports {
		names = append(names, port.Name)
	}
	return names
}

// Scan pings servo id on every candidate port.
func Scan(ctx context.Context, ports []string, id int, registry *Registry, logger logging.Logger) ([]PortInfo, error) {
	dataDir := os.Getenv("VIAM_MODULE_DATA")
	if dataDir == "" {
		dataDir = "/tmp"
	}
	var found []PortInfo
	for _, port := range FilterCandidatePorts(ports) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		bus, err := registry.Acquire(BusConfig{Port: port})
		if err != nil {
			logger.Debugf("Failed to open port %s: %v", port, err)
			if err := registry.ForceClose(port); err != nil {
				logger.Debugf("Failed to reset port %s: %v", port, err)
			}
			continue
		}
		err = bus.Ping(id)
		registry.Release(port)
		if err != nil {
			logger.Debugf("No gripper servo %d on %s: %v", id, port, err)
			continue
		}
		suffix := PortSuffix(port)
		found = append(found, PortInfo{Port: port, Suffix: suffix, CalibrationFile: FindCalibrationFile(dataDir, suffix)})
		logger.Infof("Discovered gripper servo %d on %s", id, port)
	}
	return found, nil
}
