package trigger

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NetworkType describes the current connection.
type NetworkType string

const (
	NetworkNone          NetworkType = "none"
	NetworkTypeUnmetered NetworkType = "unmetered"
	NetworkMetered       NetworkType = "metered"
	NetworkUnknown       NetworkType = "unknown"
)

// PowerState describes the power source. Level is in [0, 1], or negative
// when unknown.
type PowerState struct {
	Charging   bool
	Level      float64
	PowerSaver bool
}

// Environment reports the device conditions the trigger gates on.
type Environment interface {
	NetworkType() NetworkType
	PowerState() PowerState
}

// StaticEnvironment returns fixed values.
type StaticEnvironment struct {
	Network NetworkType
	Power   PowerState
}

// NetworkType implements Environment.
func (e StaticEnvironment) NetworkType() NetworkType { return e.Network }

// PowerState implements Environment.
func (e StaticEnvironment) PowerState() PowerState { return e.Power }

// Default sysfs locations.
const (
	DefaultPowerSupplyDir  = "/sys/class/power_supply"
	DefaultPlatformProfile = "/sys/firmware/acpi/platform_profile"
)

// SysfsEnvironment reads power information from Linux sysfs. The network
// type comes from configuration, downgraded to none while Online reports
// false.
type SysfsEnvironment struct {
	PowerSupplyDir  string
	PlatformProfile string

	// Network is the configured type of the usual connection.
	Network NetworkType

	// Online reports live connectivity. Nil means always online.
	Online func() bool
}

// NetworkType implements Environment.
func (e *SysfsEnvironment) NetworkType() NetworkType {
	if e.Online != nil && !e.Online() {
		return NetworkNone
	}
	if e.Network == "" {
		return NetworkUnknown
	}
	return e.Network
}

// PowerState implements Environment. Machines without a battery report
// charging at full level.
func (e *SysfsEnvironment) PowerState() PowerState {
	dir := e.PowerSupplyDir
	if dir == "" {
		dir = DefaultPowerSupplyDir
	}

	state := PowerState{Level: -1, PowerSaver: e.powerSaver()}
	entries, err := os.ReadDir(dir)
	if err != nil {
		state.Charging = true
		state.Level = 1
		return state
	}

	var (
		batteries int
		mains     bool
	)
	for _, entry := range entries {
		supply := filepath.Join(dir, entry.Name())
		switch readSysfs(supply, "type") {
		case "Mains", "USB":
			if readSysfs(supply, "online") == "1" {
				mains = true
			}
		case "Battery":
			batteries++
			switch readSysfs(supply, "status") {
			case "Charging", "Full":
				state.Charging = true
			}
			if v, err := strconv.Atoi(readSysfs(supply, "capacity")); err == nil {
				level := float64(v) / 100
				if state.Level < 0 || level < state.Level {
					state.Level = level
				}
			}
		}
	}

	if mains {
		state.Charging = true
	}
	if batteries == 0 {
		state.Charging = true
		state.Level = 1
	}
	return state
}

func (e *SysfsEnvironment) powerSaver() bool {
	path := e.PlatformProfile
	if path == "" {
		path = DefaultPlatformProfile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "low-power"
}

func readSysfs(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
