package transport

import (
	"runtime"

	"github.com/kenneth/secure-git-relay/internal/config"
	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the running CPU has AES instructions,
// used to decide whether AES-256-GCM envelope decryption runs in hardware.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled reports whether acceleration is both
// supported by the CPU and enabled in cfg.
func IsHardwareAccelerationEnabled(cfg config.HardwareConfig) bool {
	if !HasAESHardwareSupport() {
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		return cfg.EnableAESNI
	case "arm64":
		return cfg.EnableARMv8AES
	default:
		return true
	}
}

// HardwareInfo reports hardware acceleration status as a map; no HTTP
// endpoint includes it.
func HardwareInfo(cfg config.HardwareConfig) map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support":         HasAESHardwareSupport(),
		"architecture":                 runtime.GOARCH,
		"go_version":                   runtime.Version(),
		"aes_ni_enabled":               cfg.EnableAESNI,
		"armv8_aes_enabled":            cfg.EnableARMv8AES,
		"hardware_acceleration_active": IsHardwareAccelerationEnabled(cfg),
	}
}
