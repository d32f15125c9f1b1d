package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the CPU exposes AES instructions,
// which crypto/aes uses automatically for the CBC path.
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

// HardwareInfo describes the cipher environment for the /info endpoint and startup log.
func HardwareInfo() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":            Algorithm,
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}
}
