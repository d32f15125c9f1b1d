package crypto

import (
	"runtime"
	"testing"
)

func TestHasAESHardwareSupport(t *testing.T) {
	support := HasAESHardwareSupport()
	switch runtime.GOARCH {
	case "amd64", "386", "arm64", "s390x":
	default:
		if support {
			t.Errorf("HasAESHardwareSupport() returned true for unknown architecture: %s", runtime.GOARCH)
		}
	}
}

func TestHardwareInfo(t *testing.T) {
	info := HardwareInfo()

	for _, field := range []string{"algorithm", "aes_hardware_support", "architecture", "goos", "go_version"} {
		if _, ok := info[field]; !ok {
			t.Errorf("HardwareInfo() missing field: %s", field)
		}
	}

	if info["architecture"] != runtime.GOARCH {
		t.Errorf("HardwareInfo() architecture mismatch: got %s, want %s", info["architecture"], runtime.GOARCH)
	}
	if info["algorithm"] != Algorithm {
		t.Errorf("HardwareInfo() algorithm mismatch: got %v", info["algorithm"])
	}
	if _, ok := info["aes_hardware_support"].(bool); !ok {
		t.Errorf("HardwareInfo() aes_hardware_support should be bool")
	}
}
