package memsafe

import "github.com/kolkov/memsafe/internal/memsafe/api"

// Version information for the memory-safety monitor.
const (
	// Version is the current version of the monitor runtime.
	Version = "0.1.0"

	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

// Info provides runtime information about the monitor.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Options is MEMSAFE_OPTIONS as applied, non-default keys only.
	Options string

	// Enabled reports whether access checking is on.
	Enabled bool
}

// GetInfo returns information about the monitor runtime.
//
//	info := memsafe.GetInfo()
//	fmt.Printf("memsafe %s [%s]\n", info.Version, info.Options)
func GetInfo() Info {
	r := api.Runtime()
	return Info{
		Version: Version,
		Options: r.Options().String(),
		Enabled: r.Enabled(),
	}
}
