package pluginhost

import (
	"os"

	"github.com/BurntSushi/toml"
)

// registryFile is the on-disk shape of registry.toml, which lists which
// discovered plugins are enabled (spec.md §4.5 "Discover").
type registryFile struct {
	Enabled []string `toml:"enabled"`
}

// readRegistry loads path and returns the set of enabled plugin names. A
// missing registry.toml means nothing discovered under that root is
// enabled, matching the fail-closed default the daemon uses for any
// unconfigured opt-in surface.
func readRegistry(path string) (map[string]bool, error) {
	enabled := map[string]bool{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return enabled, nil
	}
	if err != nil {
		return nil, err
	}
	var rf registryFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		return nil, err
	}
	for _, name := range rf.Enabled {
		enabled[name] = true
	}
	return enabled, nil
}

// writeRegistry persists the enabled set back to path, used by Enable and
// Disable.
func writeRegistry(path string, enabled map[string]bool) error {
	var rf registryFile
	for name, on := range enabled {
		if on {
			rf.Enabled = append(rf.Enabled, name)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(rf)
}
