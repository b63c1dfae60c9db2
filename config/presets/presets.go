// Package presets provides named config presets for common session shapes.
package presets

import (
	"fmt"

	"github.com/lockstepio/go-lockstep/config"
)

var presets = map[string]config.Config{}

func register(name string, conf config.Config) {
	if _, exist := presets[name]; exist {
		panic(fmt.Sprintf("preset with name %s already exists", name))
	}
	presets[name] = conf
}

// Get returns the preset with the given name.
func Get(name string) (config.Config, error) {
	conf, exist := presets[name]
	if !exist {
		return config.Config{}, fmt.Errorf("preset %s is not registered (options %v)", name, Options())
	}
	return conf, nil
}

// Options returns the list of registered preset names.
func Options() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
