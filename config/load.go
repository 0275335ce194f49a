package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
)

// LoadFile reads an hcl config file and applies it to the registry.
// Values already set from flags win over the config file.
func (cfg *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return cfg.load(b)
}

func (cfg *Config) load(b []byte) error {
	var values map[string]interface{}

	err := hcl.Decode(&values, string(b))
	if err != nil {
		return err
	}
	for name, val := range values {
		param, ok := cfg.params[name]
		if !ok {
			return fmt.Errorf("config: %s is not a param", name)
		}
		if param.by == byDefault {
			err := param.Val.SetValue(val)
			if err != nil {
				return fmt.Errorf("config: param %s: %s", param.Name, err)
			}
			param.by = byConfig
		}
	}
	return nil
}
