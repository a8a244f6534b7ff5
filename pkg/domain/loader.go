package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type domainConfig struct {
	Slots []Slot `yaml:"slots"`
}

// ParseDomain builds a domain from its YAML form: a top-level "slots" list
// of {name, type, initial_value} entries.
func ParseDomain(data []byte) (*Domain, error) {
	var config domainConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing domain: %w", err)
	}
	for i, slot := range config.Slots {
		if slot.Name == "" {
			return nil, fmt.Errorf("parsing domain: slot %d has no name", i)
		}
		if slot.Type == "" {
			config.Slots[i].Type = SlotTypeAny
		}
	}
	return NewDomain(config.Slots), nil
}
