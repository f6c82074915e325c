package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the services configuration from config/services.yaml
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "services.yaml"))
}

// LoadServicesConfigFromPath loads the services configuration from a specific path
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	// Validate that all services have required fields
	for id, settings := range cfg.Services {
		if settings.Port == 0 {
			return nil, fmt.Errorf("service %s: port is required", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads services config or returns default if file not found
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		// Return default configuration with all services enabled
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default control-plane services configuration.
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"registry": {
				Enabled:     true,
				Port:        7401,
				Description: "Service registry and health supervisor",
			},
			"eventstore": {
				Enabled:     true,
				Port:        7402,
				Description: "Bounded event log and pub/sub bus",
			},
			"credit": {
				Enabled:     true,
				Port:        7403,
				Description: "Shapley credit assignment and lazy-agent detector",
			},
			"router": {
				Enabled:     true,
				Port:        7404,
				Description: "Request router with circuit breaking and retries",
			},
			"workflow": {
				Enabled:     true,
				Port:        7405,
				Description: "Workflow graph execution engine",
			},
		},
	}
}
