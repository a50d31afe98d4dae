package executor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"remedyai-backend/internal/rules"
)

type EndpointConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type FileConfig struct {
	Executors map[string]EndpointConfig `yaml:"executors"`
	Default   *EndpointConfig           `yaml:"default"`
}

func LoadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, err
	}
	if len(cfg.Executors) == 0 && cfg.Default == nil {
		return FileConfig{}, fmt.Errorf("no executors configured")
	}
	return cfg, nil
}

func (c FileConfig) BuildRegistry() (*Registry, error) {
	transports := map[rules.ActionType]Transport{}
	for name, endpoint := range c.Executors {
		actionType := rules.ActionType(name)
		switch actionType {
		case rules.ActionRestartService, rules.ActionScale, rules.ActionRunScript, rules.ActionRunPlaybook, rules.ActionNotify:
		default:
			return nil, fmt.Errorf("unknown action type %q in executor config", name)
		}
		transports[actionType] = buildTransport(endpoint)
	}
	var fallback Transport
	if c.Default != nil {
		fallback = buildTransport(*c.Default)
	}
	return NewRegistry(transports, fallback), nil
}

func buildTransport(cfg EndpointConfig) Transport {
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return NewHTTPTransport(cfg.Endpoint, timeout)
}
