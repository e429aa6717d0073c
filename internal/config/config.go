package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Tuning TuningConfig `yaml:"tuning"`
	Device struct {
		// MemoryLimit caps host-allocator memory in bytes; 0 means unlimited.
		MemoryLimit int64 `yaml:"memoryLimit"`
	} `yaml:"device"`
}

type TuningConfig struct {
	// MaxTrials is how many timed iterations each candidate kernel runs.
	MaxTrials int `yaml:"maxTrials"`
	// DuplicateInputs gives every trial its own input buffers so candidates
	// cannot bias each other through input-buffer cache reuse.
	DuplicateInputs bool `yaml:"duplicateInputs"`
	// NumericalCheck gates acceptance of a faster candidate on its results
	// matching the reference kernel's.
	NumericalCheck bool `yaml:"numericalCheck"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Tuning.MaxTrials = 10
	cfg.Tuning.DuplicateInputs = false
	cfg.Tuning.NumericalCheck = true
	return cfg
}
