package trainconfig_test

import (
	"testing"

	"github.com/nixpig/trainrunner/internal/trainconfig"
)

func validConfig() trainconfig.Config {
	return trainconfig.Config{
		Name:         "sft smoke run",
		BaseModel:    "meta-llama/Llama-3.2-1B",
		TrainingType: "sft",
		DatasetPath:  "data/train.jsonl",
		LoRARank:     16,
		LearningRate: 0.0001,
		BatchSize:    8,
		MaxSteps:     100,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		mutate func(*trainconfig.Config)
		valid  bool
	}{
		"Valid config": {
			mutate: func(c *trainconfig.Config) {},
			valid:  true,
		},
		"Valid without optional fields": {
			mutate: func(c *trainconfig.Config) {
				c.Name = ""
				c.LoRARank = 0
			},
			valid: true,
		},
		"Missing base model": {
			mutate: func(c *trainconfig.Config) { c.BaseModel = "" },
			valid:  false,
		},
		"Unknown training type": {
			mutate: func(c *trainconfig.Config) { c.TrainingType = "dpo" },
			valid:  false,
		},
		"Missing dataset": {
			mutate: func(c *trainconfig.Config) { c.DatasetPath = "" },
			valid:  false,
		},
		"Zero learning rate": {
			mutate: func(c *trainconfig.Config) { c.LearningRate = 0 },
			valid:  false,
		},
		"Learning rate above one": {
			mutate: func(c *trainconfig.Config) { c.LearningRate = 1.5 },
			valid:  false,
		},
		"Negative max steps": {
			mutate: func(c *trainconfig.Config) { c.MaxSteps = -1 },
			valid:  false,
		},
		"Zero batch size": {
			mutate: func(c *trainconfig.Config) { c.BatchSize = 0 },
			valid:  false,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			config.mutate(&cfg)

			err := cfg.Validate()

			if config.valid && err != nil {
				t.Errorf("expected config to be valid: got '%v'", err)
			}

			if !config.valid && err == nil {
				t.Errorf("expected config to be rejected")
			}
		})
	}
}
