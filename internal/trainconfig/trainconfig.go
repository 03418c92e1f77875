// Package trainconfig defines the training configuration a job is started
// from. Once a job starts, its config snapshot is immutable.
package trainconfig

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config is the validated training configuration used to generate a worker's
// program. Field validation mirrors the constraints the config UI enforces,
// so a hand-crafted request can't sneak past them.
type Config struct {
	// Name is a human-readable label for the run.
	Name string `json:"name" validate:"omitempty,max=128"`

	// BaseModel is the model identifier to fine-tune.
	BaseModel string `json:"baseModel" validate:"required,max=256"`

	// TrainingType selects the training loop.
	TrainingType string `json:"trainingType" validate:"required,oneof=sft rl"`

	// DatasetPath points at the training data.
	DatasetPath string `json:"datasetPath" validate:"required,max=1024"`

	LoRARank     int     `json:"loraRank" validate:"omitempty,min=1,max=512"`
	LearningRate float64 `json:"learningRate" validate:"required,gt=0,lte=1"`
	BatchSize    int     `json:"batchSize" validate:"required,min=1,max=4096"`
	MaxSteps     int     `json:"maxSteps" validate:"required,min=1,max=1000000"`

	MaxSequenceLength int `json:"maxSequenceLength" validate:"omitempty,min=1,max=131072"`

	// SaveEverySteps controls checkpointing; zero disables intermediate
	// checkpoints.
	SaveEverySteps int `json:"saveEverySteps" validate:"omitempty,min=1"`

	// SampleEverySteps controls checkpoint sampling; zero disables it.
	SampleEverySteps int `json:"sampleEverySteps" validate:"omitempty,min=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config against its field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid training config: %w", err)
	}

	return nil
}
