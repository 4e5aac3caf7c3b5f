package pipeperf

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when a stage configuration fails validation.
var ErrInvalidConfig = errors.New("invalid stage config")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the struct validator shared by every package of the
// module.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	return validate
}

// A StageConfig describes how one stage is physically deployed. It is a
// value type; the With* methods return modified copies.
type StageConfig struct {
	Name        string      `validate:"required"`
	CPUs        float64     `validate:"gt=0"`
	Accelerator Accelerator `validate:"ne=0"`
	BatchSize   float64     `validate:"gt=0"`
	Replicas    int         `validate:"min=1"`
	Cloud       Cloud       `validate:"ne=0"`
}

// NewStageConfig creates a validated StageConfig.
func NewStageConfig(
	name string,
	cpus float64,
	accelerator Accelerator,
	batchSize float64,
	replicas int,
	cloud Cloud,
) (StageConfig, error) {
	c := StageConfig{
		Name:        name,
		CPUs:        cpus,
		Accelerator: accelerator,
		BatchSize:   batchSize,
		Replicas:    replicas,
		Cloud:       cloud,
	}

	if err := c.Validate(); err != nil {
		return StageConfig{}, err
	}

	return c, nil
}

// Validate checks that all fields of the config hold usable values.
func (c StageConfig) Validate() error {
	err := Validator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
	}

	return fmt.Errorf("%w %q: %s", ErrInvalidConfig, c.Name, strings.Join(msgs, "; "))
}

// Bundle returns the resource bundle of the config.
func (c StageConfig) Bundle() ResourceBundle {
	return ResourceBundle{
		Accelerator: c.Accelerator,
		CPUs:        c.CPUs,
		Cloud:       c.Cloud,
	}
}

// WithBatchSize returns a copy of the config with a different batch size.
func (c StageConfig) WithBatchSize(batchSize float64) StageConfig {
	c.BatchSize = batchSize
	return c
}

// WithReplicas returns a copy of the config with a different replica count.
func (c StageConfig) WithReplicas(replicas int) StageConfig {
	c.Replicas = replicas
	return c
}

// String returns a readable form of the config.
func (c StageConfig) String() string {
	return fmt.Sprintf("StageConfig(%s, %g, %s, %g, %d, %s)",
		c.Name, c.CPUs, c.Accelerator, c.BatchSize, c.Replicas, c.Cloud)
}

// IsValid reports whether a pipeline configuration can be deployed. All
// stages must run in the same cloud. An empty configuration is not valid.
func IsValid(configs map[string]StageConfig) bool {
	if len(configs) == 0 {
		return false
	}

	var first Cloud
	seen := false
	for _, c := range configs {
		if !seen {
			first = c.Cloud
			seen = true
			continue
		}

		if c.Cloud != first {
			return false
		}
	}

	return true
}
