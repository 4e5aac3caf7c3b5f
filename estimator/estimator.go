// Package estimator provides an estimator that composes per-stage profiles
// into the end-to-end performance of a pipeline.
package estimator

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sarchlab/pipeperf"
	"github.com/sarchlab/pipeperf/pipeline"
	"github.com/sarchlab/pipeperf/profile"
)

// Errors reported by the estimator.
var (
	ErrMissingStage       = errors.New("stage is missing an input")
	ErrInvalidScaleFactor = errors.New("scale factor must be positive")
)

// A Result is the estimated performance of a whole pipeline.
type Result struct {
	// Latency is the latency of the slowest path in seconds.
	Latency float64

	// Throughput is the scaled throughput of the bottleneck stage in queries
	// per second.
	Throughput float64

	// Cost is the summed cost of every stage occurrence on every path.
	Cost float64

	// Bottleneck is the stage with the lowest scaled throughput.
	Bottleneck string

	// Extrapolated is set when any stage estimate was extrapolated.
	Extrapolated bool

	// Stages holds the estimate of each stage.
	Stages map[string]profile.Performance
}

// An Option configures an Estimator.
type Option func(e *Estimator)

// WithLogger sets the logger of the estimator.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// An Estimator estimates the performance of one logical pipeline under
// different physical configurations. It holds no mutable state, so one
// Estimator can serve concurrent callers.
type Estimator struct {
	graph        *pipeline.Graph
	scaleFactors map[string]float64
	profiles     map[string]profile.Model
	logger       zerolog.Logger
}

// New creates an estimator for a pipeline.
func New(
	graph *pipeline.Graph,
	scaleFactors map[string]float64,
	profiles map[string]profile.Model,
	opts ...Option,
) *Estimator {
	e := &Estimator{
		graph:        graph,
		scaleFactors: make(map[string]float64, len(scaleFactors)),
		profiles:     make(map[string]profile.Model, len(profiles)),
		logger:       zerolog.Nop(),
	}

	for k, v := range scaleFactors {
		e.scaleFactors[k] = v
	}
	for k, v := range profiles {
		e.profiles[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Estimate is a shorthand for creating an Estimator and estimating one
// configuration.
func Estimate(
	graph *pipeline.Graph,
	scaleFactors map[string]float64,
	configs map[string]pipeperf.StageConfig,
	profiles map[string]profile.Model,
) (Result, error) {
	return New(graph, scaleFactors, profiles).Estimate(configs)
}

// Estimate estimates the end-to-end performance of the pipeline under the
// given configuration. Latency is the maximum over all paths of the summed
// stage latencies. Throughput is capped by the stage with the lowest
// throughput after dividing by its scale factor. Cost is summed over every
// occurrence of every stage on every path, so a stage shared by two paths
// is counted twice.
func (e *Estimator) Estimate(
	configs map[string]pipeperf.StageConfig,
) (Result, error) {
	paths, err := e.graph.EnumeratePaths()
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Stages: make(map[string]profile.Performance),
	}
	bottleneckFound := false

	for _, path := range paths {
		pathLatency := 0.0

		for _, stage := range path.Stages() {
			perf, err := e.stagePerformance(stage, configs, result.Stages)
			if err != nil {
				return Result{}, err
			}

			scaled := perf.Throughput / e.scaleFactors[stage]
			if !bottleneckFound || scaled < result.Throughput {
				result.Throughput = scaled
				result.Bottleneck = stage
				bottleneckFound = true
			}

			pathLatency += perf.Latency
			result.Cost += perf.Cost
			result.Extrapolated = result.Extrapolated || perf.Extrapolated
		}

		if pathLatency > result.Latency {
			result.Latency = pathLatency
		}
	}

	e.logger.Debug().
		Float64("latency", result.Latency).
		Float64("throughput", result.Throughput).
		Float64("cost", result.Cost).
		Str("bottleneck", result.Bottleneck).
		Int("paths", len(paths)).
		Msg("pipeline estimated")

	return result, nil
}

// stagePerformance returns the estimate of a stage, asking its profile only
// the first time the stage is seen.
func (e *Estimator) stagePerformance(
	stage string,
	configs map[string]pipeperf.StageConfig,
	seen map[string]profile.Performance,
) (profile.Performance, error) {
	if perf, ok := seen[stage]; ok {
		return perf, nil
	}

	cfg, ok := configs[stage]
	if !ok {
		return profile.Performance{}, fmt.Errorf("%w: no config for %q", ErrMissingStage, stage)
	}

	model, ok := e.profiles[stage]
	if !ok {
		return profile.Performance{}, fmt.Errorf("%w: no profile for %q", ErrMissingStage, stage)
	}

	factor, ok := e.scaleFactors[stage]
	if !ok {
		return profile.Performance{}, fmt.Errorf("%w: no scale factor for %q", ErrMissingStage, stage)
	}
	if factor <= 0 {
		return profile.Performance{}, fmt.Errorf("%w: %q has %g", ErrInvalidScaleFactor, stage, factor)
	}

	perf, err := model.EstimatePerformance(cfg)
	if err != nil {
		return profile.Performance{}, fmt.Errorf("stage %q: %w", stage, err)
	}

	seen[stage] = perf

	return perf, nil
}
