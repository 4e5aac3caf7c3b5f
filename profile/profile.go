// Package profile provides the empirical performance model of a single
// pipeline stage.
package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/sarchlab/pipeperf"
)

// Errors reported by profiles.
var (
	ErrEmptyProfile       = errors.New("profile has no measurements")
	ErrMissingThroughput  = errors.New("measurement has no throughput for the requested stage")
	ErrNoMatchingProfile  = errors.New("no profile for the requested resource bundle")
	ErrInvalidMeasurement = errors.New("measurement holds a non-finite value")
	ErrInvalidBatchSize   = errors.New("batch size cannot be placed in the profiled range")
)

// A Performance is the estimated performance of one stage under one
// configuration.
type Performance struct {
	// Latency is the p99 latency of one request in seconds.
	Latency float64

	// Throughput is the throughput of all replicas in queries per second.
	Throughput float64

	// Cost is the cost of all replicas per hour.
	Cost float64

	// Extrapolated is set when the requested batch size lies outside the
	// profiled range and the nearest measured point was used instead.
	Extrapolated bool
}

// Model estimates the performance of a stage.
type Model interface {
	// EstimatePerformance estimates the performance of the stage under the
	// given configuration.
	EstimatePerformance(cfg pipeperf.StageConfig) (Performance, error)
}

// A Measurement is a profiled row reduced to the fields the model uses.
type Measurement struct {
	Bundle     pipeperf.ResourceBundle
	BatchSize  float64
	Throughput float64
	Latency    float64
	Cost       float64
}

func (m Measurement) finite() bool {
	for _, v := range []float64{m.BatchSize, m.Throughput, m.Latency, m.Cost, m.Bundle.CPUs} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	return true
}

// An Option configures a Profile.
type Option func(p *Profile)

// WithLogger sets the logger that receives extrapolation and monotonicity
// warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Profile) {
		p.logger = logger
	}
}

// A Profile holds the pruned measurements of one stage. It is immutable after
// construction and safe for concurrent use.
type Profile struct {
	name            string
	throughputStage string
	entries         []Measurement
	byBundle        map[pipeperf.ResourceBundle][]Measurement
	measured        map[pipeperf.ResourceBundle][]Measurement
	logger          zerolog.Logger
}

// New creates a profile for a stage. The throughput stage selects which of
// the measured throughputs of each row is used, since different stages
// report throughput at different pipeline positions.
func New(
	name string,
	rows []pipeperf.ProfileRow,
	throughputStage string,
	opts ...Option,
) (*Profile, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: stage %q", ErrEmptyProfile, name)
	}

	entries := make([]Measurement, 0, len(rows))
	for i, r := range rows {
		thru, ok := r.Throughputs[throughputStage]
		if !ok {
			return nil, fmt.Errorf("%w: stage %q, row %d, field %s%s",
				ErrMissingThroughput, name, i, throughputStage, pipeperf.ThroughputSuffix)
		}

		m := Measurement{
			Bundle:     r.Bundle(),
			BatchSize:  r.BatchSize,
			Throughput: thru,
			Latency:    r.Latency,
			Cost:       r.Cost,
		}
		if !m.finite() {
			return nil, fmt.Errorf("%w: stage %q, row %d",
				ErrInvalidMeasurement, name, i)
		}

		entries = append(entries, m)
	}

	p := &Profile{
		name:            name,
		throughputStage: throughputStage,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.measured = groupByBundle(entries)
	p.entries = Prune(entries)
	p.byBundle = groupByBundle(p.entries)

	return p, nil
}

// Name returns the name of the stage.
func (p *Profile) Name() string {
	return p.name
}

// ThroughputStage returns the pipeline position throughput is read from.
func (p *Profile) ThroughputStage() string {
	return p.throughputStage
}

// Measurements returns a copy of the measurements that survived pruning.
func (p *Profile) Measurements() []Measurement {
	out := make([]Measurement, len(p.entries))
	copy(out, p.entries)

	return out
}

// Dominates reports whether a makes b redundant: a has at least the
// throughput of b at no more cost and no more latency. Rows tied on all three
// fields do not dominate each other.
func Dominates(a, b Measurement) bool {
	if a.Throughput == b.Throughput && a.Cost == b.Cost && a.Latency == b.Latency {
		return false
	}

	return a.Throughput >= b.Throughput && a.Cost <= b.Cost && a.Latency <= b.Latency
}

// Prune removes every measurement dominated by another one. Measurements of
// different resource bundles are compared with each other too. The relation
// is a partial order, so one pass against the unpruned table reaches the
// fixed point and the result does not depend on row order.
func Prune(entries []Measurement) []Measurement {
	kept := make([]Measurement, 0, len(entries))

	for i, e := range entries {
		dominated := false
		for j, other := range entries {
			if i != j && Dominates(other, e) {
				dominated = true
				break
			}
		}

		if !dominated {
			kept = append(kept, e)
		}
	}

	return kept
}

func groupByBundle(entries []Measurement) map[pipeperf.ResourceBundle][]Measurement {
	groups := make(map[pipeperf.ResourceBundle][]Measurement)
	for _, e := range entries {
		groups[e.Bundle] = append(groups[e.Bundle], e)
	}

	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			return g[i].BatchSize < g[j].BatchSize
		})
	}

	return groups
}

// EstimatePerformance estimates the performance of the stage under the given
// configuration. When the batch size was not profiled, throughput and latency
// are interpolated linearly between the nearest profiled batch sizes. Outside
// the profiled range the nearest boundary measurement is used and the result
// is marked as extrapolated. Throughput and cost scale with the number of
// replicas, latency does not.
func (p *Profile) EstimatePerformance(
	cfg pipeperf.StageConfig,
) (Performance, error) {
	matches := p.byBundle[cfg.Bundle()]
	if len(matches) == 0 {
		return Performance{}, fmt.Errorf("%w: stage %q under %s",
			ErrNoMatchingProfile, p.name, cfg)
	}

	glb, lub := bounds(matches, cfg.BatchSize)
	if glb < 0 && lub < 0 {
		return Performance{}, fmt.Errorf("%w: stage %q under %s",
			ErrInvalidBatchSize, p.name, cfg)
	}

	var perf Performance
	switch {
	case glb < 0:
		p.logger.Warn().
			Str("stage", p.name).
			Stringer("config", cfg).
			Float64("profiled_min_batch_size", matches[lub].BatchSize).
			Msg("no lower bound, extrapolating to profiled minimum")
		perf = fromMeasurement(matches[lub])
		perf.Extrapolated = true
	case lub < 0:
		p.logger.Warn().
			Str("stage", p.name).
			Stringer("config", cfg).
			Float64("profiled_max_batch_size", matches[glb].BatchSize).
			Msg("no upper bound, extrapolating to profiled maximum")
		perf = fromMeasurement(matches[glb])
		perf.Extrapolated = true
	case matches[glb].BatchSize == matches[lub].BatchSize:
		perf = fromMeasurement(matches[glb])
	default:
		perf = p.interpolate(matches[glb], matches[lub], cfg.BatchSize)
	}

	replicas := float64(cfg.Replicas)
	perf.Throughput *= replicas
	perf.Cost *= replicas

	return perf, nil
}

// bounds returns the indices of the greatest batch size not above x and the
// smallest batch size not below x, or -1 when there is none. The entries
// must be sorted by batch size.
func bounds(sorted []Measurement, x float64) (glb, lub int) {
	glb, lub = -1, -1
	for i, e := range sorted {
		if e.BatchSize <= x && (glb < 0 || e.BatchSize > sorted[glb].BatchSize) {
			glb = i
		}
		if e.BatchSize >= x && lub < 0 {
			lub = i
		}
	}

	return glb, lub
}

func fromMeasurement(e Measurement) Performance {
	return Performance{
		Latency:    e.Latency,
		Throughput: e.Throughput,
		Cost:       e.Cost,
	}
}

func (p *Profile) interpolate(lo, hi Measurement, batchSize float64) Performance {
	if hi.Throughput <= lo.Throughput || hi.Latency <= lo.Latency {
		p.logger.Warn().
			Str("stage", p.name).
			Stringer("bundle", lo.Bundle).
			Float64("low_batch_size", lo.BatchSize).
			Float64("high_batch_size", hi.BatchSize).
			Msg("profile is not increasing between interpolation points")
	}

	return Performance{
		Latency:    lerp(lo.BatchSize, lo.Latency, hi.BatchSize, hi.Latency, batchSize),
		Throughput: lerp(lo.BatchSize, lo.Throughput, hi.BatchSize, hi.Throughput, batchSize),
		// Cost depends only on the resource bundle.
		Cost: lo.Cost,
	}
}

func lerp(x0, y0, x1, y1, x float64) float64 {
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

// IncreaseBatchSize returns a copy of the config with the smallest profiled
// batch size of the same resource bundle that is larger than
// floor(cfg.BatchSize)+1. It returns false when the profile has no such batch
// size, which means the search has reached the profiled ceiling.
func (p *Profile) IncreaseBatchSize(
	cfg pipeperf.StageConfig,
) (pipeperf.StageConfig, bool) {
	threshold := math.Floor(cfg.BatchSize) + 1

	for _, e := range p.byBundle[cfg.Bundle()] {
		if e.BatchSize > threshold {
			return cfg.WithBatchSize(e.BatchSize), true
		}
	}

	return cfg, false
}

// EnumerateConfigs lists every profiled configuration combined with every
// replica count from 1 to maxReplicas.
func (p *Profile) EnumerateConfigs(maxReplicas int) []pipeperf.StageConfig {
	if maxReplicas < 1 {
		return nil
	}

	configs := make([]pipeperf.StageConfig, 0, maxReplicas*len(p.entries))
	for replicas := 1; replicas <= maxReplicas; replicas++ {
		for _, e := range p.entries {
			configs = append(configs, pipeperf.StageConfig{
				Name:        p.name,
				CPUs:        e.Bundle.CPUs,
				Accelerator: e.Bundle.Accelerator,
				BatchSize:   e.BatchSize,
				Replicas:    replicas,
				Cloud:       e.Bundle.Cloud,
			})
		}
	}

	return configs
}
