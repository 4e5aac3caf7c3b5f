package pipeperf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrReferenceCount is returned when the reference stage has no request
// count to normalize against.
var ErrReferenceCount = errors.New("reference stage has no request count")

// ScaleFactors normalizes per-stage request counts against the count of the
// reference stage. A stage with scale factor 2 receives twice as many
// requests as the reference stage for every end-to-end query.
func ScaleFactors(
	counts map[string]float64,
	reference string,
) (map[string]float64, error) {
	total, ok := counts[reference]
	if !ok || total <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrReferenceCount, reference)
	}

	factors := make(map[string]float64, len(counts))
	for stage, count := range counts {
		factors[stage] = count / total
	}

	return factors, nil
}

// An Experiment holds what the estimator needs from one end-to-end run of a
// pipeline: the configuration it ran with and how many requests each stage
// served.
type Experiment struct {
	Configs map[string]StageConfig
	Counts  map[string]float64
}

// ScaleFactors derives the per-stage scale factors of the experiment.
func (e *Experiment) ScaleFactors(reference string) (map[string]float64, error) {
	return ScaleFactors(e.Counts, reference)
}

type experimentDoc struct {
	NodeConfigs   []nodeRecord    `yaml:"node_configs"`
	ClientMetrics []clientMetrics `yaml:"client_metrics"`
}

type nodeRecord struct {
	Name           string      `yaml:"name"`
	NumReplicas    int         `yaml:"num_replicas"`
	CPUsPerReplica float64     `yaml:"cpus_per_replica"`
	BatchSize      float64     `yaml:"batch_size"`
	GPUType        Accelerator `yaml:"gpu_type"`
	Cloud          Cloud       `yaml:"cloud"`
}

type clientMetrics struct {
	AllMetrics []trialMetrics `yaml:"all_metrics"`
}

type trialMetrics struct {
	Counters []map[string]counter `yaml:"counters"`
}

type counter struct {
	Count string `yaml:"count"`
}

// PredictionCounterKey returns the name of the counter that records how many
// predictions a stage served.
func PredictionCounterKey(stage string) string {
	return fmt.Sprintf("model:%s:1:num_predictions", stage)
}

// An ExperimentLoader loads end-to-end experiment results. Both JSON and
// YAML documents are accepted.
type ExperimentLoader struct{}

// Load reads and parses an experiment file.
func (l *ExperimentLoader) Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	exp, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return exp, nil
}

// Parse parses an experiment document.
func (l *ExperimentLoader) Parse(data []byte) (*Experiment, error) {
	var doc experimentDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	if len(doc.NodeConfigs) == 0 {
		return nil, fmt.Errorf("experiment has no node_configs")
	}

	exp := &Experiment{
		Configs: make(map[string]StageConfig, len(doc.NodeConfigs)),
		Counts:  make(map[string]float64, len(doc.NodeConfigs)),
	}

	for _, n := range doc.NodeConfigs {
		c, err := NewStageConfig(
			n.Name,
			n.CPUsPerReplica,
			n.GPUType,
			n.BatchSize,
			n.NumReplicas,
			n.Cloud,
		)
		if err != nil {
			return nil, err
		}

		exp.Configs[n.Name] = c
		exp.Counts[n.Name] = 0
	}

	trials := firstTrials(doc.ClientMetrics)
	for _, trial := range trials {
		for _, c := range trial.Counters {
			if err := exp.addCounter(c); err != nil {
				return nil, err
			}
		}
	}

	return exp, nil
}

// firstTrials returns the trials of the first client that reported any.
func firstTrials(clients []clientMetrics) []trialMetrics {
	for _, c := range clients {
		if len(c.AllMetrics) > 0 {
			return c.AllMetrics
		}
	}

	return nil
}

func (e *Experiment) addCounter(c map[string]counter) error {
	for key, value := range c {
		for stage := range e.Counts {
			if key != PredictionCounterKey(stage) {
				continue
			}

			count, err := strconv.ParseFloat(strings.TrimSpace(value.Count), 64)
			if err != nil {
				return fmt.Errorf("counter %s: %w", key, err)
			}

			e.Counts[stage] += count
		}
	}

	return nil
}

// A CandidateLoader loads a candidate pipeline configuration.
type CandidateLoader struct{}

type candidateDoc struct {
	Stages []candidateStage `yaml:"stages"`
}

type candidateStage struct {
	Name        string      `yaml:"name"`
	CPUs        float64     `yaml:"cpus"`
	Accelerator Accelerator `yaml:"accelerator"`
	BatchSize   float64     `yaml:"batch_size"`
	Replicas    int         `yaml:"replicas"`
	Cloud       Cloud       `yaml:"cloud"`
}

// Load reads a candidate configuration file.
func (l *CandidateLoader) Load(path string) (map[string]StageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	configs, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return configs, nil
}

// Parse parses a candidate configuration document.
func (l *CandidateLoader) Parse(data []byte) (map[string]StageConfig, error) {
	var doc candidateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	configs := make(map[string]StageConfig, len(doc.Stages))
	for _, s := range doc.Stages {
		if _, dup := configs[s.Name]; dup {
			return nil, fmt.Errorf("stage %q is configured twice", s.Name)
		}

		c, err := NewStageConfig(s.Name, s.CPUs, s.Accelerator, s.BatchSize, s.Replicas, s.Cloud)
		if err != nil {
			return nil, err
		}
		configs[s.Name] = c
	}

	return configs, nil
}
