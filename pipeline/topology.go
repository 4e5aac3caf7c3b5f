package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrUnknownPipeline is returned when no builtin pipeline has the given name.
var ErrUnknownPipeline = errors.New("unknown builtin pipeline")

// A Topology is the serialized form of a Graph.
type Topology struct {
	Name      string              `yaml:"name"`
	Reference string              `yaml:"reference"`
	Adjacency map[string][]string `yaml:"adjacency"`
}

// Build converts the topology into a Graph. A SINK without an entry in the
// adjacency list is added implicitly.
func (t *Topology) Build() (*Graph, error) {
	adjacency := make(map[string][]string, len(t.Adjacency)+1)
	for n, children := range t.Adjacency {
		adjacency[n] = children
	}
	if _, ok := adjacency[Sink]; !ok {
		adjacency[Sink] = nil
	}

	g, err := New(adjacency, t.Reference)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", t.Name, err)
	}

	return g, nil
}

// LoadTopology reads a YAML topology file and builds its graph.
func LoadTopology(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return t.Build()
}

var builtins = map[string]Topology{
	// Two independent image classification branches.
	"pipeline_one": {
		Name:      "pipeline_one",
		Reference: "inception",
		Adjacency: map[string][]string{
			Source:            {"tf-resnet-feats", "inception"},
			"tf-resnet-feats": {"tf-kernel-svm"},
			"tf-kernel-svm":   {Sink},
			"inception":       {"tf-log-reg"},
			"tf-log-reg":      {Sink},
			Sink:              {},
		},
	},
	// Language detection, optionally followed by translation, then LSTM.
	"pipeline_two": {
		Name:      "pipeline_two",
		Reference: "tf-lang-detect",
		Adjacency: map[string][]string{
			Source:           {"tf-lang-detect"},
			"tf-lang-detect": {"tf-lstm", "tf-nmt", Sink},
			"tf-nmt":         {"tf-lstm"},
			"tf-lstm":        {Sink},
			Sink:             {},
		},
	},
	// ResNet cascade.
	"pipeline_three": {
		Name:      "pipeline_three",
		Reference: "alexnet",
		Adjacency: map[string][]string{
			Source:    {"alexnet"},
			"alexnet": {"res50", Sink},
			"res50":   {"res152", Sink},
			"res152":  {Sink},
			Sink:      {},
		},
	},
}

// Builtin returns one of the predefined pipelines by name.
func Builtin(name string) (*Graph, error) {
	t, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}

	return t.Build()
}

// BuiltinNames returns the names of the predefined pipelines.
func BuiltinNames() []string {
	return []string{"pipeline_one", "pipeline_two", "pipeline_three"}
}
