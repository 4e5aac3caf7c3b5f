// Command pipeperf estimates the end-to-end latency, throughput and cost of
// an inference pipeline from per-stage profiles.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/sarchlab/pipeperf"
	"github.com/sarchlab/pipeperf/estimator"
	"github.com/sarchlab/pipeperf/pipeline"
	"github.com/sarchlab/pipeperf/profile"
	"github.com/sarchlab/pipeperf/replay"
	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		atexit.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(2)
	}

	logger := newLogger(cfg.LogLevel, os.Stderr)

	if err := run(cfg, logger, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("estimation failed")
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).Level(lvl).With().Timestamp().Logger()
}

func run(cfg *Config, logger zerolog.Logger, out io.Writer) error {
	graph, err := loadGraph(cfg)
	if err != nil {
		return err
	}

	var exp *pipeperf.Experiment
	if cfg.Experiment != "" {
		loader := &pipeperf.ExperimentLoader{}
		exp, err = loader.Load(cfg.Experiment)
		if err != nil {
			return err
		}
	}

	configs, err := loadCandidate(cfg, exp)
	if err != nil {
		return err
	}
	if !pipeperf.IsValid(configs) {
		return fmt.Errorf("candidate configuration is invalid or spans clouds")
	}

	factors, err := scaleFactors(cfg, graph, exp, logger)
	if err != nil {
		return err
	}

	profiles, err := loadProfiles(cfg, graph, logger, out)
	if err != nil {
		return err
	}

	result, err := estimator.
		New(graph, factors, profiles, estimator.WithLogger(logger)).
		Estimate(configs)
	if err != nil {
		return err
	}

	printResult(out, graph, configs, result)

	if cfg.Replay {
		return replayQuery(out, graph, result)
	}

	return nil
}

func loadGraph(cfg *Config) (*pipeline.Graph, error) {
	if cfg.Topology != "" {
		return pipeline.LoadTopology(cfg.Topology)
	}

	return pipeline.Builtin(cfg.Pipeline)
}

func loadCandidate(
	cfg *Config,
	exp *pipeperf.Experiment,
) (map[string]pipeperf.StageConfig, error) {
	if cfg.Candidate == "" {
		return exp.Configs, nil
	}

	loader := &pipeperf.CandidateLoader{}

	return loader.Load(cfg.Candidate)
}

// scaleFactors derives the scale factors from the experiment, applies the
// overrides and defaults any stage still missing to 1.
func scaleFactors(
	cfg *Config,
	graph *pipeline.Graph,
	exp *pipeperf.Experiment,
	logger zerolog.Logger,
) (map[string]float64, error) {
	factors := make(map[string]float64)

	if exp != nil {
		derived, err := exp.ScaleFactors(graph.Reference())
		if err != nil {
			return nil, err
		}
		for stage, f := range derived {
			factors[stage] = f
		}
	}

	overrides, err := cfg.scaleFactorOverrides()
	if err != nil {
		return nil, err
	}
	for stage, f := range overrides {
		factors[stage] = f
	}

	for _, stage := range graph.Nodes() {
		if _, ok := factors[stage]; !ok {
			logger.Info().Str("stage", stage).Msg("no scale factor, assuming 1")
			factors[stage] = 1
		}
	}

	return factors, nil
}

func loadProfiles(
	cfg *Config,
	graph *pipeline.Graph,
	logger zerolog.Logger,
	out io.Writer,
) (map[string]profile.Model, error) {
	loader := &pipeperf.ProfileLoader{Dir: cfg.ProfilesDir}
	profiles := make(map[string]profile.Model)

	for _, stage := range graph.Nodes() {
		rows, err := loader.Load(stage)
		if err != nil {
			return nil, err
		}

		p, err := profile.New(
			stage,
			rows,
			cfg.throughputStage(stage),
			profile.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", stage, err)
		}

		if cfg.Diagnose {
			printDiagnostics(out, p)
		}

		profiles[stage] = p
	}

	return profiles, nil
}

func printDiagnostics(out io.Writer, p *profile.Profile) {
	points := p.CheckMonotonicity()

	fmt.Fprintf(out, "profile %s: %d measurements after pruning, throughput at %s, %d non-monotonic points\n",
		p.Name(), len(p.Measurements()), p.ThroughputStage(), len(points))
}

func printResult(
	out io.Writer,
	graph *pipeline.Graph,
	configs map[string]pipeperf.StageConfig,
	result estimator.Result,
) {
	for _, stage := range graph.Nodes() {
		perf := result.Stages[stage]
		fmt.Fprintf(out, "%-20s %-28s lat %.4fs  thr %.2f qps  cost %.2f\n",
			stage, configs[stage], perf.Latency, perf.Throughput, perf.Cost)
	}

	fmt.Fprintf(out, "latency:    %.4f s\n", result.Latency)
	fmt.Fprintf(out, "throughput: %.2f qps\n", result.Throughput)
	fmt.Fprintf(out, "cost:       %.2f\n", result.Cost)
	fmt.Fprintf(out, "bottleneck: %s\n", result.Bottleneck)
	if result.Extrapolated {
		fmt.Fprintln(out, "warning: some stage estimates were extrapolated")
	}
}

func replayQuery(
	out io.Writer,
	graph *pipeline.Graph,
	result estimator.Result,
) error {
	latencies := make(map[string]float64, len(result.Stages))
	for stage, perf := range result.Stages {
		latencies[stage] = perf.Latency
	}

	r, err := replay.Replay(graph, latencies)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "replay:")
	for _, s := range r.Spans() {
		fmt.Fprintf(out, "  %-20s %.4f -> %.4f\n", s.Stage, float64(s.Start), float64(s.End))
	}
	fmt.Fprintf(out, "  end-to-end %.4f s over %d routes\n",
		float64(r.Latency()), len(r.Arrivals()))

	return nil
}
