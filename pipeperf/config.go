package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sarchlab/pipeperf"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the environment variables that override flags.
const EnvPrefix = "PIPEPERF"

// Config holds the settings of one estimation run.
type Config struct {
	ConfigFile string `mapstructure:"config"`

	// Pipeline names a builtin pipeline. Topology points to a YAML topology
	// file and takes precedence.
	Pipeline string `mapstructure:"pipeline" validate:"required_without=Topology"`
	Topology string `mapstructure:"topology"`

	ProfilesDir string `mapstructure:"profiles-dir" validate:"required"`

	// ThroughputStage is the pipeline position whose throughput column is
	// read from every profile. ThroughputStages overrides it per stage.
	ThroughputStage  string            `mapstructure:"throughput-stage" validate:"required"`
	ThroughputStages map[string]string `mapstructure:"throughput-stages"`

	// Candidate points to the configuration to estimate. Without it, the
	// configuration recorded in the experiment is estimated.
	Candidate  string `mapstructure:"candidate" validate:"required_without=Experiment"`
	Experiment string `mapstructure:"experiment"`

	// ScaleFactors overrides the scale factors derived from the experiment.
	ScaleFactors map[string]string `mapstructure:"scale-factors"`

	LogLevel string `mapstructure:"log-level" validate:"oneof=trace debug info warn error"`
	Replay   bool   `mapstructure:"replay"`
	Diagnose bool   `mapstructure:"diagnose"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pipeperf", pflag.ContinueOnError)

	fs.String("config", "", "A YAML file holding any of the flags below.")
	fs.String("pipeline", "", "The name of a builtin pipeline.")
	fs.String("topology", "", "A YAML file describing the pipeline graph.")
	fs.String("profiles-dir", "", "The directory holding one <stage>.csv profile per stage.")
	fs.String("throughput-stage", "client", "The pipeline position throughput is read at.")
	fs.StringToString("throughput-stages", nil, "Per-stage overrides of --throughput-stage.")
	fs.String("candidate", "", "A YAML file with the configuration to estimate.")
	fs.String("experiment", "", "An experiment result to derive scale factors from.")
	fs.StringToString("scale-factors", nil, "Per-stage scale factors, e.g. nmt=0.5.")
	fs.String("log-level", "info", "One of trace, debug, info, warn, error.")
	fs.Bool("replay", false, "Replay one query through the pipeline in simulated time.")
	fs.Bool("diagnose", false, "Report non-monotonic profile measurements.")

	return fs
}

// loadConfig parses the command line, then merges in the config file and the
// environment. Flags set explicitly win over the environment, which wins over
// the config file.
func loadConfig(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := pipeperf.Validator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// throughputStage returns the throughput column used for a stage's profile.
func (c *Config) throughputStage(stage string) string {
	if s, ok := c.ThroughputStages[stage]; ok && s != "" {
		return s
	}

	return c.ThroughputStage
}

// scaleFactorOverrides parses the scale factors given on the command line.
func (c *Config) scaleFactorOverrides() (map[string]float64, error) {
	factors := make(map[string]float64, len(c.ScaleFactors))
	for stage, s := range c.ScaleFactors {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("scale factor of %q: %w", stage, err)
		}
		factors[stage] = f
	}

	return factors, nil
}
