package profile

import (
	"sort"

	"github.com/sarchlab/pipeperf"
)

// A Metric names a measured quantity of a profile.
type Metric string

// Metrics checked for monotonicity.
const (
	MetricThroughput Metric = "throughput"
	MetricLatency    Metric = "latency"
)

// A NonMonotonicPoint is a measurement whose throughput or latency is lower
// than the one measured at the next smaller batch size of the same bundle.
type NonMonotonicPoint struct {
	Metric      Metric
	Previous    Measurement
	Measurement Measurement
}

// Bundles returns the measurements grouped by resource bundle, each group
// sorted by batch size.
func (p *Profile) Bundles() map[pipeperf.ResourceBundle][]Measurement {
	out := make(map[pipeperf.ResourceBundle][]Measurement, len(p.byBundle))
	for b, entries := range p.byBundle {
		group := make([]Measurement, len(entries))
		copy(group, entries)
		out[b] = group
	}

	return out
}

// CheckMonotonicity returns the points that break the expectation that
// throughput and latency do not decrease as the batch size grows. All
// measurements are checked, including those removed by pruning. Problems are
// also logged as warnings. The result is ordered by bundle and batch size.
func (p *Profile) CheckMonotonicity() []NonMonotonicPoint {
	bundles := make([]pipeperf.ResourceBundle, 0, len(p.measured))
	for b := range p.measured {
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].String() < bundles[j].String()
	})

	var points []NonMonotonicPoint
	for _, b := range bundles {
		entries := p.measured[b]
		for i := 1; i < len(entries); i++ {
			prev, cur := entries[i-1], entries[i]

			if cur.Throughput < prev.Throughput {
				points = append(points, NonMonotonicPoint{
					Metric:      MetricThroughput,
					Previous:    prev,
					Measurement: cur,
				})
			}

			if cur.Latency < prev.Latency {
				points = append(points, NonMonotonicPoint{
					Metric:      MetricLatency,
					Previous:    prev,
					Measurement: cur,
				})
			}
		}
	}

	for _, pt := range points {
		p.logger.Warn().
			Str("stage", p.name).
			Stringer("bundle", pt.Measurement.Bundle).
			Str("metric", string(pt.Metric)).
			Float64("batch_size", pt.Measurement.BatchSize).
			Msg("profile is non-monotonic")
	}

	return points
}
