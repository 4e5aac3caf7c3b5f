package profile

import (
	"bytes"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/sarchlab/pipeperf"
)

var k80 = pipeperf.ResourceBundle{
	Accelerator: pipeperf.AcceleratorK80,
	CPUs:        1,
	Cloud:       pipeperf.CloudAWS,
}

var cpuOnly = pipeperf.ResourceBundle{
	Accelerator: pipeperf.AcceleratorNone,
	CPUs:        4,
	Cloud:       pipeperf.CloudAWS,
}

func row(
	b pipeperf.ResourceBundle,
	batchSize, throughput, latency, cost float64,
) pipeperf.ProfileRow {
	return pipeperf.ProfileRow{
		Accelerator: b.Accelerator,
		CPUs:        b.CPUs,
		Cloud:       b.Cloud,
		BatchSize:   batchSize,
		Throughputs: map[string]float64{"client": throughput},
		Latency:     latency,
		Cost:        cost,
	}
}

func config(b pipeperf.ResourceBundle, batchSize float64, replicas int) pipeperf.StageConfig {
	return pipeperf.StageConfig{
		Name:        "stage",
		CPUs:        b.CPUs,
		Accelerator: b.Accelerator,
		BatchSize:   batchSize,
		Replicas:    replicas,
		Cloud:       b.Cloud,
	}
}

var _ = Describe("Prune", func() {
	measurement := func(thru, cost, lat float64) Measurement {
		return Measurement{Bundle: k80, Throughput: thru, Cost: cost, Latency: lat}
	}

	It("should remove a row worse on all three fields", func() {
		best := measurement(100, 1, 0.1)
		worse := measurement(50, 2, 0.2)

		Expect(Prune([]Measurement{worse, best})).To(Equal([]Measurement{best}))
	})

	It("should remove a row tied on throughput but worse otherwise", func() {
		best := measurement(100, 1, 0.1)
		worse := measurement(100, 1, 0.2)

		Expect(Prune([]Measurement{best, worse})).To(Equal([]Measurement{best}))
	})

	It("should keep trade-off rows", func() {
		fast := measurement(100, 1, 0.1)
		big := measurement(200, 1, 0.3)
		cheap := measurement(50, 0.5, 0.3)

		Expect(Prune([]Measurement{fast, big, cheap})).To(Equal([]Measurement{fast, big, cheap}))
	})

	It("should keep rows tied on all three fields", func() {
		a := measurement(100, 1, 0.1)
		b := measurement(100, 1, 0.1)
		b.BatchSize = 2

		Expect(Prune([]Measurement{a, b})).To(Equal([]Measurement{a, b}))
	})

	It("should compare rows of different bundles", func() {
		gpu := measurement(100, 1, 0.1)
		cpu := measurement(10, 2, 0.5)
		cpu.Bundle = cpuOnly

		Expect(Prune([]Measurement{cpu, gpu})).To(Equal([]Measurement{gpu}))
	})

	It("should not depend on row order", func() {
		a := measurement(100, 1, 0.1)
		b := measurement(90, 1.5, 0.2)
		c := measurement(80, 2, 0.3)
		d := measurement(300, 3, 0.4)

		Expect(Prune([]Measurement{a, b, c, d})).To(ConsistOf(a, d))
		Expect(Prune([]Measurement{c, d, b, a})).To(ConsistOf(a, d))
	})

	It("should be idempotent", func() {
		entries := []Measurement{
			measurement(100, 1, 0.1),
			measurement(90, 1.5, 0.2),
			measurement(200, 1, 0.3),
			measurement(200, 1, 0.3),
			measurement(50, 0.5, 0.05),
		}

		once := Prune(entries)

		Expect(Prune(once)).To(Equal(once))
	})
})

var _ = Describe("Profile", func() {
	var (
		p   *Profile
		log *bytes.Buffer
	)

	BeforeEach(func() {
		log = new(bytes.Buffer)

		var err error
		p, err = New("stage", []pipeperf.ProfileRow{
			row(k80, 20, 200, 0.2, 0.9),
			row(k80, 10, 100, 0.1, 0.9),
			row(cpuOnly, 1, 5, 0.05, 0.2),
		}, "client", WithLogger(zerolog.New(log)))
		Expect(err).To(BeNil())
	})

	It("should reject an empty table", func() {
		_, err := New("stage", nil, "client")
		Expect(err).To(MatchError(ErrEmptyProfile))
	})

	It("should reject rows without the selected throughput", func() {
		_, err := New("stage", []pipeperf.ProfileRow{row(k80, 1, 1, 1, 1)}, "frontend")
		Expect(err).To(MatchError(ErrMissingThroughput))
	})

	It("should return exact values at a profiled batch size", func() {
		perf, err := p.EstimatePerformance(config(k80, 10, 1))

		Expect(err).To(BeNil())
		Expect(perf).To(Equal(Performance{Latency: 0.1, Throughput: 100, Cost: 0.9}))
	})

	It("should interpolate between profiled batch sizes", func() {
		perf, err := p.EstimatePerformance(config(k80, 15, 1))

		Expect(err).To(BeNil())
		Expect(perf.Throughput).To(BeNumerically("~", 150, 1e-9))
		Expect(perf.Latency).To(BeNumerically("~", 0.15, 1e-9))
		Expect(perf.Cost).To(Equal(0.9))
		Expect(perf.Extrapolated).To(BeFalse())
	})

	It("should use the smallest profile below the profiled range", func() {
		perf, err := p.EstimatePerformance(config(k80, 5, 1))

		Expect(err).To(BeNil())
		Expect(perf).To(Equal(Performance{
			Latency:      0.1,
			Throughput:   100,
			Cost:         0.9,
			Extrapolated: true,
		}))
		Expect(log.String()).To(ContainSubstring("no lower bound"))
	})

	It("should use the largest profile above the profiled range", func() {
		perf, err := p.EstimatePerformance(config(k80, 64, 1))

		Expect(err).To(BeNil())
		Expect(perf).To(Equal(Performance{
			Latency:      0.2,
			Throughput:   200,
			Cost:         0.9,
			Extrapolated: true,
		}))
		Expect(log.String()).To(ContainSubstring("no upper bound"))
	})

	It("should scale throughput and cost but not latency with replicas", func() {
		one, err := p.EstimatePerformance(config(k80, 15, 1))
		Expect(err).To(BeNil())

		two, err := p.EstimatePerformance(config(k80, 15, 2))
		Expect(err).To(BeNil())

		Expect(two.Throughput).To(BeNumerically("~", 2*one.Throughput, 1e-9))
		Expect(two.Cost).To(BeNumerically("~", 2*one.Cost, 1e-9))
		Expect(two.Latency).To(Equal(one.Latency))
	})

	It("should fail for an unprofiled bundle", func() {
		v100 := k80
		v100.Accelerator = pipeperf.AcceleratorV100

		_, err := p.EstimatePerformance(config(v100, 10, 1))

		Expect(err).To(MatchError(ErrNoMatchingProfile))
	})

	It("should match bundles on cloud too", func() {
		gcp := k80
		gcp.Cloud = pipeperf.CloudGCP

		_, err := p.EstimatePerformance(config(gcp, 10, 1))

		Expect(err).To(MatchError(ErrNoMatchingProfile))
	})

	It("should reject non-finite measurements", func() {
		_, err := New("stage", []pipeperf.ProfileRow{
			row(k80, 10, 100, 0.1, 0.9),
			row(k80, math.NaN(), 200, 0.2, 0.9),
		}, "client")

		Expect(err).To(MatchError(ErrInvalidMeasurement))
	})

	It("should fail on a batch size that cannot be ordered", func() {
		_, err := p.EstimatePerformance(config(k80, math.NaN(), 1))

		Expect(err).To(MatchError(ErrInvalidBatchSize))
	})

	It("should warn when interpolating over a decreasing profile", func() {
		q, err := New("stage", []pipeperf.ProfileRow{
			row(k80, 10, 100, 0.3, 0.9),
			row(k80, 20, 200, 0.2, 1.0),
		}, "client", WithLogger(zerolog.New(log)))
		Expect(err).To(BeNil())

		perf, err := q.EstimatePerformance(config(k80, 15, 1))

		Expect(err).To(BeNil())
		Expect(perf.Latency).To(BeNumerically("~", 0.25, 1e-9))
		Expect(log.String()).To(ContainSubstring("not increasing"))
	})

	Context("when increasing the batch size", func() {
		BeforeEach(func() {
			var err error
			p, err = New("stage", []pipeperf.ProfileRow{
				row(k80, 1, 10, 0.01, 1),
				row(k80, 2, 18, 0.02, 1),
				row(k80, 4, 30, 0.04, 1),
				row(k80, 8, 40, 0.08, 1),
			}, "client")
			Expect(err).To(BeNil())
		})

		It("should pick the next profiled batch size above floor+1", func() {
			next, ok := p.IncreaseBatchSize(config(k80, 1, 3))

			Expect(ok).To(BeTrue())
			Expect(next.BatchSize).To(Equal(4.0))
			Expect(next.Replicas).To(Equal(3))
		})

		It("should floor fractional batch sizes", func() {
			next, ok := p.IncreaseBatchSize(config(k80, 2.7, 1))

			Expect(ok).To(BeTrue())
			Expect(next.BatchSize).To(Equal(4.0))
		})

		It("should report the profiled ceiling", func() {
			cfg := config(k80, 7.5, 1)

			next, ok := p.IncreaseBatchSize(cfg)

			Expect(ok).To(BeFalse())
			Expect(next).To(Equal(cfg))
		})

		It("should report an unknown bundle as the ceiling", func() {
			_, ok := p.IncreaseBatchSize(config(cpuOnly, 1, 1))

			Expect(ok).To(BeFalse())
		})
	})

	It("should enumerate every profiled config per replica count", func() {
		configs := p.EnumerateConfigs(2)

		Expect(configs).To(HaveLen(6))
		Expect(configs[0].Replicas).To(Equal(1))
		Expect(configs[3].Replicas).To(Equal(2))
		Expect(configs[0].Name).To(Equal("stage"))
		for _, c := range configs {
			_, err := p.EstimatePerformance(c)
			Expect(err).To(BeNil())
		}

		Expect(p.EnumerateConfigs(0)).To(BeEmpty())
	})

	It("should group entries by bundle", func() {
		bundles := p.Bundles()

		Expect(bundles).To(HaveLen(2))
		Expect(bundles[k80]).To(HaveLen(2))
		Expect(bundles[k80][0].BatchSize).To(Equal(10.0))
		Expect(bundles[k80][1].BatchSize).To(Equal(20.0))
	})

	It("should find non-monotonic measurements", func() {
		q, err := New("stage", []pipeperf.ProfileRow{
			row(k80, 1, 10, 0.01, 1),
			row(k80, 2, 8, 0.02, 1),
			row(k80, 4, 30, 0.04, 1),
		}, "client", WithLogger(zerolog.New(log)))
		Expect(err).To(BeNil())

		points := q.CheckMonotonicity()

		Expect(points).To(HaveLen(1))
		Expect(points[0].Metric).To(Equal(MetricThroughput))
		Expect(points[0].Measurement.BatchSize).To(Equal(2.0))
		Expect(points[0].Previous.BatchSize).To(Equal(1.0))
		Expect(log.String()).To(ContainSubstring("non-monotonic"))
	})
})
